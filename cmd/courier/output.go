package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/remote"
	"github.com/MarcoPoloResearchLab/courier/internal/repository"
	"github.com/MarcoPoloResearchLab/courier/internal/syncengine"
	"github.com/olekukonko/tablewriter"
)

const timestampLayout = time.RFC3339

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	return table
}

func renderRecords(out io.Writer, records []deliveries.DeliveryRequest) {
	table := newTable(out, "Local ID", "Server ID", "Status", "Sync", "Customer", "Pickup", "Dropoff", "Retries", "Updated")
	for _, record := range records {
		table.Append([]string{
			record.LocalID,
			serverIDText(record),
			record.Status,
			string(record.SyncStatus),
			record.CustomerName,
			record.PickupAddress,
			record.DropoffAddress,
			strconv.Itoa(record.RetryCount),
			record.UpdatedAt().Format(timestampLayout),
		})
	}
	table.Render()
}

func renderRecord(out io.Writer, record deliveries.DeliveryRequest) {
	table := newTable(out, "Field", "Value")
	table.AppendBulk([][]string{
		{"local_id", record.LocalID},
		{"server_id", serverIDText(record)},
		{"status", record.Status},
		{"sync_status", string(record.SyncStatus)},
		{"pickup_address", record.PickupAddress},
		{"dropoff_address", record.DropoffAddress},
		{"customer_name", record.CustomerName},
		{"customer_phone", record.CustomerPhone},
		{"delivery_notes", record.DeliveryNotes},
		{"retry_count", strconv.Itoa(record.RetryCount)},
		{"last_error", record.LastError},
		{"created_at", record.CreatedAt().Format(timestampLayout)},
		{"updated_at", record.UpdatedAt().Format(timestampLayout)},
	})
	if next := record.NextAttemptAt(); !next.IsZero() {
		table.Append([]string{"next_attempt_at", next.Format(timestampLayout)})
	}
	table.Render()
}

func renderHistory(out io.Writer, entries []deliveries.SyncLogEntry) {
	table := newTable(out, "When", "Request", "Outcome", "Trigger", "Batch", "Retries", "Error")
	for _, entry := range entries {
		request := entry.RequestID
		if request == "" {
			request = "-"
		}
		table.Append([]string{
			entry.SyncedAt().Format(timestampLayout),
			request,
			string(entry.Outcome),
			entry.Trigger,
			strconv.Itoa(entry.BatchSize),
			strconv.Itoa(entry.RetryCount),
			entry.ErrorMessage,
		})
	}
	table.Render()
}

func renderSyncResult(out io.Writer, result syncengine.Result) {
	if result.Skipped {
		fmt.Fprintln(out, "offline: nothing was sent")
		return
	}
	fmt.Fprintf(out, "attempted %d, synced %d, failed %d, deferred %d\n",
		result.Attempted, len(result.Synced), len(result.Failed), len(result.Deferred))
	if result.BatchFailures > 0 {
		fmt.Fprintf(out, "%d batch(es) could not reach the remote store\n", result.BatchFailures)
	}
}

func renderStatus(out io.Writer, status repository.Status) {
	table := newTable(out, "Field", "Value")
	table.Append([]string{"online", strconv.FormatBool(status.Online)})
	table.Append([]string{"pending_records", strconv.FormatInt(status.PendingRecords, 10)})
	table.Append([]string{"pending_updates", strconv.FormatInt(status.PendingUpdates, 10)})
	lastSync := "never"
	if status.LastSync != nil {
		lastSync = status.LastSync.SyncedAt().Format(timestampLayout)
	}
	table.Append([]string{"last_sync", lastSync})
	table.Render()
}

func renderStatistics(out io.Writer, statistics remote.Statistics) {
	table := newTable(out, "Total", "Pending", "Active", "Completed", "Cancelled", "Success rate")
	table.Append([]string{
		strconv.FormatInt(statistics.TotalRequests, 10),
		strconv.FormatInt(statistics.PendingRequests, 10),
		strconv.FormatInt(statistics.ActiveRequests, 10),
		strconv.FormatInt(statistics.CompletedRequests, 10),
		strconv.FormatInt(statistics.CancelledRequests, 10),
		strconv.FormatFloat(statistics.SuccessRate, 'f', 2, 64) + "%",
	})
	table.Render()
}

func serverIDText(record deliveries.DeliveryRequest) string {
	if id, ok := record.ServerIDValue(); ok {
		return strconv.FormatInt(id.Int64(), 10)
	}
	return "-"
}
