package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	errOffline   = errors.New("remote store unreachable")
	errNoChanges = errors.New("no fields to change")
)

// payloadFlags are the create flags. A YAML file, when given, is read first and
// flags override its fields.
type payloadFlags struct {
	pickup   string
	dropoff  string
	customer string
	phone    string
	notes    string
	status   string
}

func (p *payloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.pickup, "pickup", "", "Pickup address")
	cmd.Flags().StringVar(&p.dropoff, "dropoff", "", "Dropoff address")
	cmd.Flags().StringVar(&p.customer, "customer", "", "Customer name")
	cmd.Flags().StringVar(&p.phone, "phone", "", "Customer phone")
	cmd.Flags().StringVar(&p.notes, "notes", "", "Delivery notes")
	cmd.Flags().StringVar(&p.status, "status", "", "Business status")
}

func (p *payloadFlags) payload(file string) (deliveries.Payload, error) {
	var payload deliveries.Payload
	if file != "" {
		if err := readYAML(file, &payload); err != nil {
			return deliveries.Payload{}, err
		}
	}
	overrideString(&payload.PickupAddress, p.pickup)
	overrideString(&payload.DropoffAddress, p.dropoff)
	overrideString(&payload.CustomerName, p.customer)
	overrideString(&payload.CustomerPhone, p.phone)
	overrideString(&payload.DeliveryNotes, p.notes)
	overrideString(&payload.Status, p.status)
	return payload, nil
}

// changeFlags are the update flags. Only flags the user set become changes.
type changeFlags struct {
	payloadFlags
}

func (c *changeFlags) changes(cmd *cobra.Command, file string) (deliveries.Changes, error) {
	var changes deliveries.Changes
	if file != "" {
		if err := readYAML(file, &changes); err != nil {
			return deliveries.Changes{}, err
		}
	}
	flags := cmd.Flags()
	setIfChanged(flags.Changed("pickup"), &changes.PickupAddress, c.pickup)
	setIfChanged(flags.Changed("dropoff"), &changes.DropoffAddress, c.dropoff)
	setIfChanged(flags.Changed("customer"), &changes.CustomerName, c.customer)
	setIfChanged(flags.Changed("phone"), &changes.CustomerPhone, c.phone)
	setIfChanged(flags.Changed("notes"), &changes.DeliveryNotes, c.notes)
	setIfChanged(flags.Changed("status"), &changes.Status, c.status)
	if changes.IsEmpty() {
		return deliveries.Changes{}, errNoChanges
	}
	return changes, nil
}

func readYAML(path string, target any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(content, target); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setIfChanged(changed bool, target **string, value string) {
	if changed {
		*target = &value
	}
}
