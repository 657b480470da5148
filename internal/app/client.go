// Package app assembles the device runtime and the reference remote store
// from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/config"
	"github.com/MarcoPoloResearchLab/courier/internal/connectivity"
	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/deliveries"
	"github.com/MarcoPoloResearchLab/courier/internal/remote"
	"github.com/MarcoPoloResearchLab/courier/internal/repository"
	"github.com/MarcoPoloResearchLab/courier/internal/syncengine"
	"github.com/MarcoPoloResearchLab/courier/internal/syncqueue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownFlushTimeout = 10 * time.Second

// ClientOptions adjusts how the device runtime reaches the network.
type ClientOptions struct {
	// Offline pins connectivity to offline regardless of the probe.
	Offline bool
	// HTTPClient overrides the client used for the remote store and the probe.
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Client is the assembled device runtime.
type Client struct {
	Repository *repository.Repository
	Engine     *syncengine.Engine
	Monitor    *connectivity.Monitor
	Remote     *remote.Client

	db     *gorm.DB
	logger *zap.Logger
}

// OpenClient opens the local database, rebuilds the sync queue from it and
// wires every component. Connectivity is probed once before returning.
func OpenClient(ctx context.Context, cfg config.ClientConfig, logger *zap.Logger, options ClientOptions) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}

	db, err := database.OpenLocal(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	client, err := assembleClient(ctx, db, cfg, logger, clock, options)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return client, nil
}

func assembleClient(ctx context.Context, db *gorm.DB, cfg config.ClientConfig, logger *zap.Logger, clock func() time.Time, options ClientOptions) (*Client, error) {
	store, err := deliveries.NewStore(deliveries.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	queue, err := syncqueue.New(syncqueue.Config{Store: store, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	if restored, err := queue.Rebuild(ctx); err != nil {
		return nil, err
	} else if restored > 0 {
		logger.Info("sync queue restored", zap.Int("records", restored))
	}

	var source connectivity.Source = connectivity.StaticSource(false)
	if !options.Offline {
		probe, err := connectivity.NewHTTPProbe(cfg.ProbeURL, options.HTTPClient)
		if err != nil {
			return nil, err
		}
		source = probe
	}
	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
		Source:       source,
		PollInterval: cfg.PollInterval,
		Clock:        clock,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	credentials, err := newCredentials(cfg, clock, logger)
	if err != nil {
		return nil, err
	}
	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL:     cfg.RemoteBaseURL,
		HTTPClient:  options.HTTPClient,
		Timeout:     cfg.RemoteTimeout,
		Credentials: credentials,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := syncengine.New(syncengine.Config{
		Store:          store,
		Queue:          queue,
		Remote:         remoteClient,
		Connectivity:   monitor,
		BatchSize:      cfg.BatchSize,
		Interval:       cfg.SyncInterval,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		MaxAutoRetries: cfg.MaxAutoRetries,
		Clock:          clock,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	monitor.BindSyncTrigger(engine)

	repo, err := repository.New(repository.Config{
		Store:        store,
		Queue:        queue,
		Syncer:       engine,
		Connectivity: monitor,
		Clock:        clock,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	monitor.Refresh(ctx)

	return &Client{
		Repository: repo,
		Engine:     engine,
		Monitor:    monitor,
		Remote:     remoteClient,
		db:         db,
		logger:     logger,
	}, nil
}

func newCredentials(cfg config.ClientConfig, clock func() time.Time, logger *zap.Logger) (remote.CredentialProvider, error) {
	if cfg.RemoteToken != "" {
		static, err := auth.NewStaticCredentials(cfg.RemoteToken)
		if err != nil {
			return nil, err
		}
		return static, nil
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.Auth.SigningSecret),
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		TokenTTL:      cfg.Auth.TokenTTL,
		Clock:         clock,
	})
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	minted, err := auth.NewIssuerCredentials(auth.IssuerCredentialsConfig{
		Issuer:  issuer,
		Subject: cfg.Auth.Subject,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Run polls connectivity and drives interval syncs until ctx is cancelled,
// then flushes whatever is still pending.
func (c *Client) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.Monitor.Run(groupCtx)
	})
	group.Go(func() error {
		return c.Engine.Run(groupCtx)
	})
	runErr := group.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()
	flushErr := c.Engine.Close(flushCtx)
	if flushErr != nil {
		c.logger.Warn("final flush incomplete", zap.Error(flushErr))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// Close releases the local database.
func (c *Client) Close() error {
	return database.Close(c.db)
}
