package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/config"
	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/remotestore"
	"github.com/MarcoPoloResearchLab/courier/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serverShutdownTimeout = 10 * time.Second

// Server is the assembled reference remote store.
type Server struct {
	handler http.Handler
	address string
	db      *gorm.DB
	logger  *zap.Logger
}

// OpenServer opens the remote store database and builds its HTTP handler.
func OpenServer(cfg config.ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := database.OpenRemote(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	handler, err := newServerHandler(db, cfg.Auth, logger)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return &Server{handler: handler, address: cfg.HTTPAddress, db: db, logger: logger}, nil
}

func newServerHandler(db *gorm.DB, authConfig config.AuthConfig, logger *zap.Logger) (http.Handler, error) {
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(authConfig.SigningSecret),
		Issuer:        authConfig.Issuer,
		Audience:      authConfig.Audience,
		TokenTTL:      authConfig.TokenTTL,
	})
	if err != nil {
		return nil, err
	}
	service, err := remotestore.NewService(remotestore.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return server.NewHTTPHandler(server.Dependencies{
		Tokens:     tokens,
		Deliveries: service,
		Logger:     logger,
	})
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("address", s.address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close releases the remote store database.
func (s *Server) Close() error {
	return database.Close(s.db)
}
