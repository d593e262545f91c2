// Package supervisor owns the sync core's subsystems: it builds them in
// dependency order, runs them as a unit, and tears them down in reverse
// with the store closed last.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lanesync/lanesync/internal/cloud"
	"github.com/lanesync/lanesync/internal/config"
	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/peer"
	"github.com/lanesync/lanesync/internal/reconcile"
	"github.com/lanesync/lanesync/internal/sale"
	"github.com/lanesync/lanesync/internal/store"
)

// Supervisor wires the store, bus, peer fabric, uplink, and reconciler.
type Supervisor struct {
	cfg *config.Config

	Store    *store.Store
	Bus      *outbox.Bus
	Server   *peer.Server
	Client   *peer.Client
	Uplink   *cloud.Uplink
	Recon    *reconcile.Reconciler
	Recorder *sale.Recorder
}

// New validates cfg and constructs every subsystem without starting any.
func New(cfg *config.Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	bus := outbox.New(st)

	client := peer.NewClient(bus, cfg.TerminalID, cfg.PeerURLs, peer.ClientOptions{
		BackoffBase:   cfg.BackoffBase,
		MaxRetries:    cfg.MaxRetries,
		DrainInterval: cfg.DrainInterval,
	})

	recon := reconcile.New(st, bus, client, cfg.TerminalID, reconcile.Options{
		Interval:  cfg.ReconcileInterval,
		Threshold: cfg.DivergenceThreshold,
	})
	client.Recon = recon

	server := peer.NewServer(st, bus, cfg.TerminalID)
	server.Recon = recon
	server.Health = func() any { return client.Status() }

	uplink := cloud.New(bus, cloud.Options{
		BaseURL:     cloudValue(cfg.CloudBaseURL),
		ServiceKey:  cloudValue(cfg.CloudServiceKey),
		TerminalID:  cfg.TerminalID,
		Interval:    cfg.CloudInterval,
		BackoffBase: cfg.BackoffBase,
		MaxRetries:  cfg.MaxRetries,
	})

	return &Supervisor{
		cfg:      cfg,
		Store:    st,
		Bus:      bus,
		Server:   server,
		Client:   client,
		Uplink:   uplink,
		Recon:    recon,
		Recorder: sale.NewRecorder(st, bus, cfg.TerminalID),
	}, nil
}

func cloudValue(v string) string {
	if v == config.UnsetSentinel {
		return ""
	}
	return v
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// down in reverse order. The store closes last.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		if err := s.Store.Close(); err != nil {
			log.Error().Err(err).Msg("store close failed")
		} else {
			log.Info().Msg("store closed")
		}
	}()

	ln, port, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().Int("port", port).Str("terminal", s.cfg.TerminalID).Msg("peer listener bound")

	httpServer := &http.Server{
		Handler:      s.Server.Routes(),
		ReadTimeout:  0, // long-lived websocket reads
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("peer listener failed: %w", err)
		}
		return nil
	})

	g.Go(func() error { return ignoreCancel(s.Client.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(s.Uplink.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(s.Recon.Run(gctx)) })

	// Teardown in reverse: timers and connections stop when gctx is
	// cancelled; the listener is shut down explicitly afterwards.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("listener shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("sync core stopped")
	return err
}

// listen binds the configured port, falling back to port+1 exactly once
// if it is taken.
func (s *Supervisor) listen() (net.Listener, int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err == nil {
		return ln, s.cfg.Port, nil
	}

	fallback := s.cfg.Port + 1
	log.Warn().Err(err).Int("port", s.cfg.Port).Int("fallback", fallback).Msg("port taken, trying fallback")
	ln, ferr := net.Listen("tcp", fmt.Sprintf(":%d", fallback))
	if ferr != nil {
		return nil, 0, fmt.Errorf("failed to bind %d and fallback %d: %w", s.cfg.Port, fallback, ferr)
	}
	return ln, fallback, nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
