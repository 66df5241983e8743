package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"mediary/internal/audit"
	"mediary/internal/auth"
	"mediary/internal/broker"
	"mediary/internal/credential"
	"mediary/internal/metrics"
	"mediary/internal/store"
	"mediary/internal/upstream"
	"mediary/pkg/types"
)

// Service assembles the bridge from configuration and owns the lifecycle of
// every component: local broker, upstream link, replay sweeper, metrics
// endpoint and the store and audit sinks.
type Service struct {
	config  *types.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	store   store.Store
	audit   audit.Sink
	link    *upstream.Link
	broker  *broker.Broker
	engine  *Engine

	wg sync.WaitGroup
}

// NewService builds every component. Configuration problems (bad signing key,
// unusable store) fail here, before any listener opens.
func NewService(ctx context.Context, config *types.Config, logger zerolog.Logger) (*Service, error) {
	issuer, err := credential.NewIssuer(credential.Config{
		PrivateKey: config.Upstream.PrivateKey,
		Audience:   config.Upstream.Audience,
		TTL:        config.Upstream.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("credential issuer: %w", err)
	}

	identities, err := auth.NewIdentities(config.Users, logger)
	if err != nil {
		return nil, fmt.Errorf("identities: %w", err)
	}
	if identities.Len() == 0 {
		logger.Warn().Msg("No local users configured; every local connection will be rejected.")
	}

	transport, err := upstream.NewPahoTransport(upstream.PahoConfig{
		Host:           config.Upstream.Host,
		Port:           config.Upstream.Port,
		ClientID:       config.Upstream.ClientID,
		KeepAlive:      config.Upstream.KeepAlive,
		ConnectTimeout: config.Upstream.ConnectTimeout,
		TLS:            config.Upstream.TLS,
	}, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	st, err := store.Open(ctx, config.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("missed-message store: %w", err)
	}
	sink, err := audit.New(config.Audit, logger)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, fmt.Errorf("audit sink: %w", err)
	}

	link := upstream.NewLink(transport, issuer, upstream.Config{
		ReconnectBackoff: config.Upstream.ReconnectBackoff,
		ExpiryGrace:      config.Upstream.ExpiryGrace,
		OperationTimeout: config.Upstream.OperationTimeout,
	}, m, logger)

	engine, err := NewEngine(Config{
		DeviceID:        config.Upstream.DeviceID,
		CommandTopic:    config.Upstream.CommandTopic,
		ConfigTopic:     config.Upstream.ConfigTopic,
		SubscribeConfig: config.Upstream.SubscribeConfig,
		AttachTopic:     config.Bridge.AttachTopic,
		DetachTopic:     config.Bridge.DetachTopic,
	}, Deps{
		Identities: identities,
		Upstream:   link,
		Store:      st,
		Audit:      sink,
		Metrics:    m,
	}, logger)
	if err != nil {
		st.Close()   //nolint:errcheck
		sink.Close() //nolint:errcheck
		return nil, err
	}

	b, err := broker.New(broker.Config{
		Address:  config.Local.Address,
		Port:     config.Local.Port,
		TLSPort:  config.Local.TLSPort,
		CertFile: config.Local.TLS.CertFile,
		KeyFile:  config.Local.TLS.KeyFile,
	}, engine, logger)
	if err != nil {
		st.Close()   //nolint:errcheck
		sink.Close() //nolint:errcheck
		return nil, err
	}
	engine.SetLocalBroker(b)
	if err := engine.SyncQueueDepth(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not read queue depth at startup.")
	}

	return &Service{
		config:  config,
		logger:  logger.With().Str("component", "Service").Logger(),
		metrics: m,
		store:   st,
		audit:   sink,
		link:    link,
		broker:  b,
		engine:  engine,
	}, nil
}

// Start opens the local listeners and launches the background loops. They
// all stop when ctx is cancelled; call Stop afterwards to release resources.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting Mediary bridge...")

	if err := s.broker.Start(ctx); err != nil {
		return err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.link.Run(ctx, s.engine); err != nil {
			s.logger.Error().Err(err).Msg("Upstream link stopped with error.")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.engine.RunSweeper(ctx, s.config.Bridge.PollInterval)
	}()

	if s.config.Metrics.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metrics.Serve(ctx, s.config.Metrics.Address, s.logger); err != nil {
				s.logger.Error().Err(err).Msg("Metrics server stopped with error.")
			}
		}()
	}

	s.logger.Info().
		Str("upstream", fmt.Sprintf("%s:%d", s.config.Upstream.Host, s.config.Upstream.Port)).
		Str("device_id", s.config.Upstream.DeviceID).
		Msg("Bridge started.")
	return nil
}

// Stop waits for the background loops (which exit on context cancellation)
// and closes the broker, store and audit sink.
func (s *Service) Stop() error {
	s.logger.Info().Msg("Stopping bridge...")
	s.wg.Wait()

	var errs []error
	if err := s.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing local broker: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing audit sink: %w", err))
	}
	s.logger.Info().Msg("Bridge stopped.")
	return errors.Join(errs...)
}

// Engine exposes the engine, mainly for tests.
func (s *Service) Engine() *Engine {
	return s.engine
}
