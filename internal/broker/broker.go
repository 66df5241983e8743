// Package broker embeds the local MQTT broker that edge devices connect to.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"

	"mediary/internal/logging"
	"mediary/pkg/types"
)

// Config holds the listener settings. A zero port disables that listener.
type Config struct {
	Address  string
	Port     int
	TLSPort  int
	CertFile string
	KeyFile  string
}

// Broker is the embedded mochi server plus the hook wiring it to a Handler.
type Broker struct {
	cfg    Config
	server *mqtt.Server
	hook   *bridgeHook
	logger zerolog.Logger

	mu  sync.RWMutex
	ctx context.Context
}

// New creates the server and registers the bridge hook. Listeners open in Start.
func New(cfg Config, h Handler, logger zerolog.Logger) (*Broker, error) {
	logger = logger.With().Str("component", "LocalBroker").Logger()
	b := &Broker{
		cfg:    cfg,
		logger: logger,
		server: mqtt.New(&mqtt.Options{
			InlineClient: true,
			Logger:       logging.Slog(logger.Level(maxLevel(logger.GetLevel(), zerolog.WarnLevel))),
		}),
	}
	b.ctx = context.Background()
	b.hook = newBridgeHook(h, b.context, logger)
	if err := b.server.AddHook(b.hook, nil); err != nil {
		return nil, fmt.Errorf("adding bridge hook: %w", err)
	}
	return b, nil
}

func maxLevel(a, b zerolog.Level) zerolog.Level {
	if a > b {
		return a
	}
	return b
}

func (b *Broker) context() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx
}

// Start opens the configured listeners. ctx is passed to every Handler call.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if b.cfg.Port > 0 {
		addr := net.JoinHostPort(b.cfg.Address, strconv.Itoa(b.cfg.Port))
		if err := b.server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})); err != nil {
			return fmt.Errorf("adding tcp listener: %w", err)
		}
		b.logger.Info().Str("address", addr).Msg("Local MQTT listener configured.")
	}
	if b.cfg.TLSPort > 0 {
		cert, err := tls.LoadX509KeyPair(b.cfg.CertFile, b.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("loading local TLS certificate: %w", err)
		}
		addr := net.JoinHostPort(b.cfg.Address, strconv.Itoa(b.cfg.TLSPort))
		l := listeners.NewTCP(listeners.Config{
			ID:        "tls",
			Address:   addr,
			TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}},
		})
		if err := b.server.AddListener(l); err != nil {
			return fmt.Errorf("adding tls listener: %w", err)
		}
		b.logger.Info().Str("address", addr).Msg("Local MQTT TLS listener configured.")
	}

	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("starting local broker: %w", err)
	}
	return nil
}

// Close stops the listeners and disconnects every client.
func (b *Broker) Close() error {
	return b.server.Close()
}

// ConnectedClients returns the ids of the clients with an open connection.
func (b *Broker) ConnectedClients() []string {
	var ids []string
	for id, cl := range b.server.Clients.GetAll() {
		if cl.Net.Inline || cl.Closed() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Distribute delivers msg to matching local subscribers.
func (b *Broker) Distribute(msg types.Message) error {
	if err := b.server.Publish(msg.Topic, msg.Payload, msg.Retain, msg.QoS.Effective()); err != nil {
		return fmt.Errorf("distributing %s: %w", msg.Topic, err)
	}
	return nil
}
