// Package upstream maintains the single authenticated connection from the
// bridge to the cloud MQTT endpoint. A Link owns the connection state machine
// and the reconnect policy; a Transport performs the actual protocol work.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mediary/internal/credential"
	"mediary/internal/metrics"
	"mediary/pkg/types"
)

const (
	DefaultReconnectBackoff = 15 * time.Second
	DefaultExpiryGrace      = 30 * time.Second
	DefaultOperationTimeout = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Publish and Subscribe outside the Connected state.
	ErrNotConnected = errors.New("upstream not connected")
	// ErrTimeout is returned when an upstream operation does not complete in time.
	ErrTimeout = errors.New("upstream operation timed out")
)

// IsConnectivity reports whether err means the upstream could not be reached,
// as opposed to the upstream refusing the operation. An operation abandoned
// through cancellation never got its acknowledgement and counts as unreached.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// MessageHandler receives application messages arriving from upstream.
type MessageHandler func(types.Message)

// Transport is one protocol session with the upstream endpoint. Connect
// authenticates with cred and returns once the session is established;
// onLost is called at most once when an established session drops.
type Transport interface {
	Connect(ctx context.Context, cred credential.Credential, handler MessageHandler, onLost func(error)) error
	Publish(ctx context.Context, msg types.Message) error
	Subscribe(ctx context.Context, filter types.TopicFilter) (bool, error)
	Disconnect()
}

// CredentialSource issues a fresh credential for every connection attempt.
type CredentialSource interface {
	Issue() (credential.Credential, error)
}

// Observer is notified of link transitions and inbound messages. OnLinkUp runs
// on the link goroutine after the state became Connected.
type Observer interface {
	OnLinkUp(ctx context.Context)
	OnLinkDown(err error)
	OnUpstreamMessage(msg types.Message)
}

// Config tunes the reconnect policy and operation timeouts.
type Config struct {
	ReconnectBackoff time.Duration
	ExpiryGrace      time.Duration
	OperationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.ExpiryGrace < 0 {
		c.ExpiryGrace = 0
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	return c
}

// Link owns the upstream connection lifecycle.
type Link struct {
	transport Transport
	issuer    CredentialSource
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
	cred  credential.Credential
}

// NewLink creates a Link in the Disconnected state.
func NewLink(transport Transport, issuer CredentialSource, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Link {
	if m == nil {
		m = metrics.New()
	}
	return &Link{
		transport: transport,
		issuer:    issuer,
		cfg:       cfg.withDefaults(),
		metrics:   m,
		logger:    logger.With().Str("component", "UpstreamLink").Logger(),
		now:       time.Now,
		state:     Disconnected,
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether the link is in the Connected state.
func (l *Link) Connected() bool {
	return l.State() == Connected
}

// Credential returns the credential used by the current or last session.
func (l *Link) Credential() credential.Credential {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cred
}

func (l *Link) apply(e Event) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := Transition(l.state, e)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Ignoring unexpected link event.")
		return l.state
	}
	if next != l.state {
		l.logger.Debug().Stringer("from", l.state).Stringer("to", next).Stringer("event", e).Msg("Link state changed.")
	}
	l.state = next
	if next == Connected {
		l.metrics.LinkUp.Set(1)
	} else {
		l.metrics.LinkUp.Set(0)
	}
	return next
}

// Run connects and keeps reconnecting until ctx is cancelled. It returns nil
// on shutdown.
func (l *Link) Run(ctx context.Context, obs Observer) error {
	for {
		if ctx.Err() != nil {
			l.apply(EventShutdown)
			return nil
		}

		cred, lost, err := l.connect(ctx, obs)
		if err != nil {
			if ctx.Err() != nil {
				l.apply(EventShutdown)
				return nil
			}
			l.metrics.ConnectFailures.Inc()
			l.logger.Error().Err(err).Dur("retry_in", l.cfg.ReconnectBackoff).Msg("Upstream connection attempt failed.")
			if !sleepCtx(ctx, l.cfg.ReconnectBackoff) {
				l.apply(EventShutdown)
				return nil
			}
			continue
		}

		l.logger.Info().Time("credential_expires_at", cred.ExpiresAt).Msg("Upstream link established.")
		obs.OnLinkUp(ctx)

		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Shutting down upstream link.")
			l.transport.Disconnect()
			l.apply(EventShutdown)
			return nil
		case lostErr := <-lost:
			l.apply(EventConnectionLost)
			l.metrics.LinkDrops.Inc()
			obs.OnLinkDown(lostErr)

			delay := l.ReconnectDelay(cred)
			l.logger.Warn().Err(lostErr).Dur("reconnect_in", delay).Msg("Upstream connection lost.")
			if delay > 0 && !sleepCtx(ctx, delay) {
				l.apply(EventShutdown)
				return nil
			}
		}
	}
}

func (l *Link) connect(ctx context.Context, obs Observer) (credential.Credential, <-chan error, error) {
	l.apply(EventStart)
	l.metrics.ConnectAttempts.Inc()

	cred, err := l.issuer.Issue()
	if err != nil {
		l.apply(EventHandshakeFailed)
		return credential.Credential{}, nil, fmt.Errorf("issuing credential: %w", err)
	}

	lost := make(chan error, 1)
	onLost := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}
	if err := l.transport.Connect(ctx, cred, obs.OnUpstreamMessage, onLost); err != nil {
		l.apply(EventHandshakeFailed)
		return credential.Credential{}, nil, err
	}

	l.mu.Lock()
	l.cred = cred
	l.mu.Unlock()
	l.apply(EventHandshakeOK)
	return cred, lost, nil
}

// ReconnectDelay is zero when the session dropped because its credential
// reached expiry, and the fixed backoff otherwise.
func (l *Link) ReconnectDelay(cred credential.Credential) time.Duration {
	if cred.Expired(l.now(), l.cfg.ExpiryGrace) {
		return 0
	}
	return l.cfg.ReconnectBackoff
}

// Publish sends msg upstream with the configured operation timeout.
func (l *Link) Publish(ctx context.Context, msg types.Message) error {
	if l.State() != Connected {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OperationTimeout)
	defer cancel()
	if err := l.transport.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: publish %s", ErrTimeout, msg.Topic)
		}
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe forwards one filter upstream and reports whether it was granted.
func (l *Link) Subscribe(ctx context.Context, filter types.TopicFilter) (bool, error) {
	if l.State() != Connected {
		return false, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OperationTimeout)
	defer cancel()
	granted, err := l.transport.Subscribe(ctx, filter)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: subscribe %s", ErrTimeout, filter.Topic)
		}
		return false, fmt.Errorf("subscribe %s: %w", filter.Topic, err)
	}
	return granted, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
