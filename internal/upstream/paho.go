package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"mediary/internal/credential"
	"mediary/internal/tlsutil"
	"mediary/pkg/types"
)

const (
	// DefaultUsername is sent with every CONNECT; the endpoint only reads the password.
	DefaultUsername       = "unused"
	DefaultKeepAlive      = 15 * time.Minute
	DefaultConnectTimeout = 30 * time.Second

	subackFailure     = 0x80
	disconnectQuiesce = 250
)

// PahoConfig configures the paho-based transport.
type PahoConfig struct {
	Host           string
	Port           int
	ClientID       string
	Username       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLS            types.UpstreamTLSConfig
}

// PahoTransport speaks MQTT 3.1.1 to the upstream endpoint using the Eclipse
// Paho client. A new paho client is built for each session so that every
// CONNECT carries the credential issued for it.
type PahoTransport struct {
	cfg       PahoConfig
	tlsConfig *tls.Config
	logger    zerolog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

// NewPahoTransport validates the TLS material up front.
func NewPahoTransport(cfg PahoConfig, logger zerolog.Logger) (*PahoTransport, error) {
	if cfg.Username == "" {
		cfg.Username = DefaultUsername
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	t := &PahoTransport{
		cfg:       cfg,
		logger:    logger.With().Str("component", "PahoTransport").Logger(),
		newClient: mqtt.NewClient,
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := tlsutil.ClientConfig(tlsutil.ClientOptions{
			ServerName:         cfg.Host,
			CAFile:             cfg.TLS.CAFile,
			UseOSCerts:         cfg.TLS.UseOSCerts,
			KeystoreFile:       cfg.TLS.KeystoreFile,
			KeystorePassword:   cfg.TLS.KeystorePassword,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("upstream TLS: %w", err)
		}
		t.tlsConfig = tlsCfg
	}
	return t, nil
}

// BrokerURL is the paho server URL for the configured endpoint.
func (t *PahoTransport) BrokerURL() string {
	scheme := "tcp"
	if t.cfg.TLS.Enabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, t.cfg.Host, t.cfg.Port)
}

func (t *PahoTransport) options(cred credential.Credential, handler MessageHandler, onLost func(error)) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.BrokerURL())
	opts.SetClientID(t.cfg.ClientID)
	opts.SetUsername(t.cfg.Username)
	opts.SetPassword(cred.Token)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(t.cfg.KeepAlive)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	// The link owns reconnects.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if t.tlsConfig != nil {
		opts.SetTLSConfig(t.tlsConfig)
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		if handler == nil {
			return
		}
		handler(types.Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			QoS:       types.QoSFromByte(m.Qos()),
			Retain:    m.Retained(),
			Duplicate: m.Duplicate(),
		})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Warn().Err(err).Msg("MQTT connection lost")
		if onLost != nil {
			onLost(err)
		}
	})
	return opts
}

// Connect opens a new session authenticated with cred.
func (t *PahoTransport) Connect(ctx context.Context, cred credential.Credential, handler MessageHandler, onLost func(error)) error {
	client := t.newClient(t.options(cred, handler, onLost))

	t.logger.Info().Str("broker", t.BrokerURL()).Str("client_id", t.cfg.ClientID).
		Bool("tls", t.tlsConfig != nil).Msg("Connecting to upstream MQTT broker")
	if err := waitToken(ctx, client.Connect(), t.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.BrokerURL(), err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return nil
}

func (t *PahoTransport) current() (mqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// Publish sends one message. Unspecified QoS goes out as at-least-once.
func (t *PahoTransport) Publish(ctx context.Context, msg types.Message) error {
	client, err := t.current()
	if err != nil {
		return err
	}
	err = waitToken(ctx, client.Publish(msg.Topic, msg.QoS.Effective(), msg.Retain, msg.Payload), 0)
	return sessionError(client, err)
}

// Subscribe forwards one filter; inbound messages reach the session's handler.
func (t *PahoTransport) Subscribe(ctx context.Context, filter types.TopicFilter) (bool, error) {
	client, err := t.current()
	if err != nil {
		return false, err
	}
	tok := client.Subscribe(filter.Topic, filter.QoS.Effective(), nil)
	if err := waitToken(ctx, tok, 0); err != nil {
		return false, sessionError(client, err)
	}
	return granted(tok), nil
}

// sessionError marks a failed operation as a connectivity failure when the
// session dropped underneath it. Paho completes in-flight tokens with a plain
// error once the connection is lost.
func sessionError(client mqtt.Client, err error) error {
	if err == nil || errors.Is(err, ErrNotConnected) || client.IsConnectionOpen() {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNotConnected, err)
}

// granted reports whether the SUBACK carried at least one success code.
func granted(tok mqtt.Token) bool {
	st, ok := tok.(*mqtt.SubscribeToken)
	if !ok {
		return true
	}
	res := st.Result()
	if len(res) == 0 {
		return false
	}
	for _, code := range res {
		if code < subackFailure {
			return true
		}
	}
	return false
}

// Disconnect closes the current session, if any.
func (t *PahoTransport) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		t.logger.Info().Msg("Disconnecting from upstream MQTT broker")
		client.Disconnect(disconnectQuiesce)
	}
}

// waitToken waits for tok, ctx or the optional timeout, whichever is first.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			if errors.Is(err, mqtt.ErrNotConnected) {
				return fmt.Errorf("%w: %w", ErrNotConnected, err)
			}
			return err
		}
		return nil
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
