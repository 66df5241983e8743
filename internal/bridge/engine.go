// Package bridge connects the local broker to the upstream link: it
// authorizes local traffic, forwards it upstream, queues what cannot be
// delivered and replays the queue once the link is back.
package bridge

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"mediary/internal/audit"
	"mediary/internal/auth"
	"mediary/internal/metrics"
	"mediary/internal/store"
	"mediary/internal/upstream"
	"mediary/pkg/types"
)

// Upstream is the engine's view of the upstream link.
type Upstream interface {
	Publish(ctx context.Context, msg types.Message) error
	Subscribe(ctx context.Context, filter types.TopicFilter) (bool, error)
	Connected() bool
}

// LocalBroker is the engine's view of the embedded broker.
type LocalBroker interface {
	ConnectedClients() []string
	Distribute(msg types.Message) error
}

// Config holds the topic layout used by the engine.
type Config struct {
	// DeviceID is the bridge's own upstream device id.
	DeviceID        string
	CommandTopic    string
	ConfigTopic     string
	SubscribeConfig bool
	AttachTopic     string
	DetachTopic     string
}

func (c Config) withDefaults() Config {
	if c.CommandTopic == "" {
		c.CommandTopic = DefaultCommandTopic
	}
	if c.ConfigTopic == "" {
		c.ConfigTopic = DefaultConfigTopic
	}
	if c.AttachTopic == "" {
		c.AttachTopic = DefaultAttachTopic
	}
	if c.DetachTopic == "" {
		c.DetachTopic = DefaultDetachTopic
	}
	return c
}

// Deps are the collaborators an Engine drives. Audit and Metrics are optional.
type Deps struct {
	Identities *auth.Identities
	Upstream   Upstream
	Store      store.Store
	Audit      audit.Sink
	Metrics    *metrics.Metrics
}

// Engine implements the broker Handler and the upstream Observer.
type Engine struct {
	cfg        Config
	identities *auth.Identities
	authorizer *auth.Authorizer
	upstream   Upstream
	store      store.Store
	registry   *Registry
	audit      audit.Sink
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	brokerMu sync.RWMutex
	broker   LocalBroker

	// replayMu keeps replay sweeps from overlapping.
	replayMu sync.Mutex
}

// NewEngine wires an Engine. The local broker is attached later with
// SetLocalBroker since the broker itself needs the engine as its handler.
func NewEngine(cfg Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Identities == nil || deps.Upstream == nil || deps.Store == nil {
		return nil, errors.New("engine requires identities, upstream and store")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	logger = logger.With().Str("component", "BridgeEngine").Logger()
	return &Engine{
		cfg:        cfg.withDefaults(),
		identities: deps.Identities,
		authorizer: auth.NewAuthorizer(deps.Upstream, logger),
		upstream:   deps.Upstream,
		store:      deps.Store,
		registry:   NewRegistry(),
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		logger:     logger,
	}, nil
}

// SetLocalBroker attaches the broker used for attach replays and redistribution.
func (e *Engine) SetLocalBroker(b LocalBroker) {
	e.brokerMu.Lock()
	defer e.brokerMu.Unlock()
	e.broker = b
}

func (e *Engine) localBroker() LocalBroker {
	e.brokerMu.RLock()
	defer e.brokerMu.RUnlock()
	return e.broker
}

// Registry exposes the subscription registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// ValidateConnection accepts a local connect only for a configured identity
// with matching username and password.
func (e *Engine) ValidateConnection(clientID, username, password string) bool {
	d := e.identities.Verify(clientID, username, password)
	if d.Allowed {
		return true
	}
	e.logger.Warn().Str("client_id", clientID).Str("username", username).Stringer("decision", d).Msg("Rejected local connection.")
	e.metrics.AuthFailures.Inc()
	e.audit.Record(context.Background(), audit.Event{Kind: audit.KindAuthFailed, ClientID: clientID, Reason: string(d.Reason)})
	return false
}

// OnSubscribe forwards the filter upstream and records it when granted.
func (e *Engine) OnSubscribe(ctx context.Context, clientID string, filter types.TopicFilter) bool {
	d := e.authorizer.AuthorizeSubscribe(ctx, clientID, filter)
	if !d.Allowed {
		e.metrics.SubscribesTotal.WithLabelValues("rejected").Inc()
		e.audit.Record(ctx, audit.Event{Kind: audit.KindSubscribeRejected, ClientID: clientID, Topic: filter.Topic, Reason: string(d.Reason)})
		return false
	}
	e.registry.Set(clientID, filter)
	e.metrics.SubscribesTotal.WithLabelValues("granted").Inc()
	e.logger.Info().Str("client_id", clientID).Str("filter", filter.Topic).Stringer("qos", filter.QoS).Msg("Subscription granted upstream.")
	return true
}

// OnPublish authorizes a publish and, for local sources, forwards it upstream.
// Delivery failures never turn into a rejection.
func (e *Engine) OnPublish(ctx context.Context, clientID string, msg types.Message) bool {
	d := e.authorizer.AuthorizePublish(clientID, msg.Topic)
	if !d.Allowed {
		e.metrics.Message(metrics.ResultRejected)
		e.logger.Warn().Str("client_id", clientID).Str("topic", msg.Topic).Stringer("decision", d).Msg("Rejected local publish.")
		e.audit.Record(ctx, audit.Event{Kind: audit.KindPublishRejected, ClientID: clientID, Topic: msg.Topic, Reason: string(d.Reason)})
		return false
	}
	if clientID == "" {
		return true
	}
	e.forward(ctx, msg)
	return true
}

func (e *Engine) forward(ctx context.Context, msg types.Message) {
	err := e.upstream.Publish(ctx, msg)
	switch {
	case err == nil:
		e.metrics.Message(metrics.ResultForwarded)
	case upstream.IsConnectivity(err):
		e.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Upstream unreachable, queueing message.")
		e.enqueue(ctx, msg)
	default:
		e.metrics.Message(metrics.ResultDropped)
		e.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Upstream refused message.")
		e.audit.Record(ctx, audit.Event{Kind: audit.KindMessageDropped, Topic: msg.Topic, Detail: err.Error()})
	}
}

func (e *Engine) enqueue(ctx context.Context, msg types.Message) {
	// The message must be stored even when the triggering call was cancelled.
	id, err := e.store.Insert(context.WithoutCancel(ctx), msg)
	if err != nil {
		e.metrics.Message(metrics.ResultDropped)
		e.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to queue missed message; message dropped.")
		e.audit.Record(ctx, audit.Event{Kind: audit.KindMessageDropped, Topic: msg.Topic, Detail: err.Error()})
		return
	}
	e.metrics.Message(metrics.ResultQueued)
	e.metrics.QueueDepth.Inc()
	e.audit.Record(ctx, audit.Event{Kind: audit.KindMessageQueued, Topic: msg.Topic, Detail: strconv.FormatInt(id, 10)})
	e.logger.Debug().Int64("id", id).Str("topic", msg.Topic).Msg("Message queued for replay.")
}

// OnClientConnected announces the client upstream. Failure is only logged.
func (e *Engine) OnClientConnected(ctx context.Context, clientID string) {
	e.metrics.ConnectedClients.Inc()
	e.audit.Record(ctx, audit.Event{Kind: audit.KindClientConnected, ClientID: clientID})
	e.logger.Info().Str("client_id", clientID).Msg("Local client connected.")
	e.notify(ctx, e.cfg.AttachTopic, clientID)
}

// OnClientDisconnected forgets the client's subscription and announces the
// detach upstream.
func (e *Engine) OnClientDisconnected(ctx context.Context, clientID string) {
	e.registry.Remove(clientID)
	e.metrics.ConnectedClients.Dec()
	e.audit.Record(ctx, audit.Event{Kind: audit.KindClientDisconnected, ClientID: clientID})
	e.logger.Info().Str("client_id", clientID).Msg("Local client disconnected.")
	e.notify(ctx, e.cfg.DetachTopic, clientID)
}

// notify publishes an empty QoS 1 presence message for clientID.
func (e *Engine) notify(ctx context.Context, template, clientID string) {
	topic := ClientTopic(template, clientID)
	err := e.upstream.Publish(ctx, types.Message{Topic: topic, Payload: []byte{}, QoS: types.AtLeastOnce})
	if err != nil {
		e.logger.Warn().Err(err).Str("topic", topic).Msg("Presence notification not delivered.")
	}
}

// OnUpstreamMessage hands a message from upstream to local subscribers.
func (e *Engine) OnUpstreamMessage(msg types.Message) {
	b := e.localBroker()
	if b == nil {
		e.logger.Warn().Str("topic", msg.Topic).Msg("No local broker attached; upstream message discarded.")
		return
	}
	if err := b.Distribute(msg); err != nil {
		e.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to redistribute upstream message.")
		return
	}
	e.metrics.Message(metrics.ResultRedistributed)
}

// OnLinkUp runs the reconnect sequence: attach connected clients, restore
// registry subscriptions, drain the queue, subscribe to bridge commands.
func (e *Engine) OnLinkUp(ctx context.Context) {
	e.audit.Record(ctx, audit.Event{Kind: audit.KindLinkUp})

	if b := e.localBroker(); b != nil {
		for _, id := range b.ConnectedClients() {
			e.notify(ctx, e.cfg.AttachTopic, id)
		}
	}

	for clientID, filter := range e.registry.Snapshot() {
		granted, err := e.upstream.Subscribe(ctx, filter)
		switch {
		case err != nil:
			e.logger.Error().Err(err).Str("client_id", clientID).Str("filter", filter.Topic).Msg("Failed to restore subscription.")
		case !granted:
			e.logger.Warn().Str("client_id", clientID).Str("filter", filter.Topic).Msg("Restored subscription not granted.")
		}
	}

	res := e.Replay(ctx)
	if res.Attempted > 0 {
		e.logger.Info().Int("attempted", res.Attempted).Int("replayed", res.Replayed).Int("failed", res.Failed).Msg("Replayed missed messages.")
	}

	e.subscribeBridgeTopic(ctx, types.TopicFilter{Topic: DeviceTopic(e.cfg.CommandTopic, e.cfg.DeviceID), QoS: types.AtMostOnce})
	if e.cfg.SubscribeConfig {
		e.subscribeBridgeTopic(ctx, types.TopicFilter{Topic: DeviceTopic(e.cfg.ConfigTopic, e.cfg.DeviceID), QoS: types.AtLeastOnce})
	}
}

func (e *Engine) subscribeBridgeTopic(ctx context.Context, filter types.TopicFilter) {
	granted, err := e.upstream.Subscribe(ctx, filter)
	if err != nil {
		e.logger.Error().Err(err).Str("filter", filter.Topic).Msg("Failed to subscribe to bridge topic.")
		return
	}
	if !granted {
		e.logger.Warn().Str("filter", filter.Topic).Msg("Bridge topic subscription not granted.")
		return
	}
	e.logger.Info().Str("filter", filter.Topic).Msg("Subscribed to bridge topic.")
}

// OnLinkDown records the loss. The link itself schedules the reconnect.
func (e *Engine) OnLinkDown(err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	e.audit.Record(context.Background(), audit.Event{Kind: audit.KindLinkDown, Detail: detail})
	e.logger.Warn().Err(err).Int("subscriptions", e.registry.Len()).Msg("Upstream link down.")
}
