package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediary/internal/audit"
	"mediary/internal/auth"
	"mediary/internal/credential"
	"mediary/internal/metrics"
	"mediary/internal/store"
	"mediary/internal/upstream"
	"mediary/pkg/types"
)

type call struct {
	kind  string
	topic string
}

// fakeUpstream records publishes and subscribes in order.
type fakeUpstream struct {
	mu         sync.Mutex
	calls      []call
	published  []types.Message
	publishErr func(types.Message) error
	grant      bool
	subErr     error
	connected  bool
	inFlight   int
	maxFlight  int
	pubDelay   time.Duration
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{grant: true, connected: true}
}

func (f *fakeUpstream) Publish(_ context.Context, msg types.Message) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	delay := f.pubDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.calls = append(f.calls, call{kind: "publish", topic: msg.Topic})
	if f.publishErr != nil {
		if err := f.publishErr(msg); err != nil {
			return err
		}
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeUpstream) Subscribe(_ context.Context, filter types.TopicFilter) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "subscribe", topic: filter.Topic})
	return f.grant, f.subErr
}

func (f *fakeUpstream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) setPublishErr(fn func(types.Message) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = fn
}

func (f *fakeUpstream) snapshot() ([]call, []types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...), append([]types.Message(nil), f.published...)
}

func (f *fakeUpstream) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.published = nil
}

type fakeBroker struct {
	mu          sync.Mutex
	clients     []string
	distributed []types.Message
	err         error
}

func (b *fakeBroker) ConnectedClients() []string { return b.clients }

func (b *fakeBroker) Distribute(msg types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.distributed = append(b.distributed, msg)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type failingStore struct {
	store.Store
}

func (failingStore) Insert(context.Context, types.Message) (int64, error) {
	return 0, errors.New("disk full")
}

type fixture struct {
	engine   *Engine
	upstream *fakeUpstream
	broker   *fakeBroker
	store    *store.MemoryStore
	audit    *recordingSink
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ids, err := auth.NewIdentities([]types.Identity{
		{ClientID: "c1", Username: "u1", Password: "p1"},
		{ClientID: "c2", Username: "u2", Password: "p2"},
	}, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		upstream: newFakeUpstream(),
		broker:   &fakeBroker{},
		store:    store.NewMemoryStore(),
		audit:    &recordingSink{},
		metrics:  metrics.New(),
	}
	f.engine, err = NewEngine(cfg, Deps{
		Identities: ids,
		Upstream:   f.upstream,
		Store:      f.store,
		Audit:      f.audit,
		Metrics:    f.metrics,
	}, zerolog.Nop())
	require.NoError(t, err)
	f.engine.SetLocalBroker(f.broker)
	return f
}

func (f *fixture) queued(t *testing.T) []types.QueuedMessage {
	t.Helper()
	list, err := f.store.List(context.Background())
	require.NoError(t, err)
	return list
}

func TestNewEngine_RequiresDeps(t *testing.T) {
	_, err := NewEngine(Config{}, Deps{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestEngine_ValidateConnection(t *testing.T) {
	f := newFixture(t, Config{})

	assert.True(t, f.engine.ValidateConnection("c1", "u1", "p1"))
	assert.False(t, f.engine.ValidateConnection("c1", "u1", "wrong"))
	assert.False(t, f.engine.ValidateConnection("c1", "u2", "p1"))
	assert.False(t, f.engine.ValidateConnection("unknown", "u1", "p1"))

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.AuthFailures))
	assert.Equal(t, []string{audit.KindAuthFailed, audit.KindAuthFailed, audit.KindAuthFailed}, f.audit.kinds())
}

func TestEngine_PublishForwarded(t *testing.T) {
	f := newFixture(t, Config{})
	msg := types.Message{Topic: "/devices/c1/events", Payload: []byte("21.5"), QoS: types.AtLeastOnce}

	assert.True(t, f.engine.OnPublish(context.Background(), "c1", msg))

	_, published := f.upstream.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, msg, published[0])
	assert.Empty(t, f.queued(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesTotal.WithLabelValues(metrics.ResultForwarded)))
}

func TestEngine_PublishTopicMismatch(t *testing.T) {
	f := newFixture(t, Config{})

	assert.False(t, f.engine.OnPublish(context.Background(), "c1", types.Message{Topic: "/devices/c2/events"}))
	assert.False(t, f.engine.OnPublish(context.Background(), "c1", types.Message{Topic: "c1"}))

	calls, _ := f.upstream.snapshot()
	assert.Empty(t, calls)
	assert.Empty(t, f.queued(t))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MessagesTotal.WithLabelValues(metrics.ResultRejected)))
	assert.Equal(t, []string{audit.KindPublishRejected, audit.KindPublishRejected}, f.audit.kinds())
}

func TestEngine_PublishFromUpstreamNotForwarded(t *testing.T) {
	f := newFixture(t, Config{})

	assert.True(t, f.engine.OnPublish(context.Background(), "", types.Message{Topic: "anything/at/all"}))

	calls, _ := f.upstream.snapshot()
	assert.Empty(t, calls)
}

func TestEngine_PublishQueuedOnConnectivityFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.upstream.setPublishErr(func(types.Message) error { return upstream.ErrNotConnected })
	msg := types.Message{Topic: "/devices/c1/events", Payload: []byte{0x01, 0x02}, QoS: types.ExactlyOnce, Retain: true}

	assert.True(t, f.engine.OnPublish(context.Background(), "c1", msg))

	queued := f.queued(t)
	require.Len(t, queued, 1)
	assert.Equal(t, msg, queued[0].Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesTotal.WithLabelValues(metrics.ResultQueued)))
	assert.Equal(t, []string{audit.KindMessageQueued}, f.audit.kinds())
}

// stalledTransport is an upstream session that never acknowledges publishes.
type stalledTransport struct{}

func (stalledTransport) Connect(context.Context, credential.Credential, upstream.MessageHandler, func(error)) error {
	return nil
}

func (stalledTransport) Publish(ctx context.Context, _ types.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledTransport) Subscribe(context.Context, types.TopicFilter) (bool, error) { return true, nil }
func (stalledTransport) Disconnect()                                                {}

type staticIssuer struct{}

func (staticIssuer) Issue() (credential.Credential, error) {
	now := time.Now()
	return credential.Credential{Token: "t", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, nil
}

func TestEngine_PublishQueuedWhenShutdownAbandonsIt(t *testing.T) {
	ids, err := auth.NewIdentities([]types.Identity{{ClientID: "c1", Username: "u1", Password: "p1"}}, zerolog.Nop())
	require.NoError(t, err)
	st := store.NewMemoryStore()
	link := upstream.NewLink(stalledTransport{}, staticIssuer{}, upstream.Config{OperationTimeout: time.Minute}, nil, zerolog.Nop())
	e, err := NewEngine(Config{DeviceID: "gw"}, Deps{Identities: ids, Upstream: link, Store: st}, zerolog.Nop())
	require.NoError(t, err)

	runCtx, stopRun := context.WithCancel(context.Background())
	t.Cleanup(stopRun)
	go func() { _ = link.Run(runCtx, e) }()
	require.Eventually(t, link.Connected, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	msg := types.Message{Topic: "/devices/c1/events", Payload: []byte("21.5"), QoS: types.AtLeastOnce}
	assert.True(t, e.OnPublish(ctx, "c1", msg))

	queued, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, msg, queued[0].Message)
}

func TestEngine_PublishRefusedIsDropped(t *testing.T) {
	f := newFixture(t, Config{})
	f.upstream.setPublishErr(func(types.Message) error { return errors.New("not authorized") })

	assert.True(t, f.engine.OnPublish(context.Background(), "c1", types.Message{Topic: "/devices/c1/events"}))

	assert.Empty(t, f.queued(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesTotal.WithLabelValues(metrics.ResultDropped)))
	assert.Equal(t, []string{audit.KindMessageDropped}, f.audit.kinds())
}

func TestEngine_PublishStoreFailureIsDropped(t *testing.T) {
	ids, err := auth.NewIdentities([]types.Identity{{ClientID: "c1", Username: "u1", Password: "p1"}}, zerolog.Nop())
	require.NoError(t, err)
	up := newFakeUpstream()
	up.setPublishErr(func(types.Message) error { return upstream.ErrNotConnected })
	sink := &recordingSink{}
	m := metrics.New()
	e, err := NewEngine(Config{}, Deps{Identities: ids, Upstream: up, Store: failingStore{}, Audit: sink, Metrics: m}, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, e.OnPublish(context.Background(), "c1", types.Message{Topic: "/devices/c1/events"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues(metrics.ResultDropped)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, []string{audit.KindMessageDropped}, sink.kinds())
}

func TestEngine_SubscribeGranted(t *testing.T) {
	f := newFixture(t, Config{})
	filter := types.TopicFilter{Topic: "/devices/c1/commands/#", QoS: types.AtLeastOnce}

	assert.True(t, f.engine.OnSubscribe(context.Background(), "c1", filter))

	got, ok := f.engine.Registry().Get("c1")
	require.True(t, ok)
	assert.Equal(t, filter, got)
	calls, _ := f.upstream.snapshot()
	assert.Equal(t, []call{{kind: "subscribe", topic: filter.Topic}}, calls)
}

func TestEngine_SubscribeReplacesPrevious(t *testing.T) {
	f := newFixture(t, Config{})
	first := types.TopicFilter{Topic: "/devices/c1/commands/#", QoS: types.AtMostOnce}
	second := types.TopicFilter{Topic: "/devices/c1/config", QoS: types.AtLeastOnce}

	require.True(t, f.engine.OnSubscribe(context.Background(), "c1", first))
	require.True(t, f.engine.OnSubscribe(context.Background(), "c1", second))

	got, _ := f.engine.Registry().Get("c1")
	assert.Equal(t, second, got)
	assert.Equal(t, 1, f.engine.Registry().Len())
}

func TestEngine_SubscribeDenied(t *testing.T) {
	tests := []struct {
		name  string
		grant bool
		err   error
	}{
		{name: "not granted", grant: false},
		{name: "upstream error", grant: true, err: upstream.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.upstream.grant = tt.grant
			f.upstream.subErr = tt.err

			assert.False(t, f.engine.OnSubscribe(context.Background(), "c1", types.TopicFilter{Topic: "/devices/c1/commands/#"}))

			assert.Equal(t, 0, f.engine.Registry().Len())
			assert.Equal(t, []string{audit.KindSubscribeRejected}, f.audit.kinds())
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SubscribesTotal.WithLabelValues("rejected")))
		})
	}
}

func TestEngine_ClientPresence(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.engine.OnClientConnected(ctx, "c1")
	require.True(t, f.engine.OnSubscribe(ctx, "c1", types.TopicFilter{Topic: "/devices/c1/commands/#"}))
	f.engine.OnClientDisconnected(ctx, "c1")

	calls, published := f.upstream.snapshot()
	assert.Equal(t, []call{
		{kind: "publish", topic: "/devices/c1/attach"},
		{kind: "subscribe", topic: "/devices/c1/commands/#"},
		{kind: "publish", topic: "/devices/c1/detach"},
	}, calls)
	for _, msg := range published {
		assert.Empty(t, msg.Payload)
		assert.Equal(t, types.AtLeastOnce, msg.QoS)
	}

	_, ok := f.engine.Registry().Get("c1")
	assert.False(t, ok)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ConnectedClients))
}

func TestEngine_PresenceFailureNotQueued(t *testing.T) {
	f := newFixture(t, Config{})
	f.upstream.setPublishErr(func(types.Message) error { return upstream.ErrNotConnected })

	f.engine.OnClientConnected(context.Background(), "c1")

	assert.Empty(t, f.queued(t))
}

func TestEngine_CustomPresenceTopics(t *testing.T) {
	f := newFixture(t, Config{AttachTopic: "presence/{client_id}/up", DetachTopic: "presence/{client_id}/down"})

	f.engine.OnClientConnected(context.Background(), "c2")
	f.engine.OnClientDisconnected(context.Background(), "c2")

	_, published := f.upstream.snapshot()
	require.Len(t, published, 2)
	assert.Equal(t, "presence/c2/up", published[0].Topic)
	assert.Equal(t, "presence/c2/down", published[1].Topic)
}

func TestEngine_OnUpstreamMessage(t *testing.T) {
	f := newFixture(t, Config{})
	msg := types.Message{Topic: "/devices/bridge/commands/reboot", Payload: []byte("now"), QoS: types.AtMostOnce}

	f.engine.OnUpstreamMessage(msg)

	require.Len(t, f.broker.distributed, 1)
	assert.Equal(t, msg, f.broker.distributed[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesTotal.WithLabelValues(metrics.ResultRedistributed)))

	f.broker.err = errors.New("closed")
	f.engine.OnUpstreamMessage(msg)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesTotal.WithLabelValues(metrics.ResultRedistributed)))
}

func TestEngine_OnUpstreamMessageWithoutBroker(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.SetLocalBroker(nil)

	assert.NotPanics(t, func() { f.engine.OnUpstreamMessage(types.Message{Topic: "x"}) })
}

func TestEngine_OnLinkUpSequence(t *testing.T) {
	f := newFixture(t, Config{DeviceID: "bridge", SubscribeConfig: true})
	ctx := context.Background()

	f.broker.clients = []string{"c1", "c2"}
	require.True(t, f.engine.OnSubscribe(ctx, "c1", types.TopicFilter{Topic: "/devices/c1/commands/#"}))
	_, err := f.store.Insert(ctx, types.Message{Topic: "/devices/c1/events", Payload: []byte("queued")})
	require.NoError(t, err)
	f.upstream.reset()

	f.engine.OnLinkUp(ctx)

	calls, _ := f.upstream.snapshot()
	assert.Equal(t, []call{
		{kind: "publish", topic: "/devices/c1/attach"},
		{kind: "publish", topic: "/devices/c2/attach"},
		{kind: "subscribe", topic: "/devices/c1/commands/#"},
		{kind: "publish", topic: "/devices/c1/events"},
		{kind: "subscribe", topic: "/devices/bridge/commands/#"},
		{kind: "subscribe", topic: "/devices/bridge/config"},
	}, calls)
	assert.Empty(t, f.queued(t))
	assert.Contains(t, f.audit.kinds(), audit.KindLinkUp)
}

func TestEngine_OnLinkUpWithoutConfigSubscription(t *testing.T) {
	f := newFixture(t, Config{DeviceID: "bridge"})

	f.engine.OnLinkUp(context.Background())

	calls, _ := f.upstream.snapshot()
	assert.Equal(t, []call{{kind: "subscribe", topic: "/devices/bridge/commands/#"}}, calls)
}

func TestEngine_DisconnectedClientNotResubscribed(t *testing.T) {
	f := newFixture(t, Config{DeviceID: "bridge"})
	ctx := context.Background()

	require.True(t, f.engine.OnSubscribe(ctx, "c1", types.TopicFilter{Topic: "/devices/c1/commands/#"}))
	require.True(t, f.engine.OnSubscribe(ctx, "c2", types.TopicFilter{Topic: "/devices/c2/commands/#"}))
	f.engine.OnClientDisconnected(ctx, "c1")
	f.upstream.reset()

	f.engine.OnLinkUp(ctx)

	calls, _ := f.upstream.snapshot()
	assert.NotContains(t, calls, call{kind: "subscribe", topic: "/devices/c1/commands/#"})
	assert.Contains(t, calls, call{kind: "subscribe", topic: "/devices/c2/commands/#"})
}

func TestEngine_OnLinkDown(t *testing.T) {
	f := newFixture(t, Config{})

	f.engine.OnLinkDown(errors.New("connection reset"))
	f.engine.OnLinkDown(nil)

	assert.Equal(t, []string{audit.KindLinkDown, audit.KindLinkDown}, f.audit.kinds())
}
