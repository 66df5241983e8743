package broker

import (
	"context"
	"sync"
	"testing"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediary/pkg/types"
)

type fakeHandler struct {
	mu           sync.Mutex
	password     string
	allowSub     map[string]bool
	allowPub     bool
	published    []types.Message
	connected    []string
	disconnected []string
}

func (f *fakeHandler) ValidateConnection(_, _, password string) bool {
	return password == f.password
}

func (f *fakeHandler) OnSubscribe(_ context.Context, _ string, filter types.TopicFilter) bool {
	return f.allowSub[filter.Topic]
}

func (f *fakeHandler) OnPublish(_ context.Context, _ string, msg types.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return f.allowPub
}

func (f *fakeHandler) OnClientConnected(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, id)
}

func (f *fakeHandler) OnClientDisconnected(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, id)
}

func newTestHook(h Handler) *bridgeHook {
	return newBridgeHook(h, context.Background, zerolog.Nop())
}

func TestHook_Authenticate(t *testing.T) {
	hook := newTestHook(&fakeHandler{password: "s3cret"})
	cl := &mqtt.Client{ID: "dev-1"}

	ok := hook.OnConnectAuthenticate(cl, packets.Packet{Connect: packets.ConnectParams{Username: []byte("u"), Password: []byte("s3cret")}})
	assert.True(t, ok)
	ok = hook.OnConnectAuthenticate(cl, packets.Packet{Connect: packets.ConnectParams{Username: []byte("u"), Password: []byte("nope")}})
	assert.False(t, ok)
}

func TestHook_SubscribeDecisionsDriveReadACL(t *testing.T) {
	h := &fakeHandler{allowSub: map[string]bool{"/devices/dev-1/config": true}}
	hook := newTestHook(h)
	cl := &mqtt.Client{ID: "dev-1"}

	hook.OnSubscribe(cl, packets.Packet{Filters: packets.Subscriptions{
		{Filter: "/devices/dev-1/config", Qos: 1},
		{Filter: "/devices/dev-2/config", Qos: 1},
	}})
	assert.True(t, hook.OnACLCheck(cl, "/devices/dev-1/config", false))
	assert.False(t, hook.OnACLCheck(cl, "/devices/dev-2/config", false))
	assert.True(t, hook.OnACLCheck(cl, "/devices/dev-2/config", true), "writes are authorized in OnPublish")

	other := &mqtt.Client{ID: "dev-2"}
	assert.True(t, hook.OnACLCheck(other, "/devices/dev-2/config", false), "decisions are per client")

	hook.OnDisconnect(cl, nil, false)
	assert.True(t, hook.OnACLCheck(cl, "/devices/dev-2/config", false), "decisions are cleared on disconnect")
	assert.Equal(t, []string{"dev-1"}, h.disconnected)
}

func TestHook_Publish(t *testing.T) {
	h := &fakeHandler{allowPub: true}
	hook := newTestHook(h)
	cl := &mqtt.Client{ID: "dev-1"}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1, Retain: true},
		TopicName:   "/devices/dev-1/events",
		Payload:     []byte("21.5"),
		Properties:  packets.Properties{ContentType: "text/plain"},
	}
	_, err := hook.OnPublish(cl, pk)
	require.NoError(t, err)
	require.Len(t, h.published, 1)
	assert.Equal(t, types.Message{
		Topic: "/devices/dev-1/events", Payload: []byte("21.5"), QoS: types.AtLeastOnce,
		Retain: true, ContentType: "text/plain",
	}, h.published[0])

	h.allowPub = false
	_, err = hook.OnPublish(cl, pk)
	assert.ErrorIs(t, err, packets.ErrRejectPacket)
}

func TestHook_InlineClientBypassesHandler(t *testing.T) {
	h := &fakeHandler{}
	hook := newTestHook(h)
	inline := &mqtt.Client{ID: "inline"}
	inline.Net.Inline = true

	_, err := hook.OnPublish(inline, packets.Packet{TopicName: "/devices/airport/commands/x"})
	require.NoError(t, err)
	hook.OnSessionEstablished(inline, packets.Packet{})
	hook.OnDisconnect(inline, nil, false)

	assert.Empty(t, h.published)
	assert.Empty(t, h.connected)
	assert.Empty(t, h.disconnected)
}
