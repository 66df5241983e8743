package broker

import (
	"bytes"
	"context"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"

	"mediary/pkg/types"
)

// Handler receives the local broker's session and traffic events. Each call
// blocks the originating client until it returns.
type Handler interface {
	ValidateConnection(clientID, username, password string) bool
	OnSubscribe(ctx context.Context, clientID string, filter types.TopicFilter) bool
	OnPublish(ctx context.Context, clientID string, msg types.Message) bool
	OnClientConnected(ctx context.Context, clientID string)
	OnClientDisconnected(ctx context.Context, clientID string)
}

// bridgeHook adapts mochi hook callbacks to a Handler. Subscription decisions
// are taken in OnSubscribe and applied through the read ACL check that mochi
// runs for every filter right afterwards.
type bridgeHook struct {
	mqtt.HookBase
	handler Handler
	ctx     func() context.Context
	logger  zerolog.Logger

	mu     sync.Mutex
	denied map[string]map[string]struct{} // client id -> rejected filters
}

func newBridgeHook(h Handler, ctx func() context.Context, logger zerolog.Logger) *bridgeHook {
	return &bridgeHook{
		handler: h,
		ctx:     ctx,
		logger:  logger,
		denied:  make(map[string]map[string]struct{}),
	}
}

func (h *bridgeHook) ID() string {
	return "mediary-bridge"
}

func (h *bridgeHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnSubscribe,
		mqtt.OnPublish,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
	}, []byte{b})
}

func (h *bridgeHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return h.handler.ValidateConnection(cl.ID, string(pk.Connect.Username), string(pk.Connect.Password))
}

func (h *bridgeHook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	if cl.Net.Inline {
		return
	}
	h.handler.OnClientConnected(h.ctx(), cl.ID)
}

// OnDisconnect ignores sessions replaced by a reconnect with the same client
// id; the new session already announced itself and owns the registry entry.
func (h *bridgeHook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	if cl.Net.Inline || cl.IsTakenOver() {
		return
	}
	h.mu.Lock()
	delete(h.denied, cl.ID)
	h.mu.Unlock()

	if err != nil {
		h.logger.Debug().Err(err).Str("client_id", cl.ID).Msg("Client disconnected with error.")
	}
	h.handler.OnClientDisconnected(h.ctx(), cl.ID)
}

func (h *bridgeHook) OnSubscribe(cl *mqtt.Client, pk packets.Packet) packets.Packet {
	if cl.Net.Inline {
		return pk
	}
	for _, sub := range pk.Filters {
		ok := h.handler.OnSubscribe(h.ctx(), cl.ID, types.TopicFilter{
			Topic: sub.Filter,
			QoS:   types.QoSFromByte(sub.Qos),
		})
		h.mu.Lock()
		set := h.denied[cl.ID]
		if !ok {
			if set == nil {
				set = make(map[string]struct{})
				h.denied[cl.ID] = set
			}
			set[sub.Filter] = struct{}{}
		} else if set != nil {
			delete(set, sub.Filter)
		}
		h.mu.Unlock()
	}
	return pk
}

// OnACLCheck allows every write; publish authorization happens in OnPublish.
func (h *bridgeHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if write || cl.Net.Inline {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, rejected := h.denied[cl.ID][topic]
	return !rejected
}

func (h *bridgeHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	// Inline publishes are upstream traffic being redistributed.
	if cl.Net.Inline {
		return pk, nil
	}
	msg := types.Message{
		Topic:       pk.TopicName,
		Payload:     pk.Payload,
		QoS:         types.QoSFromByte(pk.FixedHeader.Qos),
		Retain:      pk.FixedHeader.Retain,
		Duplicate:   pk.FixedHeader.Dup,
		ContentType: pk.Properties.ContentType,
	}
	if !h.handler.OnPublish(h.ctx(), cl.ID, msg) {
		return pk, packets.ErrRejectPacket
	}
	return pk, nil
}
