package types

import (
	"fmt"
	"time"
)

// QoS is an MQTT quality-of-service level.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2

	// QoSUnspecified is the single canonical "no level recorded" value. It is
	// persisted as NULL and replayed as AtLeastOnce.
	QoSUnspecified QoS = 0xFF
)

// Valid reports whether q is one of the three protocol levels.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// Effective returns the level to use on the wire.
func (q QoS) Effective() byte {
	if !q.Valid() {
		return byte(AtLeastOnce)
	}
	return byte(q)
}

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "AtMostOnce"
	case AtLeastOnce:
		return "AtLeastOnce"
	case ExactlyOnce:
		return "ExactlyOnce"
	case QoSUnspecified:
		return "Unspecified"
	default:
		return fmt.Sprintf("QoS(%d)", byte(q))
	}
}

// QoSFromByte converts a wire level, mapping anything out of range to QoSUnspecified.
func QoSFromByte(b byte) QoS {
	q := QoS(b)
	if !q.Valid() {
		return QoSUnspecified
	}
	return q
}

// Message is an application message crossing the bridge in either direction.
type Message struct {
	Topic       string `json:"topic"`
	Payload     []byte `json:"payload"`
	QoS         QoS    `json:"qos"`
	Retain      bool   `json:"retain"`
	Duplicate   bool   `json:"duplicate"`
	ContentType string `json:"content_type,omitempty"`
}

// QueuedMessage is a Message that could not be delivered upstream and is held
// by the missed-message store until a replay publish succeeds.
type QueuedMessage struct {
	ID       int64     `json:"id"`
	Message  Message   `json:"message"`
	QueuedAt time.Time `json:"queued_at"`
}

// TopicFilter is one client's subscription interest.
type TopicFilter struct {
	Topic string `json:"topic"`
	QoS   QoS    `json:"qos"`
}

// Identity is an authorized local device, loaded from configuration.
type Identity struct {
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}
