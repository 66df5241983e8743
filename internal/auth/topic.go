package auth

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"mediary/pkg/types"
)

// clientSegment is the topic segment index that must carry the client id.
const clientSegment = 2

// Reason explains a Deny decision.
type Reason string

const (
	ReasonNone          Reason = ""
	TopicClientMismatch Reason = "TopicClientMismatch"
	MalformedTopic      Reason = "MalformedTopic"
	NotGranted          Reason = "NotGranted"
	UpstreamError       Reason = "UpstreamError"
	BadCredentials      Reason = "BadCredentials"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a negative decision.
func Deny(reason Reason) Decision { return Decision{Reason: reason} }

func (d Decision) String() string {
	if d.Allowed {
		return "Allow"
	}
	return "Deny(" + string(d.Reason) + ")"
}

// Subscriber forwards a subscription upstream and reports whether at least
// one item was granted.
type Subscriber interface {
	Subscribe(ctx context.Context, filter types.TopicFilter) (bool, error)
}

// Authorizer applies the topic convention to publishes and the upstream
// capability check to subscriptions.
type Authorizer struct {
	upstream Subscriber
	logger   zerolog.Logger
}

// NewAuthorizer creates an Authorizer that checks subscriptions against upstream.
func NewAuthorizer(upstream Subscriber, logger zerolog.Logger) *Authorizer {
	return &Authorizer{
		upstream: upstream,
		logger:   logger.With().Str("component", "Authorizer").Logger(),
	}
}

// AuthorizePublish decides a publish. An empty sourceClientID means the message
// came from the upstream link.
func AuthorizePublish(sourceClientID, topic string) Decision {
	if sourceClientID == "" {
		return Allow()
	}

	segments := strings.Split(topic, "/")
	if len(segments) <= clientSegment {
		return Deny(MalformedTopic)
	}
	if segments[clientSegment] == "" || segments[clientSegment] != sourceClientID {
		return Deny(TopicClientMismatch)
	}
	return Allow()
}

// AuthorizePublish is the method form of the package-level check.
func (a *Authorizer) AuthorizePublish(sourceClientID, topic string) Decision {
	return AuthorizePublish(sourceClientID, topic)
}

// AuthorizeSubscribe forwards the filter upstream. The subscription is allowed
// only if the upstream acknowledges at least one granted item. Upstream errors
// deny the subscription; they never affect the local connection.
func (a *Authorizer) AuthorizeSubscribe(ctx context.Context, clientID string, filter types.TopicFilter) Decision {
	granted, err := a.upstream.Subscribe(ctx, filter)
	if err != nil {
		a.logger.Warn().Err(err).Str("client_id", clientID).Str("topic", filter.Topic).Msg("Upstream subscribe failed.")
		return Deny(UpstreamError)
	}
	if !granted {
		return Deny(NotGranted)
	}
	return Allow()
}
