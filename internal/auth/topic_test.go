package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"mediary/pkg/types"
)

type fakeSubscriber struct {
	granted bool
	err     error
	calls   []types.TopicFilter
}

func (f *fakeSubscriber) Subscribe(_ context.Context, filter types.TopicFilter) (bool, error) {
	f.calls = append(f.calls, filter)
	return f.granted, f.err
}

func TestAuthorizePublish(t *testing.T) {
	tests := []struct {
		name   string
		source string
		topic  string
		want   Decision
	}{
		{name: "matching client segment", source: "dev-1", topic: "a/b/dev-1/temp", want: Allow()},
		{name: "leading slash convention", source: "dev-1", topic: "/devices/dev-1/events", want: Allow()},
		{name: "exactly three segments", source: "dev-1", topic: "a/b/dev-1", want: Allow()},
		{name: "mismatched client", source: "dev-1", topic: "a/b/dev-2/temp", want: Deny(TopicClientMismatch)},
		{name: "empty client segment", source: "dev-1", topic: "a/b//temp", want: Deny(TopicClientMismatch)},
		{name: "prefix is not a match", source: "dev-1", topic: "a/b/dev-10/temp", want: Deny(TopicClientMismatch)},
		{name: "one segment", source: "dev-1", topic: "dev-1", want: Deny(MalformedTopic)},
		{name: "two segments", source: "dev-1", topic: "a/dev-1", want: Deny(MalformedTopic)},
		{name: "empty topic", source: "dev-1", topic: "", want: Deny(MalformedTopic)},
		{name: "upstream origin short topic", source: "", topic: "x", want: Allow()},
		{name: "upstream origin any client", source: "", topic: "/devices/dev-9/commands/reboot", want: Allow()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AuthorizePublish(tt.source, tt.topic))
		})
	}
}

func TestAuthorizePublish_ShortTopicsAlwaysMalformed(t *testing.T) {
	for _, topic := range []string{"", "a", "a/b", "/", "dev-1/dev-1"} {
		assert.Equal(t, Deny(MalformedTopic), AuthorizePublish("dev-1", topic), topic)
	}
}

func TestAuthorizeSubscribe(t *testing.T) {
	filter := types.TopicFilter{Topic: "/devices/dev-1/commands/#", QoS: types.AtLeastOnce}

	t.Run("granted", func(t *testing.T) {
		sub := &fakeSubscriber{granted: true}
		a := NewAuthorizer(sub, zerolog.Nop())
		assert.Equal(t, Allow(), a.AuthorizeSubscribe(context.Background(), "dev-1", filter))
		assert.Equal(t, []types.TopicFilter{filter}, sub.calls)
	})

	t.Run("not granted", func(t *testing.T) {
		a := NewAuthorizer(&fakeSubscriber{}, zerolog.Nop())
		assert.Equal(t, Deny(NotGranted), a.AuthorizeSubscribe(context.Background(), "dev-1", filter))
	})

	t.Run("upstream failure", func(t *testing.T) {
		a := NewAuthorizer(&fakeSubscriber{err: errors.New("not connected")}, zerolog.Nop())
		assert.Equal(t, Deny(UpstreamError), a.AuthorizeSubscribe(context.Background(), "dev-1", filter))
	})
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "Allow", Allow().String())
	assert.Equal(t, "Deny(MalformedTopic)", Deny(MalformedTopic).String())
}
