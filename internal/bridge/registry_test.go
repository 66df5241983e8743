package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mediary/pkg/types"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := types.TopicFilter{Topic: "/devices/c1/commands/#", QoS: types.AtLeastOnce}
	b := types.TopicFilter{Topic: "/devices/c1/config", QoS: types.AtMostOnce}

	_, ok := r.Get("c1")
	assert.False(t, ok)

	r.Set("c1", a)
	r.Set("c1", b)
	got, ok := r.Get("c1")
	assert.True(t, ok)
	assert.Equal(t, b, got)
	assert.Equal(t, 1, r.Len())

	snap := r.Snapshot()
	r.Remove("c1")
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, b, snap["c1"], "snapshot is independent of later changes")

	r.Remove("c1")
}

func TestTopicTemplates(t *testing.T) {
	assert.Equal(t, "/devices/c1/attach", ClientTopic(DefaultAttachTopic, "c1"))
	assert.Equal(t, "/devices/c1/detach", ClientTopic(DefaultDetachTopic, "c1"))
	assert.Equal(t, "/devices/gw/commands/#", DeviceTopic(DefaultCommandTopic, "gw"))
	assert.Equal(t, "/devices/gw/config", DeviceTopic(DefaultConfigTopic, "gw"))
	assert.Equal(t, "static/topic", ClientTopic("static/topic", "c1"))
}
