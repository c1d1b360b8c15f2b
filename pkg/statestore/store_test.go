package statestore

import (
	"testing"

	"gotest.tools/assert"
)

func TestMemory(t *testing.T) {
	m := NewMemory()
	_, ok := m.Get(KeyBrokerHostname)
	assert.Check(t, !ok)

	m.Set(KeyBrokerHostname, "broker.example.com")
	v, ok := m.Get(KeyBrokerHostname)
	assert.Check(t, ok)
	assert.Equal(t, v, "broker.example.com")

	m.Delete(KeyBrokerHostname)
	_, ok = m.Get(KeyBrokerHostname)
	assert.Check(t, !ok)
}

func TestTopicSubscribed(t *testing.T) {
	m := NewMemory()
	assert.Check(t, !IsTopicSubscribed(m, "adu/oto/dev/s", false))

	SetTopicSubscribed(m, "adu/oto/dev/s", false, true)
	assert.Check(t, IsTopicSubscribed(m, "adu/oto/dev/s", false))
	assert.Check(t, !IsTopicSubscribed(m, "adu/oto/dev/s", true), "scoped status is kept apart")

	assert.DeepEqual(t, m.Snapshot(), map[string]string{
		"topics/global/adu/oto/dev/s/subscribed": "true",
	})
}
