// Package statestore holds runtime state shared between agent components, such
// as the broker hostname resolved by provisioning and the subscription status
// of the agent's topics.
package statestore

import (
	"strconv"
	"strings"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// KeyBrokerHostname is the MQTT broker hostname resolved by remote
	// provisioning.
	KeyBrokerHostname = "mqtt/brokerHostname"
	// KeyDeviceID is the identity the device provisioned under.
	KeyDeviceID = "device/id"

	topicPrefix     = "topics"
	scopedSegment   = "scoped"
	globalSegment   = "global"
	subscribedField = "subscribed"
)

// Store is a key-value collaborator.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// TopicSubscribedKey is the key recording whether topic has been acknowledged
// by the broker.
func TopicSubscribedKey(topic string, isScoped bool) string {
	scope := globalSegment
	if isScoped {
		scope = scopedSegment
	}
	return strings.Join([]string{topicPrefix, scope, topic, subscribedField}, "/")
}

// SetTopicSubscribed records the subscribed status of topic.
func SetTopicSubscribed(s Store, topic string, isScoped bool, subscribed bool) {
	s.Set(TopicSubscribedKey(topic, isScoped), strconv.FormatBool(subscribed))
}

// IsTopicSubscribed reports the recorded subscribed status of topic.
func IsTopicSubscribed(s Store, topic string, isScoped bool) bool {
	v, ok := s.Get(TopicSubscribedKey(topic, isScoped))
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// Memory is an in-process Store. Entries never expire.
type Memory struct {
	cache *gocache.Cache
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{cache: gocache.New(gocache.NoExpiration, 0)}
}

// Get returns the value stored under key.
func (m *Memory) Get(key string) (string, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores value under key.
func (m *Memory) Set(key, value string) {
	m.cache.Set(key, value, gocache.NoExpiration)
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.cache.Delete(key)
}

// Snapshot copies every entry, for diagnostics.
func (m *Memory) Snapshot() map[string]string {
	items := m.cache.Items()
	out := make(map[string]string, len(items))
	for k, item := range items {
		if s, ok := item.Object.(string); ok {
			out[k] = s
		}
	}
	return out
}
