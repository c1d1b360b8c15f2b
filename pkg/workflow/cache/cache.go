package cache

import (
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"

	"github.com/karlseguin/ccache"
)

const (
	cacheTimeout = time.Minute * 10
)

// Summary identifies an update action well enough to tell a redelivery from a
// new request.
type Summary struct {
	ID         string
	Action     workflow.Action
	RetryToken string
}

// SummaryOf summarizes the action n was parsed from.
func SummaryOf(n *workflow.Node) Summary {
	return Summary{
		ID:         n.ID(),
		Action:     n.Action(),
		RetryToken: n.RetryToken(),
	}
}

// LastCache provides access to the last update action received from a
// source.
type LastCache interface {
	Last(source string) (Summary, bool)
	Record(source string, n *workflow.Node)
}

type lastCache struct {
	cache *ccache.Cache
}

// NewLastCache creates a general cache suitable for storing and retrieving the
// last observed update action given its source.
func NewLastCache() LastCache {
	return &lastCache{
		cache: ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
	}
}

// Last returns the last action to be sent through.
func (c *lastCache) Last(source string) (Summary, bool) {
	val := c.cache.Get(source)
	if val == nil {
		return Summary{}, false
	}
	if val.Expired() {
		return Summary{}, false
	}
	s, ok := val.Value().(Summary)
	return s, ok
}

// Record caches the action n was parsed from as the most recent action
// handled for source.
func (c *lastCache) Record(source string, n *workflow.Node) {
	if n == nil {
		return
	}
	c.cache.Set(source, SummaryOf(n), cacheTimeout)
}
