package commchannel

// SubscribeFunc is called when the broker acknowledges the subscription it was
// registered with.
type SubscribeFunc func(requestID int, granted []byte, props *Properties, userData interface{})

// PendingSubscription is a subscribe request awaiting its acknowledgment.
type PendingSubscription struct {
	RequestID int
	// Topics holds the requested filters; requests made through Subscribe
	// carry exactly one.
	Topics   []string
	IsScoped bool
	Callback SubscribeFunc
	UserData interface{}
}

// SubscriptionTracker correlates subscribe acknowledgments with their requests.
// It is only mutated from the goroutine driving the channel.
type SubscriptionTracker struct {
	pending []PendingSubscription
}

// Add records a request as pending.
func (t *SubscriptionTracker) Add(p PendingSubscription) {
	p.Topics = append([]string(nil), p.Topics...)
	t.pending = append(t.pending, p)
}

// Take removes and returns the pending request with requestID.
func (t *SubscriptionTracker) Take(requestID int) (PendingSubscription, bool) {
	for i, p := range t.pending {
		if p.RequestID != requestID {
			continue
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		return p, true
	}
	return PendingSubscription{}, false
}

// Pending returns a copy of the requests awaiting acknowledgment.
func (t *SubscriptionTracker) Pending() []PendingSubscription {
	return append([]PendingSubscription(nil), t.pending...)
}

// Len is the number of pending requests.
func (t *SubscriptionTracker) Len() int {
	return len(t.pending)
}

// Reset discards every pending request.
func (t *SubscriptionTracker) Reset() {
	t.pending = nil
}
