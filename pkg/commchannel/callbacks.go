package commchannel

// Callbacks is the set of optional handlers a Channel forwards its events to.
// A nil slot is skipped. Handlers run on the goroutine calling DoWork and must
// not block.
type Callbacks struct {
	OnConnectFunc    func(rc int, flags int, props *Properties)
	OnDisconnectFunc func(rc int, props *Properties)
	OnSubscribeFunc  func(requestID int, granted []byte, props *Properties)
	OnPublishFunc    func(requestID int, rc int, props *Properties)
	OnMessageFunc    func(msg *Message)
	OnLogFunc        func(level LogLevel, msg string)
	// SubscriptionTopicsFunc returns the topics the channel keeps subscribed
	// while connected.
	SubscriptionTopicsFunc func() []string
}

func (fn *Callbacks) OnConnect(rc int, flags int, props *Properties) {
	if fn.OnConnectFunc != nil {
		fn.OnConnectFunc(rc, flags, props)
	}
}

func (fn *Callbacks) OnDisconnect(rc int, props *Properties) {
	if fn.OnDisconnectFunc != nil {
		fn.OnDisconnectFunc(rc, props)
	}
}

func (fn *Callbacks) OnSubscribe(requestID int, granted []byte, props *Properties) {
	if fn.OnSubscribeFunc != nil {
		fn.OnSubscribeFunc(requestID, granted, props)
	}
}

func (fn *Callbacks) OnPublish(requestID int, rc int, props *Properties) {
	if fn.OnPublishFunc != nil {
		fn.OnPublishFunc(requestID, rc, props)
	}
}

func (fn *Callbacks) OnMessage(msg *Message) {
	if fn.OnMessageFunc != nil {
		fn.OnMessageFunc(msg)
	}
}

func (fn *Callbacks) OnLog(level LogLevel, msg string) {
	if fn.OnLogFunc != nil {
		fn.OnLogFunc(level, msg)
	}
}

func (fn *Callbacks) SubscriptionTopics() []string {
	if fn.SubscriptionTopicsFunc != nil {
		return fn.SubscriptionTopicsFunc()
	}
	return nil
}
