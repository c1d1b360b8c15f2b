package commchannel

import (
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/metrics"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/retry"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/statestore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// reconnectWait is how long a disconnected channel waits after the
	// disconnect before returning to StateUnknown.
	reconnectWait = 15 * time.Second
	// connectTimeout bounds the wait for a CONNACK.
	connectTimeout = 60 * time.Second
	// hostnameRetryDelay is the next retry set while the broker hostname is
	// still unresolved.
	hostnameRetryDelay = 5 * time.Second
	// suppressDelay is how long the work tick is skipped after a library
	// level error.
	suppressDelay = 60 * time.Second
	// notInitializedLogInterval rate limits the uninitialized warning.
	notInitializedLogInterval = 60 * time.Second

	// v5 messages carry their message type and the protocol id as user
	// properties.
	UserPropertyMessageType = "mt"
	UserPropertyProtocolID  = "pid"
	ProtocolID              = "1"
)

// ContractInfo identifies the channel implementation to its host.
type ContractInfo struct {
	Provider    string
	Name        string
	Version     int
	InterfaceID string
}

var contractInfo = ContractInfo{
	Provider:    "Microsoft",
	Name:        "Communication Channel Management Module",
	Version:     1,
	InterfaceID: "Microsoft/CommManger:1",
}

// InitParams configures Initialize.
type InitParams struct {
	Settings  Settings
	Callbacks Callbacks
	// Store supplies the provisioned hostname and receives topic
	// subscription status. Optional.
	Store statestore.Store
	// Password is queried for the connection password. Optional.
	Password func() (string, error)
	// Backoff defaults to FixedBackoff.
	Backoff Backoff
	// Transport defaults to the paho MQTT client.
	Transport TransportFactory
}

// Channel manages one MQTT session with the update service: connecting and
// reconnecting, keeping the agent's topics subscribed and dispatching events
// to its Callbacks. All methods must be called from one goroutine; callbacks
// run synchronously within DoWork.
type Channel struct {
	log logging.Logger
	now func() time.Time

	initialized bool
	transport   Transport
	settings    Settings
	callbacks   Callbacks
	store       statestore.Store
	backoff     Backoff

	state            ConnectionState
	tracker          SubscriptionTracker
	topicsSubscribed bool
	lastSubscription PendingSubscription

	suppressUntil  time.Time
	lastNotInitLog time.Time
}

// New returns an uninitialized Channel.
func New(log logging.Logger) *Channel {
	return &Channel{
		log:   log,
		now:   time.Now,
		state: ConnectionState{State: StateUnknown},
	}
}

// Initialize copies the settings and callbacks and creates the transport. A
// second call on an initialized channel succeeds without doing anything.
func (c *Channel) Initialize(params InitParams) error {
	if c.initialized {
		c.log.Debug("channel already initialized")
		return nil
	}

	settings := params.Settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return errors.WithMessage(err, "invalid mqtt settings")
	}
	clientID := settings.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}

	factory := params.Transport
	if factory == nil {
		factory = PahoTransportFactory(c.log.WithField(logging.SubComponentField, "paho"))
	}
	bo := params.Backoff
	if bo == nil {
		bo = FixedBackoff{}
	}

	t, err := factory(TransportConfig{
		ClientID: clientID,
		Settings: settings,
		Password: params.Password,
	}, &channelHandler{c})
	if err != nil {
		return errors.Wrap(err, "unable to create mqtt transport")
	}

	c.transport = t
	c.settings = settings
	c.callbacks = params.Callbacks
	c.store = params.Store
	c.backoff = bo
	c.tracker.Reset()
	c.topicsSubscribed = false
	c.suppressUntil = time.Time{}
	c.state = ConnectionState{State: StateUnknown, StateUpdatedAt: c.now()}
	c.initialized = true

	c.log.WithFields(logrus.Fields{
		"client-id": clientID,
		"hostname":  settings.Hostname,
		"port":      settings.Port,
		"protocol":  settings.ProtocolVersion,
	}).Info("communication channel initialized")
	return nil
}

// Deinitialize disconnects and releases the transport. It is a no-op on a
// channel that is not initialized.
func (c *Channel) Deinitialize() error {
	if !c.initialized {
		return nil
	}
	if err := c.transport.Disconnect(); err != nil {
		c.log.WithError(err).Warn("disconnect during teardown failed")
	}
	c.transport.Close()
	c.transport = nil
	c.tracker.Reset()
	c.topicsSubscribed = false
	c.setState(StateDisconnected, c.now())
	c.initialized = false
	c.log.Info("communication channel deinitialized")
	return nil
}

// Initialized reports whether the channel holds a transport.
func (c *Channel) Initialized() bool {
	return c.initialized
}

// IsConnected reports whether the channel has a live broker session.
func (c *Channel) IsConnected() bool {
	return c.state.Connected()
}

// State returns a copy of the connection state.
func (c *Channel) State() ConnectionState {
	return c.state
}

// TopicsSubscribed reports whether the baseline topics have been submitted.
func (c *Channel) TopicsSubscribed() bool {
	return c.topicsSubscribed
}

// Pending returns the subscribe requests awaiting acknowledgment.
func (c *Channel) Pending() []PendingSubscription {
	return c.tracker.Pending()
}

// LastSubscription is the most recently acknowledged subscribe request.
func (c *Channel) LastSubscription() PendingSubscription {
	return c.lastSubscription
}

// ContractInfo describes the channel implementation.
func (c *Channel) ContractInfo() ContractInfo {
	return contractInfo
}

// DoWork performs one non-blocking tick: the network tick first, then, once
// the broker hostname is known, subscription upkeep and connection
// management.
func (c *Channel) DoWork() {
	c.networkTick()

	now := c.now()
	if !c.initialized {
		c.manageState(now)
		return
	}
	if !c.ensureHostnameValid() {
		c.state.deferRetry(now.Add(hostnameRetryDelay))
		return
	}
	c.ensureSubscriptions()
	c.manageState(now)
}

// Subscribe requests topic and returns the request's correlation id. The
// callback, if given, runs when the broker acknowledges the request.
func (c *Channel) Subscribe(topic string, isScoped bool, qos byte, opts SubscribeOptions, props *Properties, userData interface{}, cb SubscribeFunc) (int, error) {
	if topic == "" {
		return 0, errors.WithMessage(ErrInvalid, "topic must be provided")
	}
	if !c.initialized {
		return 0, errors.WithMessage(ErrInvalid, "channel not initialized")
	}
	return c.subscribe([]string{topic}, isScoped, qos, opts, props, userData, cb)
}

func (c *Channel) subscribe(topics []string, isScoped bool, qos byte, opts SubscribeOptions, props *Properties, userData interface{}, cb SubscribeFunc) (int, error) {
	id, err := c.transport.Subscribe(topics, qos, opts, props)
	if err != nil {
		return 0, err
	}
	c.tracker.Add(PendingSubscription{
		RequestID: id,
		Topics:    topics,
		IsScoped:  isScoped,
		Callback:  cb,
		UserData:  userData,
	})
	c.setState(StateSubscribing, c.now())
	c.log.WithFields(logrus.Fields{
		"request-id": id,
		"topics":     topics,
	}).Debug("subscribe submitted")
	return id, nil
}

// Publish sends payload to topic and returns the publish id.
func (c *Channel) Publish(topic string, qos byte, retain bool, payload []byte, props *Properties) (int, error) {
	if topic == "" {
		return 0, errors.WithMessage(ErrInvalid, "topic must be provided")
	}
	if !c.initialized {
		return 0, errors.WithMessage(ErrInvalid, "channel not initialized")
	}
	id, err := c.transport.Publish(topic, qos, retain, payload, props)
	if err != nil {
		return 0, err
	}
	if logging.Debuggable {
		c.log.WithFields(logrus.Fields{
			"topic":   topic,
			"id":      id,
			"payload": string(payload),
		}).Debug("published")
	}
	return id, nil
}

func (c *Channel) setState(s State, now time.Time) {
	if c.state.State != s {
		c.log.WithFields(logrus.Fields{
			"from": c.state.State.String(),
			"to":   s.String(),
		}).Info("channel state changed")
	}
	c.state.State = s
	c.state.StateUpdatedAt = now
	metrics.ChannelState.Set(float64(s))
}

func (c *Channel) networkTick() {
	if !c.initialized {
		return
	}
	now := c.now()
	if now.Before(c.suppressUntil) {
		metrics.WorkLoopSuppressed.Inc()
		return
	}
	err := c.transport.Loop()
	switch errors.Cause(err) {
	case nil:
	case ErrNoMemory, ErrInvalid, ErrProtocol, ErrErrno:
		c.suppressUntil = now.Add(suppressDelay)
		c.log.WithError(err).WithField("until", c.suppressUntil).Error("suppressing work after mqtt library error")
	case ErrNoConn, ErrConnLost:
		// handled by manageState
	default:
		c.log.WithError(err).Warn("mqtt network tick failed")
	}
}

func (c *Channel) ensureHostnameValid() bool {
	if c.settings.Hostname != "" {
		return true
	}
	if c.settings.HostnameSource != HostnameSourceRemoteProvisioning || c.store == nil {
		return false
	}
	host, ok := c.store.Get(statestore.KeyBrokerHostname)
	if !ok || host == "" {
		return false
	}
	c.settings.Hostname = host
	c.log.WithField("hostname", host).Info("using provisioned broker hostname")
	return true
}

func (c *Channel) ensureSubscriptions() {
	if c.topicsSubscribed {
		return
	}
	if !c.initialized || !c.state.Connected() {
		return
	}
	topics := c.callbacks.SubscriptionTopics()
	if len(topics) == 0 {
		c.log.Warn("no topics to subscribe to")
		return
	}
	if _, err := c.subscribe(topics, false, c.settings.QoS, SubscribeOptions{}, nil, nil, nil); err != nil {
		c.log.WithError(err).WithField("topics", topics).Error("unable to subscribe")
		return
	}
	c.topicsSubscribed = true
}

func (c *Channel) manageState(now time.Time) {
	if c.state.Connected() {
		return
	}
	if !c.initialized {
		if now.Sub(c.lastNotInitLog) >= notInitializedLogInterval {
			c.lastNotInitLog = now
			c.log.Warn("communication channel is not initialized")
		}
		return
	}

	switch c.state.State {
	case StateConnecting:
		if now.Sub(c.state.LastConnectAttemptAt) < connectTimeout {
			return
		}
		c.log.WithField("timeout", connectTimeout).Warn("no connack received, abandoning connect")
		if err := c.transport.Disconnect(); err != nil {
			c.log.WithError(err).Debug("disconnect after connect timeout failed")
		}
		c.state.deferRetry(now.Add(c.backoff.Delay(retry.FailureServerTransient)))
		c.setState(StateDisconnected, now)
	case StateDisconnected:
		if now.Before(c.state.StateUpdatedAt.Add(reconnectWait)) {
			return
		}
		c.setState(StateUnknown, now)
	case StateUnknown:
		if now.Before(c.state.NextRetryAt) {
			return
		}
		c.connect(now)
	}
}

func (c *Channel) connect(now time.Time) {
	log := c.log.WithFields(logrus.Fields{
		"hostname": c.settings.Hostname,
		"port":     c.settings.Port,
	})
	err := c.transport.Connect(c.settings.Hostname, c.settings.Port, c.settings.KeepAlive())
	switch errors.Cause(err) {
	case nil:
		metrics.ConnectAttempts.WithLabelValues("submitted").Inc()
		c.state.LastConnectAttemptAt = now
		c.setState(StateConnecting, now)
		log.Info("connecting to broker")
	case ErrInvalid:
		metrics.ConnectAttempts.WithLabelValues("invalid").Inc()
		c.state.deferRetry(now.Add(c.backoff.Delay(retry.FailureClientUnrecoverable)))
		log.WithError(err).WithField("next-retry", c.state.NextRetryAt).Error("connect rejected, check configuration")
	default:
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("connect failed")
	}
}

// channelHandler receives transport events for its Channel, keeping the
// handler methods off the Channel's API.
type channelHandler struct {
	c *Channel
}

var _ Handler = (*channelHandler)(nil)

func (h *channelHandler) HandleConnect(rc int, flags int, props *Properties) {
	c := h.c
	now := c.now()
	log := c.log.WithField("rc", rc)
	if rc == 0 {
		c.state.LastConnectedAt = now
		c.setState(StateConnected, now)
		c.backoff.Reset()
		log.Info("connected to broker")
	} else {
		c.state.deferRetry(now.Add(c.backoff.Delay(retry.FailureServerTransient)))
		c.setState(StateDisconnected, now)
		log.WithField("next-retry", c.state.NextRetryAt).Warn("broker refused connection")
		// Stop the library from retrying on its own.
		if err := c.transport.Disconnect(); err != nil {
			log.WithError(err).Error("disconnect after refused connection failed")
		}
	}
	c.callbacks.OnConnect(rc, flags, props)
}

func (h *channelHandler) HandleDisconnect(rc int, props *Properties) {
	c := h.c
	now := c.now()
	c.setState(StateDisconnected, now)
	c.state.deferRetry(now.Add(c.backoff.Delay(retry.FailureServerTransient)))
	// Subscriptions do not survive the session, pending acks never arrive.
	c.topicsSubscribed = false
	c.tracker.Reset()
	c.log.WithFields(logrus.Fields{
		"rc":         rc,
		"next-retry": c.state.NextRetryAt,
	}).Warn("disconnected from broker")
	c.callbacks.OnDisconnect(rc, props)
}

func (h *channelHandler) HandleSubscribe(requestID int, granted []byte, props *Properties) {
	c := h.c
	entry, ok := c.tracker.Take(requestID)
	if !ok {
		metrics.SubscriptionAcks.WithLabelValues("false").Inc()
		c.log.WithField("request-id", requestID).Debug("subscribe ack matches no pending request")
		return
	}
	metrics.SubscriptionAcks.WithLabelValues("true").Inc()
	c.setState(StateSubscribed, c.now())
	if c.store != nil {
		for _, topic := range entry.Topics {
			statestore.SetTopicSubscribed(c.store, topic, entry.IsScoped, true)
		}
	}
	c.lastSubscription = entry
	c.log.WithFields(logrus.Fields{
		"request-id": requestID,
		"topics":     entry.Topics,
	}).Info("subscribed")
	if entry.Callback != nil {
		entry.Callback(requestID, granted, props, entry.UserData)
	}
	c.callbacks.OnSubscribe(requestID, granted, props)
}

func (h *channelHandler) HandlePublish(requestID int, rc int, props *Properties) {
	h.c.callbacks.OnPublish(requestID, rc, props)
}

func (h *channelHandler) HandleMessage(msg *Message) {
	c := h.c
	metrics.MessagesReceived.Inc()
	if c.settings.ProtocolVersion >= ProtocolV5 {
		if reason := checkMessageProperties(msg.Properties); reason != "" {
			metrics.MessagesDropped.WithLabelValues(reason).Inc()
			c.log.WithFields(logrus.Fields{
				"topic":  msg.Topic,
				"reason": reason,
			}).Warn("dropping message")
			return
		}
	}
	if logging.Debuggable {
		c.log.WithFields(logrus.Fields{
			"topic":   msg.Topic,
			"payload": string(msg.Payload),
		}).Debug("message received")
	}
	c.callbacks.OnMessage(msg)
}

func (h *channelHandler) HandleLog(level LogLevel, msg string) {
	log := h.c.log.WithField(logging.SubComponentField, "mqtt")
	switch level {
	case LogError:
		log.Error(msg)
	case LogWarn:
		log.Warn(msg)
	case LogInfo:
		log.Info(msg)
	default:
		log.Debug(msg)
	}
	h.c.callbacks.OnLog(level, msg)
}

// checkMessageProperties returns why a v5 message must be dropped, or "" when
// it carries the required message type and protocol id.
func checkMessageProperties(props *Properties) string {
	mt, ok := props.UserProperty(UserPropertyMessageType)
	if !ok || mt == "" {
		return "missing-message-type"
	}
	pid, ok := props.UserProperty(UserPropertyProtocolID)
	if !ok || pid != ProtocolID {
		return "invalid-protocol-id"
	}
	return ""
}
