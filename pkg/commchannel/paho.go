package commchannel

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	eventQueueSize    = 256
	maxEventsPerLoop  = 64
	disconnectQuiesce = 250 // milliseconds

	// connackRefused stands in for a CONNACK failure the library did not
	// report a return code for.
	connackRefused = 0x80
)

// event is a library callback deferred to the goroutine calling Loop.
type event func(h Handler)

// eventQueue holds library callbacks until Loop delivers them. Library
// handlers run on their own goroutines and only ever enqueue.
type eventQueue struct {
	events   chan event
	done     chan struct{}
	closeOne sync.Once
	nextID   int32
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
	}
}

func (q *eventQueue) id() int {
	return int(atomic.AddInt32(&q.nextID, 1))
}

func (q *eventQueue) enqueue(ev event) {
	select {
	case q.events <- ev:
	case <-q.done:
	}
}

// offer enqueues ev unless the queue is full. It is safe to call from Loop.
func (q *eventQueue) offer(ev event) bool {
	select {
	case q.events <- ev:
		return true
	default:
		return false
	}
}

func (q *eventQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// deliver runs queued events on the calling goroutine.
func (q *eventQueue) deliver(h Handler) {
	for i := 0; i < maxEventsPerLoop; i++ {
		select {
		case ev := <-q.events:
			ev(h)
		default:
			return
		}
	}
}

// close reports whether this call closed the queue.
func (q *eventQueue) close() bool {
	closed := false
	q.closeOne.Do(func() {
		close(q.done)
		closed = true
	})
	return closed
}

// connectFailure describes a failed connect attempt for the log.
func connectFailure(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errors.WithMessage(ErrLookup, err.Error()).Error()
	}
	return "connect failed: " + err.Error()
}

// pahoTransport adapts the paho MQTT 3.1.1 client to Transport.
type pahoTransport struct {
	*eventQueue
	log     logging.SubLogger
	cfg     TransportConfig
	handler Handler
	tls     *TLSSetup

	client mqtt.Client
}

var _ Transport = (*pahoTransport)(nil)

// PahoTransportFactory returns a TransportFactory creating paho clients: the
// MQTT v5 client for protocol version 5, the 3.1.1 client otherwise.
func PahoTransportFactory(log logging.SubLogger) TransportFactory {
	return func(cfg TransportConfig, h Handler) (Transport, error) {
		if cfg.Settings.ProtocolVersion == ProtocolV5 {
			return newPahoV5Transport(log, cfg, h)
		}
		return newPahoTransport(log, cfg, h)
	}
}

func newPahoTransport(log logging.SubLogger, cfg TransportConfig, h Handler) (*pahoTransport, error) {
	switch cfg.Settings.ProtocolVersion {
	case ProtocolV31, ProtocolV311:
	default:
		return nil, errors.WithMessagef(ErrInvalid, "paho client does not support protocol version %d", cfg.Settings.ProtocolVersion)
	}
	setup, err := tlsSetup(log, cfg.Settings)
	if err != nil {
		return nil, err
	}
	return &pahoTransport{
		eventQueue: newEventQueue(),
		log:        log,
		cfg:        cfg,
		handler:    h,
		tls:        setup,
	}, nil
}

func tlsSetup(log logging.SubLogger, s Settings) (*TLSSetup, error) {
	setup, err := s.TLS()
	if err != nil {
		return nil, err
	}
	if setup != nil && setup.CAPath != "" && log != nil {
		log.WithField("ca-path", setup.CAPath).Debug("using system trust store")
	}
	return setup, nil
}

// await enqueues the event built from tok once it completes.
func (t *pahoTransport) await(tok mqtt.Token, fn func(tok mqtt.Token) event) {
	go func() {
		select {
		case <-tok.Done():
		case <-t.done:
			return
		}
		if ev := fn(tok); ev != nil {
			t.enqueue(ev)
		}
	}()
}

func (t *pahoTransport) options(host string, port int, keepAlive time.Duration) *mqtt.ClientOptions {
	s := t.cfg.Settings
	scheme := "tcp"
	if t.tls != nil {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, fmt.Sprint(port))))
	opts.SetClientID(t.cfg.ClientID)
	opts.SetKeepAlive(keepAlive)
	opts.SetCleanSession(s.CleanSession)
	opts.SetProtocolVersion(uint(s.ProtocolVersion))
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	if t.tls != nil {
		opts.SetTLSConfig(t.tls.Config)
	}
	if s.Username != "" {
		opts.SetUsername(s.Username)
	}
	if s.Password != "" {
		opts.SetPassword(s.Password)
	}
	if t.cfg.Password != nil {
		opts.SetCredentialsProvider(func() (string, string) {
			pw, err := t.cfg.Password()
			if err != nil {
				t.log.WithError(err).Error("unable to get mqtt password")
			}
			return s.Username, pw
		})
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		t.enqueue(func(h Handler) { h.HandleConnect(0, 0, nil) })
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.enqueue(func(h Handler) {
			h.HandleLog(LogWarn, "connection lost: "+err.Error())
			h.HandleDisconnect(1, nil)
		})
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		msg := &Message{
			ID:       int(m.MessageID()),
			Topic:    m.Topic(),
			Payload:  append([]byte(nil), m.Payload()...),
			QoS:      m.Qos(),
			Retained: m.Retained(),
		}
		t.enqueue(func(h Handler) { h.HandleMessage(msg) })
	})
	return opts
}

func (t *pahoTransport) Connect(host string, port int, keepAlive time.Duration) error {
	if host == "" || port <= 0 {
		return errors.WithMessage(ErrInvalid, "broker address incomplete")
	}
	if t.closed() {
		return errors.WithMessage(ErrInvalid, "transport closed")
	}
	if t.client != nil && t.client.IsConnectionOpen() {
		t.client.Disconnect(0)
	}
	// The library resolves host while connecting, off the calling goroutine.
	t.client = mqtt.NewClient(t.options(host, port, keepAlive))
	t.await(t.client.Connect(), func(tok mqtt.Token) event {
		err := tok.Error()
		if err == nil {
			return nil
		}
		rc := connackRefused
		if ct, ok := tok.(*mqtt.ConnectToken); ok && ct.ReturnCode() != 0 {
			rc = int(ct.ReturnCode())
		}
		return func(h Handler) {
			h.HandleLog(LogError, connectFailure(err))
			h.HandleConnect(rc, 0, nil)
		}
	})
	return nil
}

func (t *pahoTransport) Disconnect() error {
	if t.client == nil {
		return ErrNoConn
	}
	wasConnected := t.client.IsConnected()
	t.client.Disconnect(disconnectQuiesce)
	if wasConnected {
		// Disconnect may run inside Loop, so never block on the queue here.
		if !t.offer(func(h Handler) { h.HandleDisconnect(0, nil) }) {
			t.log.Warn("event queue full, dropping disconnect event")
		}
	}
	return nil
}

func (t *pahoTransport) Subscribe(topics []string, qos byte, opts SubscribeOptions, props *Properties) (int, error) {
	if len(topics) == 0 {
		return 0, errors.WithMessage(ErrInvalid, "no topics")
	}
	if t.client == nil || !t.client.IsConnected() {
		return 0, ErrNoConn
	}
	if props != nil || opts != (SubscribeOptions{}) {
		t.log.Debug("ignoring v5 subscribe options and properties")
	}
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = qos
	}
	id := t.id()
	t.await(t.client.SubscribeMultiple(filters, nil), func(tok mqtt.Token) event {
		if err := tok.Error(); err != nil {
			return func(h Handler) {
				h.HandleLog(LogError, fmt.Sprintf("subscribe %d failed: %s", id, err))
			}
		}
		result := map[string]byte{}
		if st, ok := tok.(*mqtt.SubscribeToken); ok {
			result = st.Result()
		}
		granted := make([]byte, len(topics))
		for i, topic := range topics {
			granted[i] = result[topic]
		}
		return func(h Handler) { h.HandleSubscribe(id, granted, nil) }
	})
	return id, nil
}

func (t *pahoTransport) Publish(topic string, qos byte, retain bool, payload []byte, props *Properties) (int, error) {
	if t.client == nil || !t.client.IsConnected() {
		return 0, ErrNoConn
	}
	if props != nil && logging.Debuggable {
		t.log.WithFields(logrus.Fields{"topic": topic}).Debug("v5 publish properties not sent over 3.1.1")
	}
	id := t.id()
	t.await(t.client.Publish(topic, qos, retain, payload), func(tok mqtt.Token) event {
		rc := 0
		if err := tok.Error(); err != nil {
			rc = connackRefused
		}
		return func(h Handler) { h.HandlePublish(id, rc, nil) }
	})
	return id, nil
}

func (t *pahoTransport) Loop() error {
	if t.closed() {
		return errors.WithMessage(ErrInvalid, "transport closed")
	}
	t.deliver(t.handler)
	if t.client == nil || !t.client.IsConnectionOpen() {
		return ErrNoConn
	}
	return nil
}

func (t *pahoTransport) Close() {
	if t.close() && t.client != nil && t.client.IsConnectionOpen() {
		t.client.Disconnect(0)
	}
}
