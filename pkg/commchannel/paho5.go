package commchannel

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"
)

const (
	dialTimeout    = 30 * time.Second
	requestTimeout = 30 * time.Second
)

// pahoV5Transport adapts the paho MQTT v5 client to Transport. The v5 client
// blocks on every request, so each one runs on its own goroutine and
// enqueues its outcome.
type pahoV5Transport struct {
	*eventQueue
	log     logging.SubLogger
	cfg     TransportConfig
	handler Handler
	tls     *TLSSetup

	mu        sync.Mutex
	client    *paho.Client
	connected bool
	dialed    bool
	// abort cancels the connect attempt in flight.
	abort context.CancelFunc
}

var _ Transport = (*pahoV5Transport)(nil)

func newPahoV5Transport(log logging.SubLogger, cfg TransportConfig, h Handler) (*pahoV5Transport, error) {
	if cfg.Settings.ProtocolVersion != ProtocolV5 {
		return nil, errors.WithMessagef(ErrInvalid, "paho v5 client does not support protocol version %d", cfg.Settings.ProtocolVersion)
	}
	setup, err := tlsSetup(log, cfg.Settings)
	if err != nil {
		return nil, err
	}
	return &pahoV5Transport{
		eventQueue: newEventQueue(),
		log:        log,
		cfg:        cfg,
		handler:    h,
		tls:        setup,
	}, nil
}

// session returns the client when connected.
func (t *pahoV5Transport) session() (*paho.Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client, t.client != nil && t.connected
}

func (t *pahoV5Transport) Connect(host string, port int, keepAlive time.Duration) error {
	if host == "" || port <= 0 {
		return errors.WithMessage(ErrInvalid, "broker address incomplete")
	}
	if t.closed() {
		return errors.WithMessage(ErrInvalid, "transport closed")
	}
	t.mu.Lock()
	if t.abort != nil {
		t.abort()
	}
	if t.client != nil && t.connected {
		go t.client.Disconnect(&paho.Disconnect{ReasonCode: packets.DisconnectNormalDisconnection})
	}
	t.client, t.connected, t.dialed = nil, false, true
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	t.abort = cancel
	t.mu.Unlock()

	go t.connect(ctx, cancel, net.JoinHostPort(host, strconv.Itoa(port)), keepAlive)
	return nil
}

func (t *pahoV5Transport) connect(ctx context.Context, cancel context.CancelFunc, addr string, keepAlive time.Duration) {
	defer cancel()
	conn, err := t.dial(ctx, addr)
	if err != nil {
		t.refused(ctx, connackRefused, err)
		return
	}

	var client *paho.Client
	client = paho.NewClient(paho.ClientConfig{
		ClientID: t.cfg.ClientID,
		Conn:     conn,
		Router:   paho.NewSingleHandlerRouter(t.onPublish),
		OnClientError: func(err error) {
			t.lost(client, func(h Handler) {
				h.HandleLog(LogWarn, "connection lost: "+err.Error())
				h.HandleDisconnect(1, nil)
			})
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			var props *Properties
			if d.Properties != nil {
				props = &Properties{User: userMap(d.Properties.User)}
			}
			t.lost(client, func(h Handler) { h.HandleDisconnect(int(d.ReasonCode), props) })
		},
	})

	cp, err := t.connectPacket(keepAlive)
	if err != nil {
		conn.Close()
		t.refused(ctx, connackRefused, err)
		return
	}
	ca, err := client.Connect(ctx, cp)
	if err != nil {
		rc := connackRefused
		if ca != nil && ca.ReasonCode != 0 {
			rc = int(ca.ReasonCode)
		}
		conn.Close()
		t.refused(ctx, rc, err)
		return
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		// Superseded by another Connect or a Disconnect.
		t.mu.Unlock()
		client.Disconnect(&paho.Disconnect{ReasonCode: packets.DisconnectNormalDisconnection})
		return
	}
	t.client, t.connected = client, true
	t.abort = nil
	t.mu.Unlock()

	flags := 0
	if ca.SessionPresent {
		flags = 1
	}
	var props *Properties
	if ca.Properties != nil {
		props = &Properties{User: userMap(ca.Properties.User)}
	}
	t.enqueue(func(h Handler) { h.HandleConnect(0, flags, props) })
}

func (t *pahoV5Transport) dial(ctx context.Context, addr string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if t.tls != nil {
		d := tls.Dialer{Config: t.tls.Config}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return packets.NewThreadSafeConn(conn), nil
}

func (t *pahoV5Transport) connectPacket(keepAlive time.Duration) (*paho.Connect, error) {
	s := t.cfg.Settings
	cp := &paho.Connect{
		ClientID:   t.cfg.ClientID,
		KeepAlive:  uint16(keepAlive / time.Second),
		CleanStart: s.CleanSession,
	}
	password := s.Password
	if t.cfg.Password != nil {
		pw, err := t.cfg.Password()
		if err != nil {
			return nil, errors.Wrap(err, "unable to get mqtt password")
		}
		password = pw
	}
	if s.Username != "" {
		cp.Username = s.Username
		cp.UsernameFlag = true
	}
	if password != "" {
		cp.Password = []byte(password)
		cp.PasswordFlag = true
	}
	return cp, nil
}

// refused reports a failed connect attempt unless it was aborted.
func (t *pahoV5Transport) refused(ctx context.Context, rc int, err error) {
	if ctx.Err() == context.Canceled {
		return
	}
	t.enqueue(func(h Handler) {
		h.HandleLog(LogError, connectFailure(err))
		h.HandleConnect(rc, 0, nil)
	})
}

// lost reports the end of client's session, if it is still the current one.
func (t *pahoV5Transport) lost(client *paho.Client, ev event) {
	t.mu.Lock()
	current := client != nil && t.client == client && t.connected
	if current {
		t.connected = false
	}
	t.mu.Unlock()
	if current {
		t.enqueue(ev)
	}
}

func (t *pahoV5Transport) onPublish(p *paho.Publish) {
	msg := &Message{
		ID:         int(p.PacketID),
		Topic:      p.Topic,
		Payload:    append([]byte(nil), p.Payload...),
		QoS:        p.QoS,
		Retained:   p.Retain,
		Properties: fromPublishProperties(p.Properties),
	}
	t.enqueue(func(h Handler) { h.HandleMessage(msg) })
}

func (t *pahoV5Transport) Disconnect() error {
	t.mu.Lock()
	aborted := t.abort != nil
	if aborted {
		t.abort()
		t.abort = nil
	}
	client, wasConnected, dialed := t.client, t.connected, t.dialed
	t.client, t.connected = nil, false
	t.mu.Unlock()

	if !dialed {
		return ErrNoConn
	}
	if client == nil || !wasConnected {
		return nil
	}
	go func() {
		if err := client.Disconnect(&paho.Disconnect{ReasonCode: packets.DisconnectNormalDisconnection}); err != nil {
			t.log.WithError(err).Debug("disconnect packet not sent")
		}
	}()
	// Disconnect may run inside Loop, so never block on the queue here.
	if !t.offer(func(h Handler) { h.HandleDisconnect(0, nil) }) {
		t.log.Warn("event queue full, dropping disconnect event")
	}
	return nil
}

func (t *pahoV5Transport) Subscribe(topics []string, qos byte, opts SubscribeOptions, props *Properties) (int, error) {
	if len(topics) == 0 {
		return 0, errors.WithMessage(ErrInvalid, "no topics")
	}
	client, ok := t.session()
	if !ok {
		return 0, ErrNoConn
	}
	sub := &paho.Subscribe{}
	for _, topic := range topics {
		sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{
			Topic:             topic,
			QoS:               qos,
			NoLocal:           opts.NoLocal,
			RetainAsPublished: opts.RetainAsPublished,
		})
	}
	if props != nil {
		sub.Properties = &paho.SubscribeProperties{User: userProperties(props.User)}
	}

	id := t.id()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		sa, err := client.Subscribe(ctx, sub)
		if sa == nil {
			t.enqueue(func(h Handler) {
				h.HandleLog(LogError, "subscribe "+strconv.Itoa(id)+" failed: "+err.Error())
			})
			return
		}
		granted := append([]byte(nil), sa.Reasons...)
		var ackProps *Properties
		if sa.Properties != nil {
			ackProps = &Properties{User: userMap(sa.Properties.User)}
		}
		t.enqueue(func(h Handler) { h.HandleSubscribe(id, granted, ackProps) })
	}()
	return id, nil
}

func (t *pahoV5Transport) Publish(topic string, qos byte, retain bool, payload []byte, props *Properties) (int, error) {
	client, ok := t.session()
	if !ok {
		return 0, ErrNoConn
	}
	pub := &paho.Publish{
		Topic:      topic,
		QoS:        qos,
		Retain:     retain,
		Payload:    payload,
		Properties: toPublishProperties(props),
	}

	id := t.id()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		pr, err := client.Publish(ctx, pub)
		rc := 0
		switch {
		case pr != nil:
			rc = int(pr.ReasonCode)
		case err != nil:
			rc = connackRefused
		}
		t.enqueue(func(h Handler) { h.HandlePublish(id, rc, nil) })
	}()
	return id, nil
}

func (t *pahoV5Transport) Loop() error {
	if t.closed() {
		return errors.WithMessage(ErrInvalid, "transport closed")
	}
	t.deliver(t.handler)
	if _, ok := t.session(); !ok {
		return ErrNoConn
	}
	return nil
}

func (t *pahoV5Transport) Close() {
	if !t.close() {
		return
	}
	t.mu.Lock()
	if t.abort != nil {
		t.abort()
		t.abort = nil
	}
	client, wasConnected := t.client, t.connected
	t.client, t.connected = nil, false
	t.mu.Unlock()
	if client != nil && wasConnected {
		client.Disconnect(&paho.Disconnect{ReasonCode: packets.DisconnectNormalDisconnection})
	}
}

func userProperties(m map[string]string) paho.UserProperties {
	if len(m) == 0 {
		return nil
	}
	props := make(paho.UserProperties, 0, len(m))
	for k, v := range m {
		props = append(props, paho.UserProperty{Key: k, Value: v})
	}
	return props
}

func userMap(props paho.UserProperties) map[string]string {
	m := make(map[string]string, len(props))
	for _, p := range props {
		m[p.Key] = p.Value
	}
	return m
}

func toPublishProperties(p *Properties) *paho.PublishProperties {
	if p == nil {
		return nil
	}
	return &paho.PublishProperties{
		CorrelationData: p.CorrelationData,
		ContentType:     p.ContentType,
		ResponseTopic:   p.ResponseTopic,
		User:            userProperties(p.User),
	}
}

// fromPublishProperties never returns nil: every v5 message has properties,
// if only empty ones.
func fromPublishProperties(p *paho.PublishProperties) *Properties {
	if p == nil {
		return &Properties{User: map[string]string{}}
	}
	return &Properties{
		User:            userMap(p.User),
		CorrelationData: p.CorrelationData,
		ContentType:     p.ContentType,
		ResponseTopic:   p.ResponseTopic,
	}
}
