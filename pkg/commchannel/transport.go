package commchannel

import (
	"time"

	"github.com/pkg/errors"
)

// Errors returned by a Transport. Loop errors decide whether the channel
// suppresses its work tick; Connect errors decide the connection backoff.
var (
	// ErrNoMemory, ErrInvalid, ErrProtocol and ErrErrno are library level
	// failures. Returned from Loop, they suppress the tick.
	ErrNoMemory = errors.New("mqtt: out of memory")
	ErrInvalid  = errors.New("mqtt: invalid argument")
	ErrProtocol = errors.New("mqtt: protocol error")
	ErrErrno    = errors.New("mqtt: system error")
	// ErrNoConn and ErrConnLost are left to the connection state machine.
	ErrNoConn   = errors.New("mqtt: no connection")
	ErrConnLost = errors.New("mqtt: connection lost")
	// ErrLookup is a failure to resolve the broker hostname.
	ErrLookup = errors.New("mqtt: hostname lookup failed")
)

// LogLevel is the severity of a transport log event.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Properties carries the MQTT v5 properties of a packet. It is nil for
// connections using an earlier protocol version.
type Properties struct {
	User            map[string]string
	CorrelationData []byte
	ContentType     string
	ResponseTopic   string
}

// UserProperty returns the user property key, if present.
func (p *Properties) UserProperty(key string) (string, bool) {
	if p == nil || p.User == nil {
		return "", false
	}
	v, ok := p.User[key]
	return v, ok
}

// Message is an application message received from the broker.
type Message struct {
	ID         int
	Topic      string
	Payload    []byte
	QoS        byte
	Retained   bool
	Properties *Properties
}

// SubscribeOptions are the v5 subscription options applied to a request.
type SubscribeOptions struct {
	NoLocal           bool
	RetainAsPublished bool
}

// Transport is the MQTT client a Channel drives. Submission calls return
// immediately; their outcomes are reported to the Handler from within Loop.
type Transport interface {
	// Connect starts connecting to host:port.
	Connect(host string, port int, keepAlive time.Duration) error
	// Disconnect ends the session.
	Disconnect() error
	// Subscribe requests topics and returns the correlation id its
	// acknowledgment will carry.
	Subscribe(topics []string, qos byte, opts SubscribeOptions, props *Properties) (int, error)
	// Publish sends payload and returns the id its completion will carry.
	Publish(topic string, qos byte, retain bool, payload []byte, props *Properties) (int, error)
	// Loop delivers pending events to the Handler on the calling goroutine.
	Loop() error
	// Close releases the transport. It is not usable afterwards.
	Close()
}

// Handler receives transport events.
type Handler interface {
	HandleConnect(rc int, flags int, props *Properties)
	HandleDisconnect(rc int, props *Properties)
	HandleSubscribe(requestID int, granted []byte, props *Properties)
	HandlePublish(requestID int, rc int, props *Properties)
	HandleMessage(msg *Message)
	HandleLog(level LogLevel, msg string)
}

// TransportConfig is what a TransportFactory builds a Transport from.
type TransportConfig struct {
	ClientID string
	Settings Settings
	// Password, when set, is queried for the password on each connect.
	Password func() (string, error)
}

// TransportFactory creates the Transport for a Channel.
type TransportFactory func(cfg TransportConfig, h Handler) (Transport, error)
