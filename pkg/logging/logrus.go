package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// SubComponentField names the field used to distinguish workers and helpers
// that log on behalf of a component.
const SubComponentField = "subcomponent"

// Setter configures the root logger.
type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		return l
	}(),
	mutex: &sync.Mutex{},
}

// Logger is the component level logger handed out by New.
type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

// SubLogger is the minimal logger accepted by helpers that only log and do not
// need to hand out writers.
type SubLogger = logrus.FieldLogger

// New returns a Logger tagged with the given component.
func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		if err := Set(setter); err != nil {
			root.logger.WithError(err).Warn("unable to apply logger setter")
		}
	}
	return root.logger.WithField("component", component)
}

// Set applies the setter to the root logger.
func Set(setter Setter) error {
	root.mutex.Lock()
	defer root.mutex.Unlock()
	return setter(root.logger)
}

// Level returns a Setter for the named level, falling back to debug on an
// unparsable level.
func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// Output returns a Setter directing log output to w.
func Output(w io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(w)
		return nil
	}
}
