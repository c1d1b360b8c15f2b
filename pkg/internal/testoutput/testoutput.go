package testoutput

import (
	"io"
	"os"
	"testing"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/sirupsen/logrus"
)

// New returns a writer that sends each write, assumed to be a log line, to the
// test's log.
func New(t testing.TB) io.Writer {
	return &testoutput{t}
}

// Logger redirects the logger's output into the test log at debug level.
func Logger(t testing.TB, logger logging.Logger) logging.Logger {
	l := logger.WithFields(logrus.Fields{})
	l.Logger.SetOutput(New(t))
	l.Logger.SetLevel(logrus.DebugLevel)
	return l
}

// Setter routes the root logger into the test log. Parallel tests must not use
// it: output would land in whichever test set it last.
func Setter(t testing.TB) logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(New(t))
		l.SetLevel(logrus.DebugLevel)
		return nil
	}
}

// Revert restores the root logger output to stderr.
func Revert() logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(os.Stderr)
		return nil
	}
}

type testoutput struct {
	t testing.TB
}

func (l *testoutput) Write(p []byte) (n int, err error) {
	l.t.Helper()
	l.t.Logf("%s", p)
	return len(p), nil
}
