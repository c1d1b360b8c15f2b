package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
)

// WithSignalCancel derives a context that is cancelled when one of sigs is
// delivered to the process. The returned cancel releases the signal handlers
// and must be called; calling it once the context is Done restores the
// runtime's default handling so that a second signal terminates the agent.
func WithSignalCancel(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	log := logging.New("sigcontext")
	sigctx, ctxcancel := context.WithCancel(ctx)

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	var once sync.Once
	cancel := func() {
		ctxcancel()
		once.Do(func() {
			signal.Stop(sigchan)
		})
	}

	go func() {
		select {
		case <-sigctx.Done():
		case sig := <-sigchan:
			log.WithField("signal", sig.String()).Info("received signal, shutting down")
			ctxcancel()
		}
	}()

	return sigctx, cancel
}
