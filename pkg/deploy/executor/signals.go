package executor

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/mensylisir/fleetctl/pkg/logger"
)

// interruptState tracks the interrupt escalation for a run. The levels are
// strictly monotonic: graceful stop, then a soft interrupt forwarded to
// live subprocesses, then a terminate signal, then an abort that persists
// the state and unwinds the run.
type interruptState struct {
	presses       atomic.Int32
	stop          atomic.Bool
	sendInterrupt atomic.Bool
	sendTerminate atomic.Bool
}

func newInterruptState() *interruptState {
	return &interruptState{}
}

func (s *interruptState) stopWorkers() bool { return s.stop.Load() }

func (s *interruptState) interruptRequested() bool { return s.sendInterrupt.Load() }

func (s *interruptState) terminateRequested() bool { return s.sendTerminate.Load() }

// press records one interrupt press and applies the matching escalation
// level; abort is invoked on the fourth and any further press.
func (s *interruptState) press(abort func(), log *logger.Logger) {
	switch s.presses.Add(1) {
	case 1:
		s.stop.Store(true)
		log.Warnf("Interrupted - Waiting for current deployments to complete")
	case 2:
		s.sendInterrupt.Store(true)
		log.Warnf("Interrupted - Sending SIGINT to subprocesses")
	case 3:
		s.sendTerminate.Store(true)
		log.Warnf("Interrupted - Sending SIGTERM to subprocesses")
	default:
		log.Warnf("Interrupted - Forcing deployments to abort")
		abort()
	}
}

// install catches interrupt signals for the duration of a run and routes
// them through press. The returned function restores the default signal
// disposition.
func (s *interruptState) install(abort func(), log *logger.Logger) func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				s.press(abort, log)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
