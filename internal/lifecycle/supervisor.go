package lifecycle

import (
	"log/slog"
	"os"
	"sync"
	"syscall"
)

// Supervisor escalates an unexpected background worker failure into a
// process-wide shutdown, mirroring setup_exchook/install_thread_excepthook:
// the original installs a sys.excepthook replacement on every worker
// thread so that any uncaught exception there kills the whole process
// rather than silently leaving a half-running mount. Go has no global
// exception hook, so the same effect is reached by having every tracked
// goroutine report through Go, which signals the process with SIGTERM
// the first time anything is reported.
type Supervisor struct {
	log  *slog.Logger
	once sync.Once
	done chan struct{}
}

// NewSupervisor returns a Supervisor ready to track goroutines.
func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{log: orDefaultLogger(log), done: make(chan struct{})}
}

// Done is closed once escalation has happened, letting the mount's main
// goroutine select on it alongside its own shutdown signal.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Go runs fn in its own goroutine. If fn panics, the panic is recovered,
// logged, and the process is sent SIGTERM so that any installed signal
// handler can run the normal unmount sequence instead of leaving a
// corrupt cache directory behind.
func (s *Supervisor) Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.escalate(name, r)
			}
		}()
		fn()
	}()
}

// Report escalates a non-panic error from a tracked worker (e.g. the
// metadata upload worker giving up after repeated failures), the
// counterpart to Go's panic recovery path.
func (s *Supervisor) Report(name string, err error) {
	if err == nil {
		return
	}
	s.escalate(name, err)
}

func (s *Supervisor) escalate(name string, cause interface{}) {
	s.once.Do(func() {
		s.log.Error("background worker failed, escalating to process shutdown",
			"component", component, "worker", name, "cause", cause)
		close(s.done)
		syscall.Kill(os.Getpid(), syscall.SIGTERM)
	})
}
