// Package interrupt runs shutdown handlers once, in reverse order of
// registration, on SIGINT or SIGTERM or when a shutdown is requested.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Hubmakerlabs/syncr/pkg/context"
	"github.com/Hubmakerlabs/syncr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

type handler struct {
	source string
	fn     func()
}

// T collects handlers and fires them on the first signal or Request.
type T struct {
	mx        sync.Mutex
	handlers  []handler
	requested atomic.Bool
	signals   chan os.Signal
	request   chan struct{}
	done      chan struct{}
	once      sync.Once
}

// New starts listening for signals.
func New() (t *T) {
	t = &T{
		signals: make(chan os.Signal, 1),
		request: make(chan struct{}),
		done:    make(chan struct{}),
	}
	signal.Notify(t.signals, os.Interrupt, syscall.SIGTERM)
	go t.listen()
	return
}

func (t *T) listen() {
	select {
	case sig := <-t.signals:
		log.D.Ln("received signal", sig)
	case <-t.request:
		log.D.Ln("shutdown requested")
	}
	t.requested.Store(true)
	signal.Stop(t.signals)
	t.mx.Lock()
	hs := t.handlers
	t.handlers = nil
	t.mx.Unlock()
	for i := len(hs) - 1; i >= 0; i-- {
		log.T.Ln("running handler", hs[i].source)
		hs[i].fn()
	}
	close(t.done)
}

// AddHandler registers fn to run on shutdown.
func (t *T) AddHandler(fn func()) {
	_, file, line, _ := runtime.Caller(1)
	t.mx.Lock()
	t.handlers = append(t.handlers, handler{fmt.Sprintf("%s:%d", file, line), fn})
	t.mx.Unlock()
}

// Context returns a child of c that is cancelled at shutdown.
func (t *T) Context(c context.T) context.T {
	c, cancel := context.Cancel(c)
	t.AddHandler(cancel)
	return c
}

// Request triggers the shutdown as if a signal arrived. Repeated calls do
// nothing.
func (t *T) Request() { t.once.Do(func() { close(t.request) }) }

func (t *T) Requested() bool { return t.requested.Load() }

// Done is closed once every handler has run.
func (t *T) Done() <-chan struct{} { return t.done }
