// Package eventlistener polls the engine for debug events on a background
// goroutine and forwards them to the debug session.
package eventlistener

import (
	"context"
	"sync"
	"time"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/logflags"
)

// PollInterval is how long one wait on the engine lasts.
const PollInterval = time.Second

// Source is the engine's event queue.
type Source interface {
	WaitForEvent(timeout time.Duration) (engine.Event, bool)
}

// Listener forwards engine events. While corked, events are dropped: this
// hides the stops of internal synchronous steps from the client.
type Listener struct {
	mu     sync.Mutex
	corked bool
	// wasCorked is a sticky copy of corked, cleared only after a full wait
	// cycle observed corked == false. An event that was already on its way
	// when Uncork was called is still dropped.
	wasCorked bool

	interval time.Duration
	log      logflags.Logger
}

func New() *Listener {
	return &Listener{interval: PollInterval, log: logflags.EventsLogger()}
}

// Start polls src until ctx is done. Events are delivered on the returned
// channel, which has the given capacity and is closed when polling stops.
// Events that do not fit in the channel are logged and dropped.
func (l *Listener) Start(ctx context.Context, src Source, capacity int) <-chan engine.Event {
	ch := make(chan engine.Event, capacity)
	go func() {
		defer close(ch)
		for {
			ev, received := src.WaitForEvent(l.interval)
			if ctx.Err() != nil {
				break
			}

			l.mu.Lock()
			if received && !l.wasCorked {
				select {
				case ch <- ev:
				default:
					l.log.Errorf("could not send event %T: channel full", ev)
				}
			} else if received {
				l.log.Debugf("dropped corked event %T", ev)
			}
			l.wasCorked = l.corked
			l.mu.Unlock()
		}
		l.log.Debug("shutting down")
	}()
	return ch
}

// Cork makes the listener drop events until Uncork is called and one more
// wait cycle has finished.
func (l *Listener) Cork() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.corked = true
	l.wasCorked = true
}

func (l *Listener) Uncork() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.corked = false
}

// Corked reports whether Cork is in effect.
func (l *Listener) Corked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.corked
}
