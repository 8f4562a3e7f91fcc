// Package monitor observes environment signals that correlate with exam rule
// violations and reports them as violation records.
//
// Monitoring is a best-effort deterrent. Sources such as the devtools
// heuristic are trivially bypassable and are never treated as a security
// boundary; the monitor only feeds the violation input of the session
// controller and never submits or navigates on its own.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/model"
)

// queueSize bounds the violations waiting for the sink.
const queueSize = 64

// Signal is a raw observation from a source.
type Signal struct {
	Type   model.ViolationType
	Detail string
	At     time.Time
	// UserAgent of the page that observed the signal. Empty falls back to
	// Options.UserAgent.
	UserAgent string
}

// SignalSource is one pluggable origin of signals. Attach starts observing
// and returns the function that stops it. The monitor calls detach exactly once.
type SignalSource interface {
	Name() string
	Attach(emit func(Signal)) (detach func(), err error)
}

// Fullscreen exits fullscreen mode on teardown.
type Fullscreen interface {
	Exit() error
}

// Sink receives violations, one at a time, in emission order.
type Sink func(model.Violation)

// Options tunes a monitor.
type Options struct {
	UserAgent string
	// QuestionIndex returns the question the candidate is on when a signal fires.
	QuestionIndex func() int
	Fullscreen    Fullscreen
	// Cooldown collapses repeated signals of the same type inside the window.
	// Zero keeps every signal.
	Cooldown time.Duration
	Now      func() time.Time
}

// ErrNoSink is returned when Start is called without a sink.
var ErrNoSink = errors.New("monitor: sink is required")

type attached struct {
	name   string
	detach func()
}

// Handle owns a running monitor. Stop is the only way to release it.
type Handle struct {
	opts Options
	sink Sink
	log  zerolog.Logger

	queue chan model.Violation
	quit  chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	sources  []attached
	lastSeen map[model.ViolationType]time.Time
	emitted  int
	stopped  bool
	stopOnce sync.Once
}

// Start attaches every source and begins delivering violations to sink.
// If any source fails to attach, the sources attached so far are released
// before the error is returned.
func Start(sources []SignalSource, sink Sink, opts Options, log zerolog.Logger) (_ *Handle, err error) {
	if sink == nil {
		return nil, ErrNoSink
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	h := &Handle{
		opts:     opts,
		sink:     sink,
		log:      log.With().Str("component", "integrity_monitor").Logger(),
		queue:    make(chan model.Violation, queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		lastSeen: make(map[model.ViolationType]time.Time),
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: attach panicked: %v", r)
		}
		if err != nil {
			h.release()
			close(h.done)
		}
	}()

	for _, src := range sources {
		if src == nil {
			continue
		}
		detach, attachErr := src.Attach(h.emit)
		if attachErr != nil {
			return nil, fmt.Errorf("attach %s: %w", src.Name(), attachErr)
		}
		h.mu.Lock()
		h.sources = append(h.sources, attached{name: src.Name(), detach: detach})
		h.mu.Unlock()
	}

	go h.dispatch()

	h.log.Info().Int("sources", len(h.sources)).Msg("Integrity monitor started")
	return h, nil
}

// emit turns a signal into a violation and queues it for the sink.
// It never blocks the source.
func (h *Handle) emit(sig Signal) {
	now := sig.At
	if now.IsZero() {
		now = h.opts.Now()
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if h.opts.Cooldown > 0 {
		if last, ok := h.lastSeen[sig.Type]; ok && now.Sub(last) < h.opts.Cooldown {
			h.mu.Unlock()
			return
		}
	}
	h.lastSeen[sig.Type] = now
	h.emitted++
	h.mu.Unlock()

	idx := 0
	if h.opts.QuestionIndex != nil {
		idx = h.opts.QuestionIndex()
	}

	v := model.Violation{
		Type:          sig.Type,
		Detail:        sig.Detail,
		QuestionIndex: idx,
		Timestamp:     now,
		UserAgent:     sig.UserAgent,
	}
	if v.UserAgent == "" {
		v.UserAgent = h.opts.UserAgent
	}

	select {
	case h.queue <- v:
	default:
		h.log.Warn().Str("type", string(sig.Type)).Msg("Violation queue full, dropping signal")
	}
}

func (h *Handle) dispatch() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			return
		case v := <-h.queue:
			h.deliver(v)
		}
	}
}

func (h *Handle) deliver(v model.Violation) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("type", string(v.Type)).Msg("Violation sink panicked")
		}
	}()
	h.sink(v)
}

// Stop detaches every source exactly once, stops delivery and exits
// fullscreen. Calling Stop again is a no-op.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.release()
		close(h.quit)
		h.log.Info().Msg("Integrity monitor stopped")
	})
}

// Done is closed when the delivery goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Emitted returns how many signals were accepted (after cooldown).
func (h *Handle) Emitted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.emitted
}

// release detaches sources in reverse order and exits fullscreen. Failures
// are logged and swallowed.
func (h *Handle) release() {
	h.mu.Lock()
	h.stopped = true
	sources := h.sources
	h.sources = nil
	h.mu.Unlock()

	for i := len(sources) - 1; i >= 0; i-- {
		h.safeDetach(sources[i])
	}

	if h.opts.Fullscreen != nil {
		if err := h.opts.Fullscreen.Exit(); err != nil {
			h.log.Debug().Err(err).Msg("Exit fullscreen failed")
		}
	}
}

func (h *Handle) safeDetach(a attached) {
	if a.detach == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("source", a.name).Msg("Detach panicked")
		}
	}()
	a.detach()
}
