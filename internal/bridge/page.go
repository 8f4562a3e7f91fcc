package bridge

import (
	"errors"
	"strings"
	"sync"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/monitor"
)

var (
	ErrUnknownSignal   = errors.New("bridge: unknown signal kind")
	ErrNoPage          = errors.New("bridge: no page connected")
	errAlreadyAttached = errors.New("bridge: page source already attached")
)

// kindResize only updates the window dimensions.
const kindResize = "resize"

// pageKinds maps DOM event names sent by the page to violation types. The
// page itself suppresses context menu, copy and paste, reverts back
// navigation and warns on unload; the agent only records them.
// Visibility and fullscreen changes fire in both directions, so the page
// sends them only as visibility_hidden and fullscreen_exit.
var pageKinds = map[string]model.ViolationType{
	"visibility_hidden": model.ViolationTabHidden,
	"blur":              model.ViolationWindowBlur,
	"contextmenu":       model.ViolationContextMenu,
	"copy":              model.ViolationCopy,
	"paste":             model.ViolationPaste,
	"popstate":          model.ViolationBackNavigation,
	"beforeunload":      model.ViolationUnloadAttempt,
}

// Page is the monitor's view of the exam page. It is a signal source for
// browser events, the window metrics provider for the devtools heuristic and
// the fullscreen controller used on teardown.
type Page struct {
	mu        sync.Mutex
	emit      func(monitor.Signal)
	dims      monitor.Dimensions
	hasDims   bool
	peer      *peer
	userAgent string
}

// NewPage creates an unattached page.
func NewPage() *Page {
	return &Page{}
}

func (p *Page) Name() string { return "page" }

// Attach implements monitor.SignalSource. A page feeds one monitor at a time.
func (p *Page) Attach(emit func(monitor.Signal)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.emit != nil {
		return nil, errAlreadyAttached
	}
	p.emit = emit
	return func() {
		p.mu.Lock()
		p.emit = nil
		p.mu.Unlock()
	}, nil
}

// UserAgent returns the User-Agent of the last page that connected.
func (p *Page) UserAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userAgent
}

// Dimensions implements monitor.WindowMetrics.
func (p *Page) Dimensions() (monitor.Dimensions, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims, p.hasDims
}

// Report records a browser event. Dimensions, when present, are kept for the
// devtools heuristic. Signals arriving while no monitor is attached are dropped.
func (p *Page) Report(kind, detail string, dims monitor.Dimensions) error {
	kind = strings.ToLower(strings.TrimSpace(kind))

	p.mu.Lock()
	if dims.OuterWidth > 0 || dims.OuterHeight > 0 {
		p.dims = dims
		p.hasDims = true
	}
	emit := p.emit
	ua := p.userAgent
	p.mu.Unlock()

	if kind == kindResize {
		return nil
	}
	t, ok := pageKinds[kind]
	if !ok {
		// Violation type names are accepted as-is, except devtools which the
		// agent detects itself.
		t = model.ViolationType(kind)
		if !t.Valid() || t == model.ViolationDevtoolsOpen {
			return ErrUnknownSignal
		}
	}
	if emit != nil {
		emit(monitor.Signal{Type: t, Detail: detail, UserAgent: ua})
	}
	return nil
}

// Exit implements monitor.Fullscreen by asking the connected page to leave
// fullscreen.
func (p *Page) Exit() error {
	p.mu.Lock()
	pr := p.peer
	p.mu.Unlock()
	if pr == nil {
		return ErrNoPage
	}
	return pr.WriteTyped(CommandResponse{Event: EventExitFullscreen})
}

func (p *Page) connect(pr *peer) {
	p.mu.Lock()
	p.peer = pr
	if pr.userAgent != "" {
		p.userAgent = pr.userAgent
	}
	p.mu.Unlock()
}

func (p *Page) disconnect(pr *peer) {
	p.mu.Lock()
	if p.peer == pr {
		p.peer = nil
	}
	p.mu.Unlock()
}
