package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/stemsi/exstem-session/internal/clock"
	"github.com/stemsi/exstem-session/internal/model"
)

// Default devtools heuristic parameters.
const (
	DefaultDevtoolsInterval  = time.Second
	DefaultDevtoolsThreshold = 160
)

// Dimensions are the outer (window chrome included) and inner (viewport)
// sizes of the exam window in logical pixels.
type Dimensions struct {
	OuterWidth  int `json:"outer_w"`
	OuterHeight int `json:"outer_h"`
	InnerWidth  int `json:"inner_w"`
	InnerHeight int `json:"inner_h"`
}

// WindowMetrics reports the latest known window dimensions. ok is false
// while nothing has been reported yet.
type WindowMetrics interface {
	Dimensions() (d Dimensions, ok bool)
}

// DevtoolsSource infers an open developer-tools panel from the gap between
// outer and inner window size. It fires once per open episode.
type DevtoolsSource struct {
	Metrics   WindowMetrics
	Interval  time.Duration
	Threshold int
}

func (s *DevtoolsSource) Name() string { return "devtools" }

func (s *DevtoolsSource) Attach(emit func(Signal)) (func(), error) {
	if s.Metrics == nil {
		return nil, fmt.Errorf("devtools source: no window metrics")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultDevtoolsInterval
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultDevtoolsThreshold
	}

	var (
		mu      sync.Mutex
		wasOpen bool
	)
	tk := clock.NewTicker(interval, func(now time.Time) {
		d, ok := s.Metrics.Dimensions()
		if !ok {
			return
		}
		open, detail := devtoolsOpen(d, threshold)

		mu.Lock()
		fire := open && !wasOpen
		wasOpen = open
		mu.Unlock()

		if fire {
			sig := Signal{Type: model.ViolationDevtoolsOpen, Detail: detail, At: now}
			if ua, ok := s.Metrics.(interface{ UserAgent() string }); ok {
				sig.UserAgent = ua.UserAgent()
			}
			emit(sig)
		}
	})
	return tk.Stop, nil
}

func devtoolsOpen(d Dimensions, threshold int) (bool, string) {
	dw := d.OuterWidth - d.InnerWidth
	dh := d.OuterHeight - d.InnerHeight
	if dw > threshold || dh > threshold {
		return true, fmt.Sprintf("width gap %dpx, height gap %dpx", dw, dh)
	}
	return false, ""
}

// ChanSource relays signals from a channel until detached or the channel closes.
type ChanSource struct {
	Label   string
	Signals <-chan Signal
}

func (s *ChanSource) Name() string {
	if s.Label == "" {
		return "channel"
	}
	return s.Label
}

func (s *ChanSource) Attach(emit func(Signal)) (func(), error) {
	if s.Signals == nil {
		return nil, fmt.Errorf("%s source: nil channel", s.Name())
	}
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-quit:
				return
			case sig, ok := <-s.Signals:
				if !ok {
					return
				}
				emit(sig)
			}
		}
	}()
	return func() { close(quit) }, nil
}
