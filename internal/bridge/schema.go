package bridge

import (
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/monitor"
	"github.com/stemsi/exstem-session/internal/session"
)

// ─── Actions (Page → Agent) ─────────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionSignal   Action = "signal"
	ActionNavigate Action = "navigate"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest records one answer edit.
type AnswerRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id"`
	Answer string `json:"ans"`
}

// SignalRequest relays a browser event. Kind "resize" only carries window
// dimensions for the devtools heuristic.
type SignalRequest struct {
	Action Action `json:"action"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	monitor.Dimensions
}

// NavigateRequest reports the question the candidate moved to.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index"`
}

// ─── Events (Agent → Page) ──────────────────────────────────────────

type Event string

const (
	EventState          Event = "state"
	EventError          Event = "error"
	EventPong           Event = "pong"
	EventSubmitted      Event = "submitted"
	EventExitFullscreen Event = "exit_fullscreen"
)

type StateResponse struct {
	Event Event            `json:"event"`
	State session.Snapshot `json:"state"`
}

type SubmittedResponse struct {
	Event  Event              `json:"event"`
	Result model.SubmitResult `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

type CommandResponse struct {
	Event Event `json:"event"`
}
