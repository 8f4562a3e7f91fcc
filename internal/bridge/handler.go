// Package bridge connects the browser exam page to the session agent over a
// local WebSocket. The page sends answer edits, integrity signals and
// navigation; the agent pushes session state back.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/session"
)

// Controller is the part of the session controller the page may drive.
type Controller interface {
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
	SetAnswer(questionID, value string) error
	SetQuestionIndex(i int)
	Submit(ctx context.Context, trigger session.Trigger) (*model.SubmitResult, error)
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Handler serves the page bridge.
type Handler struct {
	ctrl     Controller
	page     *Page
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new Handler.
func NewHandler(ctrl Controller, page *Page, log zerolog.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		ctrl:     ctrl,
		page:     page,
		log:      log.With().Str("component", "bridge").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// State godoc
// GET /api/v1/session
// Returns the current session snapshot.
func (h *Handler) State(c *gin.Context) {
	response.Success(c, http.StatusOK, h.ctrl.Snapshot())
}

// Stream godoc
// WS /ws/v1/session
// Upgrades to WebSocket and relays page actions until the page disconnects.
func (h *Handler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	p := &peer{conn: conn, userAgent: c.Request.UserAgent()}
	h.page.connect(p)
	defer h.page.disconnect(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()
	go h.pushState(ctx, p, updates)

	h.log.Info().
		Str("remote", c.Request.RemoteAddr).
		Str("user_agent", p.userAgent).
		Msg("Page connected")

	for {
		data, err := p.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				h.log.Debug().Msg("Connection closed")
			}
			return
		}
		h.dispatch(ctx, p, data)
	}
}

func (h *Handler) dispatch(ctx context.Context, p *peer, data []byte) {
	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.WriteError("invalid message")
		return
	}

	switch env.Action {
	case ActionAnswer:
		var msg AnswerRequest
		if err := json.Unmarshal(data, &msg); err != nil || msg.QID == "" {
			p.WriteError("q_id is required")
			return
		}
		if err := h.ctrl.SetAnswer(msg.QID, msg.Answer); err != nil {
			p.WriteError(err.Error())
		}

	case ActionSignal:
		var msg SignalRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			p.WriteError("invalid signal")
			return
		}
		if err := h.page.Report(msg.Kind, msg.Detail, msg.Dimensions); err != nil {
			h.log.Debug().Str("kind", msg.Kind).Msg("Unknown signal kind")
			p.WriteError("unknown signal kind: " + msg.Kind)
		}

	case ActionNavigate:
		var msg NavigateRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			p.WriteError("invalid navigate")
			return
		}
		h.ctrl.SetQuestionIndex(msg.Index)

	case ActionSubmit:
		// Submit waits for retries; keep reading meanwhile.
		go h.submit(ctx, p)

	case ActionPing:
		p.WriteTyped(PongResponse{Event: EventPong})

	default:
		h.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		p.WriteError("unknown action: " + string(env.Action))
	}
}

func (h *Handler) submit(ctx context.Context, p *peer) {
	res, err := h.ctrl.Submit(ctx, session.TriggerManual)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.WriteError(err.Error())
		}
		return
	}
	p.WriteTyped(SubmittedResponse{Event: EventSubmitted, Result: *res})
}

// pushState forwards every snapshot to the page, starting with the current one.
func (h *Handler) pushState(ctx context.Context, p *peer, updates <-chan session.Snapshot) {
	if err := p.WriteTyped(StateResponse{Event: EventState, State: h.ctrl.Snapshot()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := p.WriteTyped(StateResponse{Event: EventState, State: s}); err != nil {
				h.log.Debug().Err(err).Msg("State push failed")
				return
			}
		}
	}
}
