package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/session"
)

// FrameSourceFactory opens the camera for a new session.
type FrameSourceFactory func() (session.FrameSource, error)

// SessionsHandler launches recognition sessions in the background. Only one
// runs at a time.
type SessionsHandler struct {
	session  *session.Session
	frames   FrameSourceFactory
	onFinish func(session.Summary)
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	last    *SessionStatus
	wg      sync.WaitGroup
}

// SessionStatus describes the current or last session.
type SessionStatus struct {
	State   string           `json:"state"`
	Summary *session.Summary `json:"summary,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// NewSessionsHandler creates the handler. onFinish, when set, runs after every
// session.
func NewSessionsHandler(s *session.Session, frames FrameSourceFactory, onFinish func(session.Summary), log *logger.Logger) *SessionsHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &SessionsHandler{
		session:  s,
		frames:   frames,
		onFinish: onFinish,
		log:      log,
	}
}

// Start launches a session. It answers 409 when one is already running.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.running || h.session.State() != session.Idle {
		h.mu.Unlock()
		respondError(w, http.StatusConflict, session.ErrSessionActive.Error())
		return
	}

	src, err := h.frames()
	if err != nil {
		h.mu.Unlock()
		h.log.Error("failed to open frame source", "error", err)
		respondError(w, http.StatusServiceUnavailable, "camera unavailable")
		return
	}

	// The session outlives the request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	h.running = true
	h.cancel = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	go h.run(ctx, src)

	respondJSON(w, http.StatusAccepted, SessionStatus{State: session.Running.String()})
}

func (h *SessionsHandler) run(ctx context.Context, src session.FrameSource) {
	defer h.wg.Done()

	summary, err := h.session.Run(ctx, src)

	status := &SessionStatus{State: session.Idle.String(), Summary: &summary}
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			status.Summary = nil
		}
		status.Error = err.Error()
		h.log.Error("recognition session failed", "error", err)
	}

	h.mu.Lock()
	h.cancel()
	h.running = false
	h.cancel = nil
	h.last = status
	h.mu.Unlock()

	if h.onFinish != nil && status.Summary != nil {
		h.onFinish(summary)
	}
}

// Status reports the running state and the last finished session.
func (h *SessionsHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.session.State()
	if h.running && state == session.Idle {
		state = session.Running
	}
	resp := SessionStatus{State: state.String()}
	if h.last != nil {
		resp.Summary = h.last.Summary
		resp.Error = h.last.Error
	}
	respondJSON(w, http.StatusOK, resp)
}

// Cancel ends the running session early; it still records what it saw.
func (h *SessionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel == nil {
		respondError(w, http.StatusNotFound, "no session running")
		return
	}
	cancel()
	respondJSON(w, http.StatusAccepted, SessionStatus{State: session.Finalizing.String()})
}

// Shutdown cancels a running session and waits for it to finish writing.
func (h *SessionsHandler) Shutdown() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Wait blocks until the running session, if any, has finished.
func (h *SessionsHandler) Wait() {
	h.wg.Wait()
}
