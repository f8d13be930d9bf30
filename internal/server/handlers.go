package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/serenline/vigil/internal/auth"
	"github.com/serenline/vigil/internal/escalation"
	"github.com/serenline/vigil/internal/ingest"
	"github.com/serenline/vigil/internal/model"
	"github.com/serenline/vigil/internal/siren"
	"github.com/serenline/vigil/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	engine              *escalation.Engine
	ingest              *ingest.Service
	sirens              *siren.Controller
	ledger              *ingest.LedgerBuffer
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Broker and Ledger are optional (nil-safe).
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Engine              *escalation.Engine
	Ingest              *ingest.Service
	Sirens              *siren.Controller
	Ledger              *ingest.LedgerBuffer
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		engine:              d.Engine,
		ingest:              d.Ingest,
		sirens:              d.Sirens,
		ledger:              d.Ledger,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id and api_key are required")
		return
	}

	user, err := h.db.GetUserByUserID(r.Context(), req.UserID)
	if err != nil || user.APIKeyHash == nil {
		// Burn comparable time so the response doesn't reveal whether
		// the user exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if user.Banned {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "account is banned")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
//
// With ?call_id= the stream is scoped to one call (participants and staff
// only). Without it the stream is user-scoped: the caller sees events where
// they are the client, reader, or siren target; monitors and admins see all.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	filter := SubscriptionFilter{UserID: claims.UserID, Role: claims.Role}
	if rawID := r.URL.Query().Get("call_id"); rawID != "" {
		callID, err := uuid.Parse(rawID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid call_id")
			return
		}
		call, err := h.db.GetCall(r.Context(), callID)
		if err != nil {
			h.mapStorageError(w, r, err)
			return
		}
		if !canAccessCall(claims, call) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a participant of this call")
			return
		}
		filter.CallID = &callID
	}

	// ResponseController reaches through middleware wrappers (via Unwrap)
	// for flushing and write-deadline control.
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Ledger buffer health: >50% capacity = high, >75% = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.ledger != nil {
		bufDepth = h.ledger.Len()
		capacity := h.ledger.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Postgres:     pgStatus,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// writeInternalError logs and writes a 500 without leaking internals.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// mapStorageError translates storage sentinel errors into API error responses.
func (h *Handlers) mapStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
	case errors.Is(err, storage.ErrAlreadyAccepted):
		writeError(w, r, http.StatusConflict, model.ErrCodeAlreadyAccepted, "call already accepted by another reader")
	case errors.Is(err, storage.ErrCallEnded):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidTransition, "call already ended")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidTransition, "invalid status transition")
	case errors.Is(err, storage.ErrInvalidReference):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidReference, "referenced entity does not exist")
	default:
		h.writeInternalError(w, r, "storage operation failed", err)
	}
}

// canAccessCall reports whether claims may read a call: its participants and
// monitoring staff.
func canAccessCall(claims *auth.Claims, call model.EmergencyCall) bool {
	if model.RoleAtLeast(claims.Role, model.RoleMonitor) {
		return true
	}
	if claims.UserID == call.ClientID {
		return true
	}
	return call.ReaderID != nil && *call.ReaderID == claims.UserID
}

// --- Shared helpers ---

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params,
// clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
