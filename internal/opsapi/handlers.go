package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pumpd/internal/channel"
	"pumpd/internal/eventbus"
	"pumpd/internal/health"
	"pumpd/internal/schedule"
	"pumpd/internal/trigger"
	logx "pumpd/pkg/logx"
)

type StatusSource interface {
	GetStatus() health.Status
}

// Triggers is the schedule control surface of the trigger engine.
type Triggers interface {
	Snapshot() []trigger.TriggerInfo
	Sync(ctx context.Context, id string) error
	Unregister(id string) bool
	LiveCount(id string) int
	ReloadAll(ctx context.Context) (trigger.ReloadReport, error)
}

type Commander interface {
	SendCommand(ctx context.Context, cmd channel.Command) (channel.Ack, error)
	Status() channel.Status
}

// Backend holds the components the API exposes. Nil members disable
// their endpoints (503).
type Backend struct {
	Health   StatusSource
	Triggers Triggers
	Commands Commander
	History  schedule.ActivationLog
	Events   eventbus.Bus
}

type handler struct {
	b       Backend
	token   string
	log     logx.Logger
	streams atomic.Int32
}

// NewHandler builds the ops router. Mutating endpoints, the event stream
// and pprof require cfg.Token when it is set.
func NewHandler(b Backend, cfg Config, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{b: b, token: strings.TrimSpace(cfg.Token), log: log}
	auth := h.withAuth

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /v1/channel", h.channelStatus)
	mux.HandleFunc("GET /v1/schedules", h.listSchedules)
	mux.HandleFunc("GET /v1/schedules/{id}/activations", h.activations)
	mux.HandleFunc("POST /v1/schedules/{id}/sync", auth(h.syncSchedule))
	mux.HandleFunc("DELETE /v1/schedules/{id}", auth(h.unregisterSchedule))
	mux.HandleFunc("POST /v1/reload", auth(h.reload))
	mux.HandleFunc("POST /v1/devices/{deviceKey}/commands", auth(h.sendCommand))
	mux.HandleFunc("GET /v1/events", auth(h.events))
	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.b.Health == nil {
		unavailable(w, "health monitor")
		return
	}
	st := h.b.Health.GetStatus()
	code := http.StatusOK
	if !st.Healthy(health.CommandChannel) {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (h *handler) channelStatus(w http.ResponseWriter, r *http.Request) {
	if h.b.Commands == nil {
		unavailable(w, "command channel")
		return
	}
	writeJSON(w, http.StatusOK, h.b.Commands.Status())
}

func (h *handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	if h.b.Triggers == nil {
		unavailable(w, "trigger engine")
		return
	}
	writeJSON(w, http.StatusOK, h.b.Triggers.Snapshot())
}

func (h *handler) activations(w http.ResponseWriter, r *http.Request) {
	if h.b.History == nil {
		unavailable(w, "activation history")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	out, err := h.b.History.RecentActivations(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.log.Warn("activation history query failed", logx.String("schedule_id", r.PathValue("id")), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []schedule.Activation{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) syncSchedule(w http.ResponseWriter, r *http.Request) {
	if h.b.Triggers == nil {
		unavailable(w, "trigger engine")
		return
	}
	id := r.PathValue("id")
	if err := h.b.Triggers.Sync(r.Context(), id); err != nil {
		code := http.StatusInternalServerError
		if trigger.IsValidation(err) {
			code = http.StatusUnprocessableEntity
		}
		h.log.Warn("schedule sync failed", logx.String("schedule_id", id), logx.Err(err))
		writeError(w, code, err.Error())
		return
	}
	h.log.Info("schedule synced via api", logx.String("schedule_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "registered": h.b.Triggers.LiveCount(id) > 0})
}

func (h *handler) unregisterSchedule(w http.ResponseWriter, r *http.Request) {
	if h.b.Triggers == nil {
		unavailable(w, "trigger engine")
		return
	}
	id := r.PathValue("id")
	removed := h.b.Triggers.Unregister(id)
	h.log.Info("schedule unregistered via api", logx.String("schedule_id", id), logx.Bool("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "removed": removed})
}

func (h *handler) reload(w http.ResponseWriter, r *http.Request) {
	if h.b.Triggers == nil {
		unavailable(w, "trigger engine")
		return
	}
	rep, err := h.b.Triggers.ReloadAll(r.Context())
	if err != nil {
		h.log.Warn("schedule reload failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (h *handler) sendCommand(w http.ResponseWriter, r *http.Request) {
	if h.b.Commands == nil {
		unavailable(w, "command channel")
		return
	}
	var req commandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["state"]; !ok {
		switch req.Command {
		case channel.CommandPumpOn:
			params["state"] = "ON"
		case channel.CommandPumpOff:
			params["state"] = "OFF"
		}
	}
	cmd := channel.NewCommand(r.PathValue("deviceKey"), req.Command, params)
	if err := channel.ValidatePumpCommand(cmd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info("manual device command",
		logx.String("device", cmd.DeviceKey),
		logx.String("command", cmd.Name),
		logx.String("command_id", cmd.ID),
	)
	ack, err := h.b.Commands.SendCommand(r.Context(), cmd)
	switch {
	case err == nil:
	case errors.Is(err, channel.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case channel.IsTransport(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	code := http.StatusOK
	switch ack.Status {
	case channel.AckError:
		code = http.StatusBadGateway
	case channel.AckUnknown:
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, ack)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (h *handler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if h.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == h.token {
				next(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == h.token {
			next(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
