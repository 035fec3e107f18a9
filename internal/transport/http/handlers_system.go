package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/clockguard"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/httputil"
)

// SystemHandler exposes the audit trail and clock state.
type SystemHandler struct {
	events *eventlog.Service
	clock  interface{ Latest() clockguard.State }
}

func NewSystemHandler(events *eventlog.Service, clock interface{ Latest() clockguard.State }) *SystemHandler {
	return &SystemHandler{events: events, clock: clock}
}

func (h *SystemHandler) Register(r chi.Router) {
	r.Get("/events", h.HandleEvents)
	r.Get("/events/summary", h.HandleSummary)
	r.Get("/clock", h.HandleClock)
}

// HandleEvents serves the audit trail. Query parameters: type (repeatable),
// since (RFC3339), after_position, limit.
func (h *SystemHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filter eventlog.Filter
	query := r.URL.Query()
	for _, t := range query["type"] {
		filter.Types = append(filter.Types, eventlog.EventType(t))
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "since must be RFC3339"))
			return
		}
		filter.Since = since
	}
	if raw := query.Get("after_position"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "after_position must be a non-negative integer"))
			return
		}
		filter.AfterPosition = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	events, err := h.events.Export(ctx, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if events == nil {
		events = []eventlog.SystemEvent{}
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

func (h *SystemHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "since must be RFC3339"))
			return
		}
		since = parsed
	}

	stats, err := h.events.Summarize(ctx, since)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *SystemHandler) HandleClock(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.clock.Latest())
}
