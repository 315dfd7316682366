package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/telepipe/internal/instrument"
	"github.com/ashita-ai/telepipe/internal/model"
	"github.com/ashita-ai/telepipe/internal/storage"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	logger  *slog.Logger
	reader  SpanReader
	logRead LogReader
	db      Pinger
	spans   QueueStats
	logs    QueueStats
	version string
}

type messageResponse struct {
	Message string `json:"message"`
}

// HandleGetData handles GET /api. The work runs inside a consumer span named
// getData under the AppController tracer.
func (h *Handlers) HandleGetData(w http.ResponseWriter, r *http.Request) {
	var resp messageResponse
	err := instrument.Run(r.Context(), func(ctx context.Context) error {
		h.logger.InfoContext(ctx, "Getting data...")
		resp = messageResponse{Message: "Hello API"}
		return nil
	},
		instrument.WithTracer("AppController"),
		instrument.WithName("getData"),
		instrument.WithKind(trace.SpanKindConsumer),
	)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetSpan handles GET /api/spans/{span_id}.
func (h *Handlers) HandleGetSpan(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, r, http.StatusNotImplemented, "not_implemented", "span sink does not support reads")
		return
	}
	spanID := r.PathValue("span_id")
	span, err := h.reader.GetSpan(r.Context(), spanID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "span not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "server: get span failed", "span_id", spanID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to read span")
		return
	}
	writeJSON(w, http.StatusOK, span)
}

type traceLogsResponse struct {
	TraceID string            `json:"trace_id"`
	Logs    []model.LogRecord `json:"logs"`
}

// HandleGetTraceLogs handles GET /api/traces/{trace_id}/logs. The optional
// min_severity query parameter (trace, debug, info, warn, error) filters out
// lower severities.
func (h *Handlers) HandleGetTraceLogs(w http.ResponseWriter, r *http.Request) {
	if h.logRead == nil {
		writeError(w, r, http.StatusNotImplemented, "not_implemented", "log sink does not support reads")
		return
	}
	minSeverity := model.SeverityTrace
	if v := r.URL.Query().Get("min_severity"); v != "" {
		sev, err := model.ParseSeverity(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		minSeverity = sev
	}
	traceID := r.PathValue("trace_id")
	recs, err := h.logRead.LogsForTrace(r.Context(), traceID, minSeverity)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "server: read trace logs failed", "trace_id", traceID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to read logs")
		return
	}
	if recs == nil {
		recs = []model.LogRecord{}
	}
	writeJSON(w, http.StatusOK, traceLogsResponse{TraceID: traceID, Logs: recs})
}

type queueHealth struct {
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Dropped  int64  `json:"dropped"`
	Status   string `json:"status"`
}

type healthResponse struct {
	Status   string       `json:"status"`
	Version  string       `json:"version"`
	Database string       `json:"database,omitempty"`
	Spans    *queueHealth `json:"spans,omitempty"`
	Logs     *queueHealth `json:"logs,omitempty"`
}

// HandleHealth handles GET /health. An unreachable database makes the service
// unhealthy; a pipeline queue above 75% of its capacity marks it degraded.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Version: h.version}
	httpStatus := http.StatusOK
	if h.db != nil {
		resp.Database = "connected"
		if err := h.db.Ping(r.Context()); err != nil {
			resp.Database = "disconnected"
			resp.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	for _, q := range []struct {
		stats QueueStats
		dst   **queueHealth
	}{{h.spans, &resp.Spans}, {h.logs, &resp.Logs}} {
		if q.stats == nil {
			continue
		}
		qh := &queueHealth{
			Depth:    q.stats.Len(),
			Capacity: q.stats.Capacity(),
			Dropped:  q.stats.Dropped(),
			Status:   "ok",
		}
		switch {
		case qh.Depth > qh.Capacity*3/4:
			qh.Status = "critical"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		case qh.Depth > qh.Capacity/2:
			qh.Status = "high"
		}
		*q.dst = qh
	}
	writeJSON(w, httpStatus, resp)
}
