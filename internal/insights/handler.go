package insights

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ouvidoriag/ogfinal-sub001/internal/filter"
	apperrors "github.com/ouvidoriag/ogfinal-sub001/pkg/errors"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler exposes the Service over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger.WithComponent("insights-handler"),
	}
}

// options are the non-filter fields a request body may carry next to the
// filters.
type options struct {
	Limit    int            `json:"limit"`
	Field    string         `json:"field"`
	PageSize int            `json:"pageSize"`
	Cursor   string         `json:"cursor"`
	Query    map[string]any `json:"query"`
}

// readRequest reads the body once and returns the parsed filter node along
// with the side options.
func (h *Handler) readRequest(w http.ResponseWriter, r *http.Request) (filter.Node, options, error) {
	var opts options
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, opts, &filter.ValidationError{Reason: "request body too large or unreadable"}
	}
	if len(body) == 0 {
		return nil, opts, nil
	}
	if err := json.Unmarshal(body, &opts); err != nil {
		return nil, opts, &filter.ValidationError{Reason: "request body must be a JSON object"}
	}
	node, err := h.svc.ParseFilters(body)
	return node, opts, err
}

// Dimension handles POST /api/v1/dimensions/{name}.
func (h *Handler) Dimension(w http.ResponseWriter, r *http.Request) {
	node, opts, err := h.readRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	rows, err := h.svc.Dimension(r.Context(), name, node, opts.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dimension": name, "data": rows})
}

// Overview handles POST /api/v1/overview.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	node, _, err := h.readRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ov, err := h.svc.Overview(r.Context(), node)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ov)
}

// Dashboard handles POST /api/v1/dashboard.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	node, _, err := h.readRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.svc.Dashboard(r.Context(), node)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// Pivot handles POST /api/v1/pivot.
func (h *Handler) Pivot(w http.ResponseWriter, r *http.Request) {
	node, opts, err := h.readRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.svc.Pivot(r.Context(), opts.Field, node)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"field": opts.Field, "data": rows})
}

// Records handles POST /api/v1/records.
func (h *Handler) Records(w http.ResponseWriter, r *http.Request) {
	node, opts, err := h.readRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.svc.Records(r.Context(), RecordsQuery{
		Filters:  node,
		Query:    opts.Query,
		PageSize: opts.PageSize,
		Cursor:   opts.Cursor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// Distinct handles GET /api/v1/distinct/{field}?limit=N.
func (h *Handler) Distinct(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, &filter.ValidationError{Path: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	field := r.PathValue("field")
	values, err := h.svc.Distinct(r.Context(), field, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"field": field, "values": values})
}

// CacheStats handles GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.CacheStats())
}

// invalidateRequest names patterns directly or through changed fields.
type invalidateRequest struct {
	Patterns []string `json:"patterns"`
	Fields   []string `json:"fields"`
}

// Invalidate handles POST /api/v1/cache/invalidate.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, &filter.ValidationError{Reason: "request body must be a JSON object"})
		return
	}
	res, err := h.svc.Invalidate(r.Context(), req.Patterns, req.Fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeError maps err onto its status. Validation messages are returned
// verbatim; server-side failures get a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	msg := http.StatusText(status)
	var ve *filter.ValidationError
	var ae *apperrors.AppError
	switch {
	case errors.As(err, &ve):
		msg = ve.Error()
	case errors.As(err, &ae):
		msg = ae.Message
	case errors.Is(err, apperrors.ErrTimeout):
		msg = "aggregation timed out, narrow the filters and retry"
	case errors.Is(err, apperrors.ErrDatastoreUnavailable):
		msg = "datastore unavailable, retry later"
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, map[string]any{"error": msg, "retryable": apperrors.IsRetryable(err)})
}
