package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ignite/datacleanse/internal/pkg/httputil"
	"github.com/ignite/datacleanse/internal/rules"
)

// configResponse is the shared shape of rule-config mutations.
type configResponse struct {
	Success       bool                     `json:"success"`
	Configuration *rules.RuleConfiguration `json:"configuration,omitempty"`
	Message       string                   `json:"message,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// CurrentRuleConfig returns the active configuration.
func (h *Handlers) CurrentRuleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.rules.Get()
	if cfg == nil {
		httputil.JSON(w, http.StatusServiceUnavailable, configResponse{
			Success: false,
			Error:   "no configuration loaded",
		})
		return
	}
	httputil.OK(w, configResponse{Success: true, Configuration: cfg})
}

// UpdateRuleConfig validates and publishes a new configuration. A
// rejected update leaves the active configuration untouched; jobs
// already running keep their snapshot either way.
func (h *Handlers) UpdateRuleConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Configuration *rules.RuleConfiguration `json:"configuration"`
		Description   string                   `json:"description"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Configuration == nil {
		httputil.BadRequest(w, httputil.CodeInvalidConfiguration, "configuration is required")
		return
	}

	if err := h.rules.Update(req.Configuration, req.Description); err != nil {
		status := http.StatusInternalServerError
		code := httputil.CodeInternalError
		if errors.Is(err, rules.ErrInvalidConfiguration) {
			status = http.StatusBadRequest
			code = httputil.CodeInvalidConfiguration
		}
		httputil.ErrorWithDetails(w, status, code, "configuration rejected", err.Error())
		return
	}
	httputil.OK(w, configResponse{
		Success:       true,
		Configuration: h.rules.Get(),
		Message:       "configuration updated",
	})
}

// ReloadRuleConfig re-reads the configuration file source.
func (h *Handlers) ReloadRuleConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Reload(); err != nil {
		httputil.JSON(w, http.StatusBadRequest, configResponse{
			Success: false,
			Error:   err.Error(),
			Message: "reload failed, active configuration unchanged",
		})
		return
	}
	httputil.OK(w, configResponse{
		Success:       true,
		Configuration: h.rules.Get(),
		Message:       "configuration reloaded",
	})
}

// RuleConfigHistory returns superseded configurations, newest first.
func (h *Handlers) RuleConfigHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	history := h.rules.History(limit)
	if history == nil {
		history = []rules.HistoryEntry{}
	}
	httputil.OK(w, map[string]any{
		"history": history,
		"total":   len(history),
	})
}

// RuleConfigStats summarizes the configuration store.
func (h *Handlers) RuleConfigStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.rules.Stats())
}
