package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gold-monitor/internal/chart"
	"gold-monitor/internal/config"
	"gold-monitor/internal/fluctuation"
	"gold-monitor/internal/service"
	"gold-monitor/internal/source"
	"gold-monitor/internal/stats"
)

// Monitor is the engine surface used by the handlers.
type Monitor interface {
	Settings() config.Settings
	UpdateSettings(ctx context.Context, patch config.SettingsPatch) (config.Settings, error)
	FetchNow(ctx context.Context) (service.Snapshot, error)
	Latest() (service.Snapshot, bool)
	Stats() map[source.ID]stats.SourceStats
	LastAlert(id source.ID) (time.Time, bool)
	Window(id source.ID) []fluctuation.Sample
	Registry() *source.Registry
	TestNotification(ctx context.Context, endpoint string) error
	Interval() time.Duration
}

// Subscribers is the live feed attached at /ws.
type Subscribers interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Clients() int
}

// Handler contains all HTTP handlers.
type Handler struct {
	monitor Monitor
	subs    Subscribers
	logger  zerolog.Logger
}

// NewHandler creates a handler. subs may be nil, which disables /ws.
func NewHandler(monitor Monitor, subs Subscribers, logger zerolog.Logger) *Handler {
	return &Handler{monitor: monitor, subs: subs, logger: logger}
}

// Health reports liveness plus a few runtime figures.
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"sources":     h.monitor.Registry().IDs(),
		"interval_ms": h.monitor.Interval().Milliseconds(),
	}
	if snap, ok := h.monitor.Latest(); ok {
		body["latest_update"] = snap.UpdatedAt
	}
	if h.subs != nil {
		body["connections"] = h.subs.Clients()
	}
	c.JSON(http.StatusOK, body)
}

// GetConfig returns the settings in effect.
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Settings())
}

// UpdateConfig merges a partial settings document.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var patch config.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	settings, err := h.monitor.UpdateSettings(c.Request.Context(), patch)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "config": settings})
}

// GetPrice runs an on-demand cycle and returns the combined snapshot. The
// cycle outlives a disconnecting client.
func (h *Handler) GetPrice(c *gin.Context) {
	snap, err := h.monitor.FetchNow(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type sourceStats struct {
	Name        string     `json:"name"`
	Unit        string     `json:"unit"`
	LastAlertAt *time.Time `json:"lastAlertAt,omitempty"`
	stats.SourceStats
}

// GetStats returns the daily stats of every registered source.
func (h *Handler) GetStats(c *gin.Context) {
	all := h.monitor.Stats()
	out := make(map[source.ID]sourceStats, len(all))
	for _, entry := range h.monitor.Registry().Entries() {
		st, ok := all[entry.Meta.ID]
		if !ok {
			continue
		}
		view := sourceStats{Name: entry.Meta.Name, Unit: entry.Meta.Unit, SourceStats: st}
		if at, ok := h.monitor.LastAlert(entry.Meta.ID); ok {
			view.LastAlertAt = &at
		}
		out[entry.Meta.ID] = view
	}
	c.JSON(http.StatusOK, gin.H{"stats": out})
}

// GetChart renders the fluctuation window of one source as PNG.
func (h *Handler) GetChart(c *gin.Context) {
	id, err := source.ParseID(c.Param("source"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	entry, ok := h.monitor.Registry().Lookup(id)
	if !ok {
		respondError(c, http.StatusNotFound, "unknown source "+string(id))
		return
	}

	opts := chart.Options{
		Title:     entry.Meta.Name,
		Unit:      entry.Meta.Unit,
		Width:     queryInt(c, "width"),
		Height:    queryInt(c, "height"),
		MaxPoints: queryInt(c, "points"),
	}
	if st, ok := h.monitor.Stats()[id]; ok && st.PrevClose.Valid {
		opts.Reference = st.PrevClose.Decimal.InexactFloat64()
	}

	var buf bytes.Buffer
	if err := chart.RenderPNG(&buf, h.monitor.Window(id), opts); err != nil {
		handleError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

type testNotificationRequest struct {
	URL string `json:"url"`
}

// TestNotification sends a fixed push to the given endpoint, or to the
// configured ones when none is given.
func (h *Handler) TestNotification(c *gin.Context) {
	var req testNotificationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	err := h.monitor.TestNotification(c.Request.Context(), req.URL)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, config.ErrInvalidSettings):
		handleError(c, err)
	default:
		h.logger.Warn().Err(err).Msg("test notification failed")
		respondError(c, http.StatusBadGateway, err.Error())
	}
}

// WebSocket attaches the connection to the live feed.
func (h *Handler) WebSocket(c *gin.Context) {
	if h.subs == nil {
		respondError(c, http.StatusNotFound, "live feed disabled")
		return
	}
	h.subs.ServeWS(c.Writer, c.Request)
}

func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return 0
	}
	// keep rendering bounded
	if v > 4096 {
		return 4096
	}
	return v
}
