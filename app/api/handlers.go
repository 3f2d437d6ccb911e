package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smartystudio/smarty-google-feed-generator/app/events"
	"github.com/smartystudio/smarty-google-feed-generator/app/feed"
	"github.com/smartystudio/smarty-google-feed-generator/app/tasks"
	"github.com/smartystudio/smarty-google-feed-generator/app/xmlbuilder"
)

const contentTypeXML = "application/xml; charset=utf-8"

func NewHandler(definitions *feed.Definitions, feeds FeedService, coordinator CoordinatorInterface,
	scheduler tasks.TaskSchedulerInterface, version string) *Handler {
	return &Handler{
		definitions: definitions,
		feeds:       feeds,
		coordinator: coordinator,
		scheduler:   scheduler,
		version:     version,
		startedAt:   time.Now(),
	}
}

// ServeFeed answers requests for the path of any enabled feed definition.
// Feed consumers always get XML back, even on errors.
func (h *Handler) ServeFeed(c *gin.Context) {
	def, ok := h.definitions.ByPath(c.Request.URL.Path)
	if !ok {
		writeXMLError(c, http.StatusNotFound, "feed not found")
		return
	}
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Header("Allow", "GET, HEAD")
		writeXMLError(c, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := c.Request.Context()
	data, err := h.feeds.Generate(ctx, def.Kind, true)
	if err == nil {
		writeFeed(c, def, data)
		return
	}

	if errors.Is(err, feed.ErrUpstreamUnavailable) {
		stale, modTime, staleErr := h.feeds.Stale(ctx, def.Kind)
		if staleErr == nil {
			slog.Warn("Serving stale feed", "feed", def.Name, "written_at", modTime, "error", err)
			c.Header("X-Feed-Stale", "true")
			c.Header("Last-Modified", modTime.UTC().Format(http.TimeFormat))
			writeFeed(c, def, stale)
			return
		}
		slog.Error("Feed unavailable", "feed", def.Name, "error", err)
		writeXMLError(c, http.StatusServiceUnavailable, "feed temporarily unavailable")
		return
	}

	slog.Error("Feed generation error", "feed", def.Name, "error", err)
	writeXMLError(c, http.StatusInternalServerError, "feed generation failed")
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().In(time.Local).Format(time.RFC3339),
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
		"definitions": h.definitions.Count(),
		"version":     h.version,
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	states := h.coordinator.States()
	status := h.feeds.Status()

	defs := h.definitions.All()
	feeds := make([]map[string]interface{}, 0, len(defs))
	for _, def := range defs {
		info := map[string]interface{}{
			"name":      def.Name,
			"kind":      def.Kind,
			"path":      def.Path,
			"file":      def.File,
			"enabled":   def.Enabled,
			"scheduled": def.Scheduled,
			"state":     states[def.Kind],
		}
		if def.TTL > 0 {
			info["ttl"] = (time.Duration(def.TTL) * time.Second).String()
		}
		if s, ok := status[def.Kind]; ok {
			info["last_generation"] = s
		}
		feeds = append(feeds, info)
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"feeds": feeds,
		"total": len(feeds),
	})
}

// APIPostEvent applies a catalog change event synchronously.
func (h *Handler) APIPostEvent(c *gin.Context) {
	var event events.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event", "details": err.Error()})
		return
	}

	if err := events.Dispatch(c.Request.Context(), h.coordinator, event); err != nil {
		slog.Error("Event handling error", "type", event.Type, "entity", event.EntityID, "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Failed to apply event", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"type":    event.Type,
		"states":  h.coordinator.States(),
	})
}

func (h *Handler) APIRegenerateFeed(c *gin.Context) {
	def, ok := h.lookup(c)
	if !ok {
		return
	}

	data, err := h.feeds.Refresh(c.Request.Context(), def.Kind)
	if err != nil {
		slog.Error("Feed regeneration error", "feed", def.Name, "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Failed to regenerate feed", "details": err.Error()})
		return
	}
	h.coordinator.MarkValid(def.Kind)

	response := gin.H{
		"success": true,
		"feed":    def.Name,
		"bytes":   len(data),
	}
	if s, ok := h.feeds.Status()[def.Kind]; ok {
		response["entries"] = s.Entries
		response["skipped"] = s.Skipped
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handler) APIInvalidateFeed(c *gin.Context) {
	def, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := h.feeds.Invalidate(c.Request.Context(), def.Kind); err != nil {
		slog.Error("Feed invalidation error", "feed", def.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to invalidate feed", "details": err.Error()})
		return
	}
	h.coordinator.MarkInvalidated(def.Kind)

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"feed":      def.Name,
		"cache_key": def.CacheKey,
	})
}

func (h *Handler) APIReloadDefinitions(c *gin.Context) {
	task := tasks.NewReloadDefinitionsTask(h.definitions)
	if err := h.scheduler.EnqueueTask(task); err != nil {
		slog.Error("Error enqueueing reload task", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue reload task",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"task": gin.H{
			"id":   task.ID,
			"type": task.Type,
		},
	})
}

func (h *Handler) lookup(c *gin.Context) (*feed.Definition, bool) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing feed name parameter"})
		return nil, false
	}

	def, err := h.definitions.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed definition not found"})
		return nil, false
	}
	return def, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, events.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, feed.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeFeed(c *gin.Context, def *feed.Definition, data []byte) {
	c.Header("X-Feed-Name", def.Name)
	c.Header("Content-Length", strconv.Itoa(len(data)))
	c.Data(http.StatusOK, contentTypeXML, data)
}

func writeXMLError(c *gin.Context, status int, message string) {
	doc := xmlbuilder.NewDocument("error", nil)
	doc.Root().SetText(message)

	body, err := xmlbuilder.Serialize(doc)
	if err != nil {
		// Only reachable with a message XML cannot carry.
		body = []byte(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<error/>\n")
	}
	c.Data(status, contentTypeXML, body)
	c.Abort()
}
