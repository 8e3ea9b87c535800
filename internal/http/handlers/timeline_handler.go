// Timeline HTTP handlers.
//
// This file exposes the timeline configuration and its projections:
//   - GET  /timelines               (active configuration)
//   - PUT  /timelines               (replace, validate, persist, reconcile)
//   - GET  /timelines/{id}/items    (projection, weak ETag)
//   - POST /timelines/{id}/refresh  (fetch newest page)
//   - POST /timelines/{id}/more     (page backwards)
//   - GET  /timelines/{id}/events   (live projection over server-sent events)
package handlers

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/fedi-timeline-sync/internal/http/middleware"
	"github.com/tbourn/fedi-timeline-sync/internal/services"
	"github.com/tbourn/fedi-timeline-sync/internal/timeline"
)

// TimelinesRequest is the payload of PUT /timelines.
type TimelinesRequest struct {
	Timelines []timeline.Config `json:"timelines" binding:"required"`
}

// TimelinesResponse lists normalized timeline configs.
type TimelinesResponse struct {
	Timelines []timeline.Config `json:"timelines"`
}

// ItemsResponse is one projection of a timeline.
type ItemsResponse struct {
	Timeline timeline.Config `json:"timeline"`
	Items    []services.Item `json:"items"`
}

// FetchResponse reports a refresh or load-more. Warning carries per-backend
// failures when other backends still delivered records.
type FetchResponse struct {
	Fetched int    `json:"fetched" example:"40"`
	Warning string `json:"warning,omitempty"`
}

// itemsETag fingerprints a projection, including interaction flags and
// edits, so any visible change yields a new tag.
func itemsETag(id string, items []services.Item) string {
	h := fnv.New64a()
	_ = json.NewEncoder(h).Encode(items)
	return fmt.Sprintf(`W/"tl:%s:%d:%x"`, id, len(items), h.Sum64())
}

// ListTimelines godoc
// @ID          listTimelines
// @Summary     List timelines
// @Description Returns the active, normalized timeline configuration in display order.
// @Tags        Timelines
// @Produce     json
// @Success     200  {object}  handlers.TimelinesResponse
// @Router      /timelines [get]
func (h *Handlers) ListTimelines(c *gin.Context) {
	ok(c, http.StatusOK, TimelinesResponse{Timelines: h.engine.ListTimelines()})
}

// PutTimelines godoc
// @ID          putTimelines
// @Summary     Replace timelines
// @Description Validates, normalizes and persists the timeline list, then reconciles streams and refreshes every timeline in the background.
// @Tags        Timelines
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.TimelinesRequest  true  "Timeline configuration"
// @Success     200   {object}  handlers.TimelinesResponse
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid configuration"
// @Failure     500   {object}  handlers.ErrorResponse  "Storage failure"
// @Router      /timelines [put]
func (h *Handlers) PutTimelines(c *gin.Context) {
	var req TimelinesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	saved, err := h.engine.ApplyTimelines(c.Request.Context(), req.Timelines)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, TimelinesResponse{Timelines: saved})
}

// TimelineItems godoc
// @ID          timelineItems
// @Summary     Timeline projection
// @Description Returns the merged, newest-first projection of one timeline from the local store. Supports weak ETag via If-None-Match.
// @Tags        Timelines
// @Produce     json
// @Param       id             path    string  true   "Timeline ID"  example(home)
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  handlers.ItemsResponse
// @Header      200  {string}  ETag  "Weak ETag for current projection"
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Timeline not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Storage failure"
// @Router      /timelines/{id}/items [get]
func (h *Handlers) TimelineItems(c *gin.Context) {
	cfg, items, err := h.engine.Items(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	etag := itemsETag(cfg.ID, items)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, ItemsResponse{Timeline: cfg, Items: items})
}

// RefreshTimeline godoc
// @ID          refreshTimeline
// @Summary     Fetch newest page
// @Description Fetches the newest page of every backend (and tag) the timeline draws from and ingests it.
// @Tags        Timelines
// @Produce     json
// @Param       id   path      string  true  "Timeline ID"
// @Success     200  {object}  handlers.FetchResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Timeline not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Backend failure"
// @Router      /timelines/{id}/refresh [post]
func (h *Handlers) RefreshTimeline(c *gin.Context) {
	n, err := h.engine.Refresh(c.Request.Context(), c.Param("id"))
	fetched(c, n, err)
}

// LoadMore godoc
// @ID          loadMore
// @Summary     Load older records
// @Description Pages each backend (and tag) of the timeline backwards from its cursor and ingests the result.
// @Tags        Timelines
// @Produce     json
// @Param       id   path      string  true  "Timeline ID"
// @Success     200  {object}  handlers.FetchResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Timeline not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Backend failure"
// @Router      /timelines/{id}/more [post]
func (h *Handlers) LoadMore(c *gin.Context) {
	n, err := h.engine.LoadMore(c.Request.Context(), c.Param("id"))
	fetched(c, n, err)
}

// fetched reports a partial success as 200 with a warning.
func fetched(c *gin.Context, n int, err error) {
	if err != nil && n == 0 {
		failErr(c, err)
		return
	}
	resp := FetchResponse{Fetched: n}
	if err != nil {
		resp.Warning = err.Error()
		middleware.LoggerFrom(c).Warn().Err(err).Int("fetched", n).Msg("partial fetch")
	}
	ok(c, http.StatusOK, resp)
}

type snapshot struct {
	items []services.Item
	err   error
}

// TimelineEvents godoc
// @ID          timelineEvents
// @Summary     Live projection
// @Description Server-sent events: an "items" event with the full projection now and after every change, "error" events for failed recomputations, and "ping" heartbeats.
// @Tags        Timelines
// @Produce     text/event-stream
// @Param       id   path    string  true  "Timeline ID"
// @Success     200  {string}  string  "event stream"
// @Failure     404  {object}  handlers.ErrorResponse  "Timeline not found"
// @Router      /timelines/{id}/events [get]
func (h *Handlers) TimelineEvents(c *gin.Context) {
	ctx := c.Request.Context()
	updates := make(chan snapshot, 1)
	// Only the latest projection matters; a slow client skips intermediate ones.
	push := func(items []services.Item, err error) {
		s := snapshot{items: items, err: err}
		select {
		case updates <- s:
		default:
			select {
			case <-updates:
			default:
			}
			updates <- s
		}
	}
	cancel, err := h.engine.Watch(ctx, c.Param("id"), push)
	if err != nil {
		failErr(c, err)
		return
	}
	defer cancel()

	// Event streams outlive the server's write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	hb := h.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	ticker := time.NewTicker(hb)
	defer ticker.Stop()

	id := c.Param("id")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case s := <-updates:
			if s.err != nil {
				c.SSEvent("error", ErrorResponse{Code: ErrCodeStorageFailed, Message: s.err.Error()})
				return true
			}
			c.SSEvent("items", gin.H{"etag": itemsETag(id, s.items), "items": s.items})
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}
