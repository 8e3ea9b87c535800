// Operational HTTP handlers: accounts, streaming connections, retention and
// store statistics.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/fedi-timeline-sync/internal/config"
	"github.com/tbourn/fedi-timeline-sync/internal/mastodon"
	"github.com/tbourn/fedi-timeline-sync/internal/stream"
)

// AccountView is an account without its credentials.
type AccountView struct {
	Name         string `json:"name" example:"main"`
	BackendURL   string `json:"backend_url" example:"https://mastodon.social"`
	StreamingURL string `json:"streaming_url,omitempty"`
	HasToken     bool   `json:"has_token"`
}

// AccountsRequest replaces the account list.
type AccountsRequest struct {
	Accounts []mastodon.Account `json:"accounts" binding:"required"`
}

// AccountsResponse lists the configured accounts in app-index order.
type AccountsResponse struct {
	Accounts []AccountView `json:"accounts"`
}

// StreamsResponse lists managed streaming connections.
type StreamsResponse struct {
	Streams []stream.Status `json:"streams"`
}

func accountViews(accts []mastodon.Account) AccountsResponse {
	out := make([]AccountView, len(accts))
	for i, a := range accts {
		out[i] = AccountView{
			Name:         a.Name,
			BackendURL:   a.BackendURL,
			StreamingURL: a.StreamingURL,
			HasToken:     a.AccessToken != "",
		}
	}
	return AccountsResponse{Accounts: out}
}

// ListAccounts godoc
// @ID          listAccounts
// @Summary     List accounts
// @Description Returns the configured backends in app-index order. Tokens are never returned.
// @Tags        Accounts
// @Produce     json
// @Success     200  {object}  handlers.AccountsResponse
// @Router      /accounts [get]
func (h *Handlers) ListAccounts(c *gin.Context) {
	ok(c, http.StatusOK, accountViews(h.engine.ListAccounts()))
}

// PutAccounts godoc
// @ID          putAccounts
// @Summary     Replace accounts
// @Description Replaces the account list. Timeline filters are renormalized and streams reconciled; an empty list tears the engine down.
// @Tags        Accounts
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.AccountsRequest  true  "Accounts"
// @Success     200   {object}  handlers.AccountsResponse
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid accounts"
// @Router      /accounts [put]
func (h *Handlers) PutAccounts(c *gin.Context) {
	var req AccountsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if err := config.ValidateAccounts(req.Accounts); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidAccounts, err.Error())
		return
	}
	if err := h.engine.SetAccounts(c.Request.Context(), req.Accounts); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, accountViews(h.engine.ListAccounts()))
}

// ListStreams godoc
// @ID          listStreams
// @Summary     Streaming connections
// @Description Returns every managed streaming connection with its state, attempt count and last error.
// @Tags        Streams
// @Produce     json
// @Success     200  {object}  handlers.StreamsResponse
// @Router      /streams [get]
func (h *Handlers) ListStreams(c *gin.Context) {
	ok(c, http.StatusOK, StreamsResponse{Streams: h.engine.StreamStatus()})
}

// RetryStream godoc
// @ID          retryStream
// @Summary     Reconnect a stream
// @Description Reconnects a disconnected or failing stream immediately with a fresh attempt counter.
// @Tags        Streams
// @Accept      json
// @Param       body  body  stream.Key  true  "Stream key"
// @Success     204   {string}  string  "No Content"
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404   {object}  handlers.ErrorResponse  "Unknown stream"
// @Failure     409   {object}  handlers.ErrorResponse  "No accounts configured"
// @Router      /streams/retry [post]
func (h *Handlers) RetryStream(c *gin.Context) {
	var key stream.Key
	if err := c.ShouldBindJSON(&key); err != nil || key.Category == "" || key.BackendURL == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "category and backend_url are required")
		return
	}
	if err := h.engine.RetryStream(key); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// Sweep godoc
// @ID          sweepRetention
// @Summary     Run retention now
// @Description Runs the TTL and length-cap sweeps once and reports what was removed.
// @Tags        Retention
// @Produce     json
// @Success     200  {object}  services.SweepReport
// @Failure     500  {object}  handlers.ErrorResponse  "Storage failure"
// @Router      /retention/sweep [post]
func (h *Handlers) Sweep(c *gin.Context) {
	rep, err := h.engine.Sweep(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, rep)
}

// Stats godoc
// @ID          storeStats
// @Summary     Store statistics
// @Description Record counts per category, the newest stored_at, the last scheduled sweep and stream give-ups.
// @Tags        Retention
// @Produce     json
// @Success     200  {object}  services.RuntimeStats
// @Failure     500  {object}  handlers.ErrorResponse  "Storage failure"
// @Router      /stats [get]
func (h *Handlers) Stats(c *gin.Context) {
	st, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}
