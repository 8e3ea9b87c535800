package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

// ActionRequest toggles an interaction flag on a status.
type ActionRequest struct {
	BackendURL string `json:"backend_url" binding:"required" example:"https://mastodon.social"`
	ID         string `json:"id" binding:"required" example:"112233445566778899"`
	// Action is favourited, reblogged or bookmarked.
	Action domain.ActionKind `json:"action" binding:"required" example:"favourited"`
	Value  *bool             `json:"value" binding:"required" example:"true"`
}

// SetAction godoc
// @ID          setAction
// @Summary     Favourite, reblog or bookmark
// @Description Performs the interaction on the backend, then mirrors the flag into every stored copy of the status (including reblogs of it). Statuses not stored locally only get the remote call.
// @Tags        Statuses
// @Accept      json
// @Param       body  body  handlers.ActionRequest  true  "Action"
// @Success     204   {string}  string  "No Content"
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request or unknown action"
// @Failure     404   {object}  handlers.ErrorResponse  "Backend not configured"
// @Failure     502   {object}  handlers.ErrorResponse  "Backend rejected the action"
// @Router      /statuses/actions [post]
func (h *Handlers) SetAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "backend_url, id, action and value are required")
		return
	}
	backend := strings.TrimRight(strings.TrimSpace(req.BackendURL), "/")
	if err := h.engine.SetAction(c.Request.Context(), backend, req.ID, req.Action, *req.Value); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
