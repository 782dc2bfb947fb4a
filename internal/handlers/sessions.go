package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/holonext/scenesync/internal/collab"
	"github.com/holonext/scenesync/pkg/errors"
	"github.com/holonext/scenesync/pkg/response"
)

// SessionHandler exposes a read surface over the session engine plus the
// explicit history reset capability. Mutations still flow exclusively
// through the websocket queue.
type SessionHandler struct {
	manager *collab.Manager
}

// NewSessionHandler constructs the REST handler over the session manager.
func NewSessionHandler(manager *collab.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// History returns the session's recorded operations in applied order.
// Unknown sessions yield an empty history, not an error.
func (h *SessionHandler) History(c *gin.Context) {
	key := strings.TrimSpace(c.Param("id"))
	if key == "" {
		response.Error(c, errors.NewBadRequest("session id is required"))
		return
	}

	if user := strings.TrimSpace(c.Query("user")); user != "" {
		response.Success(c, http.StatusOK, gin.H{"history": h.manager.Log().ForUser(key, user)})
		return
	}

	response.Success(c, http.StatusOK, gin.H{"history": h.manager.Log().All(key)})
}

// Users returns the session's current roster.
func (h *SessionHandler) Users(c *gin.Context) {
	key := strings.TrimSpace(c.Param("id"))
	if key == "" {
		response.Error(c, errors.NewBadRequest("session id is required"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"room":  key,
		"users": h.manager.Registry().UsersIn(key),
	})
}

// ResetHistory clears the session's history. Intended for an idle session;
// concurrent appends are safe but whatever is in flight survives the reset.
func (h *SessionHandler) ResetHistory(c *gin.Context) {
	key := strings.TrimSpace(c.Param("id"))
	if key == "" {
		response.Error(c, errors.NewBadRequest("session id is required"))
		return
	}

	h.manager.Log().Reset(key)
	response.Success(c, http.StatusOK, gin.H{"reset": key})
}
