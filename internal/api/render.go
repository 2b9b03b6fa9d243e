package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/framework-shells/appserver/internal/agentpty"
	"github.com/framework-shells/appserver/internal/bridge"
	"github.com/framework-shells/appserver/internal/shellrt"
	"github.com/framework-shells/appserver/internal/store"
)

// renderError writes the uniform {error:{kind,message}} body.
func renderError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{"error": gin.H{"kind": kind, "message": message}})
}

// fail classifies an error into its kind and HTTP status.
func fail(c *gin.Context, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, agentpty.ErrValidation):
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, agentpty.ErrBusy):
		renderError(c, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, agentpty.ErrModeInteractive):
		renderError(c, http.StatusConflict, "mode_interactive", err.Error())
	case errors.Is(err, agentpty.ErrTimeout):
		renderError(c, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, agentpty.ErrSessionGone), errors.Is(err, shellrt.ErrShellGone):
		renderError(c, http.StatusGone, "shell_gone", err.Error())
	case errors.Is(err, agentpty.ErrUnknownBlock):
		renderError(c, http.StatusNotFound, "validation_error", err.Error())
	case errors.Is(err, store.ErrNotFound):
		renderError(c, http.StatusNotFound, "validation_error", err.Error())
	case errors.Is(err, store.ErrImmutableThreadID):
		renderError(c, http.StatusConflict, "immutable_thread_id", err.Error())
	case errors.Is(err, store.ErrActiveConversation):
		renderError(c, http.StatusConflict, "validation_error", err.Error())
	default:
		if be, ok := err.(*bridge.Error); ok {
			renderError(c, bridgeStatus(be.Kind), be.Kind, be.Message)
			return
		}
		renderError(c, http.StatusInternalServerError, "rpc_error", err.Error())
	}
}

func bridgeStatus(kind string) int {
	switch kind {
	case bridge.KindValidation:
		return http.StatusBadRequest
	case bridge.KindRPCTimeout:
		return http.StatusGatewayTimeout
	case bridge.KindApprovalStale:
		return http.StatusConflict
	case bridge.KindImmutableThreadID:
		return http.StatusConflict
	case bridge.KindChildCrashed, bridge.KindInitializeFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
