// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"medidrop/internal/modules/broadcast"
	"medidrop/internal/modules/directory"
	"medidrop/internal/modules/order"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the uuid and Firebase UID shapes the API hands out.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeInternal(c *gin.Context, err error) {
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal error")
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidState), errors.Is(err, order.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeInternal(c, err)
	}
}

func writeBroadcastError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, broadcast.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, broadcast.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, broadcast.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, broadcast.ErrAlreadyResolved), errors.Is(err, broadcast.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeInternal(c, err)
	}
}

func writeDirectoryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, directory.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeInternal(c, err)
	}
}
