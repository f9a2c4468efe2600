// README: Candidate directory handlers for location and availability updates.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"medidrop/internal/http/middleware"
	"medidrop/internal/modules/directory"
	"medidrop/internal/types"
)

type LocationHandler struct {
	directory *directory.Service
}

func NewLocationHandler(svc *directory.Service) *LocationHandler {
	return &LocationHandler{directory: svc}
}

type updateLocationReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type availabilityReq struct {
	Available *bool `json:"available"`
}

func (h *LocationHandler) Update(c *gin.Context) {
	id, ok := h.ownID(c)
	if !ok {
		return
	}
	var req updateLocationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.directory.UpdateLocation(c.Request.Context(), id, types.Point{Lat: req.Lat, Lng: req.Lng}); err != nil {
		writeDirectoryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

func (h *LocationHandler) SetAvailability(c *gin.Context) {
	id, ok := h.ownID(c)
	if !ok {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		writeError(c, http.StatusBadRequest, "available is required")
		return
	}
	if err := h.directory.SetAvailability(c.Request.Context(), id, *req.Available); err != nil {
		writeDirectoryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok", "available": *req.Available})
}

// ownID rejects updates to another candidate's row.
func (h *LocationHandler) ownID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid candidate id")
		return "", false
	}
	if id != middleware.CallerUID(c) {
		writeError(c, http.StatusForbidden, "cannot update another candidate")
		return "", false
	}
	return types.ID(id), true
}
