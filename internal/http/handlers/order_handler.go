// README: Order handlers for create/get/cancel/deliver.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"medidrop/internal/http/middleware"
	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

type OrderHandler struct {
	order *order.Service
}

func NewOrderHandler(svc *order.Service) *OrderHandler {
	return &OrderHandler{order: svc}
}

type createOrderReq struct {
	Kind       string  `json:"kind"`
	DropoffLat float64 `json:"dropoff_lat"`
	DropoffLng float64 `json:"dropoff_lng"`
	Summary    string  `json:"summary"`
}

// Create opens an order for the calling patient.
func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Kind == "" {
		writeError(c, http.StatusBadRequest, "missing fields")
		return
	}
	id, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		PatientID: types.ID(middleware.CallerUID(c)),
		Kind:      order.Kind(req.Kind),
		Dropoff:   types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng},
		Summary:   req.Summary,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"order_id": id, "status": order.StatusPending})
}

func (h *OrderHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := h.order.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID:   types.ID(id),
		ActorType: "patient",
		ActorID:   types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusCancelled})
}

// Deliver closes an order; only the assigned delivery partner may call it.
func (h *OrderHandler) Deliver(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	err := h.order.Deliver(c.Request.Context(), order.DeliverCommand{
		OrderID:   types.ID(id),
		PartnerID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusDelivered})
}
