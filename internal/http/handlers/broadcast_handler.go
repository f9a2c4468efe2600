// README: Broadcast handlers: start, snapshot, candidate responses, escalation trigger and watch stream.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"medidrop/internal/http/middleware"
	"medidrop/internal/modules/broadcast"
	"medidrop/internal/realtime"
	"medidrop/internal/types"
)

const pingInterval = 30 * time.Second

// Watcher opens a snapshot stream for one broadcast.
type Watcher interface {
	Subscribe(ctx context.Context, id types.ID) (*realtime.Subscription, error)
}

type BroadcastHandler struct {
	broadcasts *broadcast.Service
	watcher    Watcher
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func NewBroadcastHandler(svc *broadcast.Service, watcher Watcher, logger *zap.Logger) *BroadcastHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastHandler{
		broadcasts: svc,
		watcher:    watcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Mobile clients do not send a browser Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

type startBroadcastReq struct {
	Kind    string `json:"kind"`
	OrderID string `json:"order_id"`
}

func (h *BroadcastHandler) Start(c *gin.Context) {
	var req startBroadcastReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Kind == "" || !isValidID(req.OrderID) {
		writeError(c, http.StatusBadRequest, "missing fields")
		return
	}
	b, err := h.broadcasts.Start(c.Request.Context(), broadcast.StartCommand{
		Kind:    broadcast.Kind(req.Kind),
		OrderID: types.ID(req.OrderID),
	})
	if err != nil {
		writeBroadcastError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, b)
}

func (h *BroadcastHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid broadcast id")
		return
	}
	b, err := h.broadcasts.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeBroadcastError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

func (h *BroadcastHandler) Requests(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid broadcast id")
		return
	}
	reqs, err := h.broadcasts.Requests(c.Request.Context(), types.ID(id))
	if err != nil {
		writeBroadcastError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": reqs})
}

type respondReq struct {
	RequestID   string `json:"request_id"`
	BroadcastID string `json:"broadcast_id"`
	CandidateID string `json:"candidate_id"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason"`
}

type respondResp struct {
	Success   bool                 `json:"success"`
	Message   string               `json:"message"`
	Broadcast *broadcast.Broadcast `json:"broadcast,omitempty"`
}

// Respond records accept or reject. Losing a race or answering late is a
// normal outcome and comes back as 200 with success false.
func (h *BroadcastHandler) Respond(c *gin.Context) {
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	caller := middleware.CallerUID(c)
	if req.CandidateID == "" {
		req.CandidateID = caller
	}
	if req.CandidateID != caller {
		writeError(c, http.StatusForbidden, "candidate mismatch")
		return
	}
	if req.RequestID == "" && req.BroadcastID == "" {
		writeError(c, http.StatusBadRequest, "request_id or broadcast_id required")
		return
	}

	res, err := h.broadcasts.Respond(c.Request.Context(), broadcast.RespondCommand{
		RequestID:   types.ID(req.RequestID),
		BroadcastID: types.ID(req.BroadcastID),
		CandidateID: types.ID(req.CandidateID),
		Answer:      broadcast.Answer(req.Decision),
		Reason:      req.Reason,
	})
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, respondResp{Success: true, Message: res.Message, Broadcast: res.Broadcast})
	case errors.Is(err, broadcast.ErrAlreadyResolved):
		writeJSON(c, http.StatusOK, respondResp{Success: false, Message: "this request has already been taken or closed"})
	case errors.Is(err, broadcast.ErrExpired):
		writeJSON(c, http.StatusOK, respondResp{Success: false, Message: "this request has expired"})
	default:
		writeBroadcastError(c, err)
	}
}

// Escalate advances every due broadcast once.
func (h *BroadcastHandler) Escalate(c *gin.Context) {
	res, err := h.broadcasts.Sweep(c.Request.Context())
	if err != nil {
		writeInternal(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// Watch streams snapshots of one broadcast over a websocket: the current row
// first, then every committed change, until the broadcast is terminal or the
// client goes away.
func (h *BroadcastHandler) Watch(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid broadcast id")
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// subscribe before reading so no change between the two is lost
	sub, err := h.watcher.Subscribe(ctx, types.ID(id))
	if err != nil {
		writeInternal(c, err)
		return
	}
	defer sub.Close()

	current, err := h.broadcasts.Get(ctx, types.ID(id))
	if err != nil {
		writeBroadcastError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	version := current.Version
	if err := conn.WriteJSON(current); err != nil || current.Status.Terminal() {
		h.closeNormal(conn)
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case b, ok := <-sub.C:
			if !ok {
				return
			}
			if b.Version <= version {
				continue
			}
			version = b.Version
			if err := conn.WriteJSON(b); err != nil {
				return
			}
			if b.Status.Terminal() {
				h.closeNormal(conn)
				return
			}
		}
	}
}

func (h *BroadcastHandler) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
