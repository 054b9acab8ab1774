package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"go-chat-core/internal/logger"
	myMiddleware "go-chat-core/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Tokens travel in-band, not in cookies.
	},
}

type Handler struct {
	hub       *Hub
	validator TokenValidator
	cfg       ClientConfig
	log       *slog.Logger
}

func NewHandler(hub *Hub, validator TokenValidator, cfg ClientConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		hub:       hub,
		validator: validator,
		cfg:       cfg,
		log:       log,
	}
}

// ServeWs upgrades the request and runs the session until it ends. The
// client authenticates with its first frame, so the route is public.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, logger.Err(err))
		return
	}

	client := NewClient(h.hub, conn, h.validator, h.cfg, h.log)
	client.Run(context.WithoutCancel(r.Context()))
}

// GetHistory pages a room's messages older than ?before=, newest last.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil || roomID <= 0 {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = strconv.ParseInt(v, 10, 64)
		if err != nil || before < 0 {
			http.Error(w, "invalid before", http.StatusBadRequest)
			return
		}
	}

	limit := DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	msgs, err := h.hub.History(r.Context(), UserID(userID), RoomID(roomID), MessageID(before), limit)
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	case err != nil:
		h.log.Error("load history", "room_id", roomID, logger.Err(err))
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}
