package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/logger"
	myMiddleware "go-chat-core/internal/middleware"
)

type Store interface {
	Create(ctx context.Context, creator chat.UserID, req *CreateRoomRequest) (*chat.Room, error)
	ListForUser(ctx context.Context, userID chat.UserID) ([]chat.Room, error)
}

// Joiner subscribes live connections to a room created after they
// connected. *chat.Hub implements it.
type Joiner interface {
	JoinRoom(ctx context.Context, room chat.RoomID, users ...chat.UserID) error
}

type Handler struct {
	store  Store
	joiner Joiner
	log    *slog.Logger
}

// NewHandler builds the room endpoints. joiner may be nil.
func NewHandler(store Store, joiner Joiner, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, joiner: joiner, log: log}
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	room, err := h.store.Create(r.Context(), chat.UserID(userID), &req)
	switch {
	case errors.Is(err, ErrInvalidKind), errors.Is(err, ErrDirectMembers),
		errors.Is(err, ErrNameTooLong), errors.Is(err, ErrUnknownMember):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.log.Error("create room", "user_id", userID, logger.Err(err))
		http.Error(w, "failed to create room", http.StatusInternalServerError)
		return
	}

	h.log.Info("room created", "room_id", room.ID, "kind", room.Kind, "user_id", userID)

	if h.joiner != nil {
		// Open rooms admit everyone, so every connected user is a candidate.
		var members []chat.UserID
		if room.Kind != chat.RoomOpen {
			members = append([]chat.UserID{chat.UserID(userID)}, req.members(chat.UserID(userID))...)
		}
		if err := h.joiner.JoinRoom(r.Context(), room.ID, members...); err != nil {
			h.log.Warn("live join after create", "room_id", room.ID, logger.Err(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(room)
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rooms, err := h.store.ListForUser(r.Context(), chat.UserID(userID))
	if err != nil {
		h.log.Error("list rooms", "user_id", userID, logger.Err(err))
		http.Error(w, "failed to list rooms", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rooms)
}
