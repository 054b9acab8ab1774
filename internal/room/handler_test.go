package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/logger"
	myMiddleware "go-chat-core/internal/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	created []*CreateRoomRequest
	rooms   []chat.Room
}

func (f *fakeStore) Create(_ context.Context, creator chat.UserID, req *CreateRoomRequest) (*chat.Room, error) {
	if err := req.validate(creator); err != nil {
		return nil, err
	}
	f.created = append(f.created, req)
	return &chat.Room{ID: chat.RoomID(len(f.created)), Name: req.Name, Kind: req.Kind, CreatedAt: time.Now()}, nil
}

func (f *fakeStore) ListForUser(context.Context, chat.UserID) ([]chat.Room, error) {
	return f.rooms, nil
}

type joinCall struct {
	room  chat.RoomID
	users []chat.UserID
}

type fakeJoiner struct {
	calls []joinCall
}

func (f *fakeJoiner) JoinRoom(_ context.Context, room chat.RoomID, users ...chat.UserID) error {
	f.calls = append(f.calls, joinCall{room: room, users: users})
	return nil
}

func asUser(r *http.Request, id int64) *http.Request {
	return r.WithContext(myMiddleware.WithUser(r.Context(), id, "tester"))
}

func TestCreateRoom(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "closed room", body: `{"name":"general","kind":"closed","member_ids":[2,3]}`, status: http.StatusCreated},
		{name: "direct room", body: `{"kind":"direct","member_ids":[2]}`, status: http.StatusCreated},
		{name: "direct needs one other member", body: `{"kind":"direct","member_ids":[2,3]}`, status: http.StatusBadRequest},
		{name: "direct with only self", body: `{"kind":"direct","member_ids":[1]}`, status: http.StatusBadRequest},
		{name: "unknown kind", body: `{"name":"x","kind":"public"}`, status: http.StatusBadRequest},
		{name: "malformed body", body: `{`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeStore{}, nil, logger.Discard())
			req := asUser(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(tt.body)), 1)
			rec := httptest.NewRecorder()

			h.CreateRoom(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusCreated {
				var room chat.Room
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&room))
				assert.NotZero(t, room.ID)
			}
		})
	}
}

func TestCreateRoomRequiresUser(t *testing.T) {
	h := NewHandler(&fakeStore{}, nil, logger.Discard())
	rec := httptest.NewRecorder()

	h.CreateRoom(rec, httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{"kind":"open"}`)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListRooms(t *testing.T) {
	store := &fakeStore{rooms: []chat.Room{{ID: 2, Name: "b", Kind: chat.RoomOpen}, {ID: 1, Name: "a", Kind: chat.RoomClosed}}}
	h := NewHandler(store, nil, logger.Discard())
	rec := httptest.NewRecorder()

	h.ListRooms(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/rooms", nil), 1))

	require.Equal(t, http.StatusOK, rec.Code)
	var rooms []chat.Room
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rooms))
	require.Len(t, rooms, 2)
	assert.Equal(t, chat.RoomID(2), rooms[0].ID)
}

func TestCreateRoomRequestMembers(t *testing.T) {
	req := &CreateRoomRequest{Kind: chat.RoomClosed, MemberIDs: []int64{3, 1, 3, 2}}

	assert.Equal(t, []chat.UserID{3, 2}, req.members(1))
}

func TestCreateRoomJoinsLiveConnections(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		users []chat.UserID
	}{
		{name: "closed room joins its members", body: `{"name":"team","kind":"closed","member_ids":[2,3,2]}`, users: []chat.UserID{1, 2, 3}},
		{name: "direct room joins both ends", body: `{"kind":"direct","member_ids":[2]}`, users: []chat.UserID{1, 2}},
		{name: "open room offers everyone", body: `{"name":"lobby","kind":"open"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			joiner := &fakeJoiner{}
			h := NewHandler(&fakeStore{}, joiner, logger.Discard())
			rec := httptest.NewRecorder()

			h.CreateRoom(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(tt.body)), 1))

			require.Equal(t, http.StatusCreated, rec.Code)
			require.Len(t, joiner.calls, 1)
			assert.Equal(t, chat.RoomID(1), joiner.calls[0].room)
			assert.Equal(t, tt.users, joiner.calls[0].users)
		})
	}
}

func TestCreateRoomRejectedDoesNotJoin(t *testing.T) {
	joiner := &fakeJoiner{}
	h := NewHandler(&fakeStore{}, joiner, logger.Discard())
	rec := httptest.NewRecorder()

	h.CreateRoom(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{"kind":"direct"}`)), 1))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, joiner.calls)
}
