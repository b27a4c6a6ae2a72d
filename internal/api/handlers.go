package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/db"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
	"github.com/manpreetbhatti/lattice/coderoom/internal/ws"
)

const roomInfoTimeout = 2 * time.Second

type API struct {
	hub      *ws.Hub
	database *db.Database
	logger   *zap.Logger
}

func New(hub *ws.Hub, database *db.Database, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		hub:      hub,
		database: database,
		logger:   logger,
	}
}

// Router wires every endpoint, the websocket upgrade included
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	}).Methods(http.MethodGet)

	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)

	rooms := r.PathPrefix("/api/rooms").Subrouter()
	rooms.HandleFunc("", a.ListRoomsHandler).Methods(http.MethodGet)
	rooms.HandleFunc("/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	rooms.HandleFunc("/{id}", a.CloseRoomHandler).Methods(http.MethodDelete)
	rooms.HandleFunc("/{id}/blocked", a.ListBlockedHandler).Methods(http.MethodGet)
	rooms.HandleFunc("/{id}/messages", a.ListMessagesHandler).Methods(http.MethodGet)

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, apperr.NotFound("route"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusMethodNotAllowed, ErrorBody{Error: "Method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("Error encoding JSON response", zap.Error(err))
	}
}

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

func errorResponse(w http.ResponseWriter, err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal(err)
	}
	jsonResponse(w, apperr.HTTPStatus(appErr), ErrorBody{
		Error:   appErr.Message,
		Code:    appErr.Code.String(),
		Details: appErr.Details,
	})
}

func (a *API) internalError(w http.ResponseWriter, what string, err error) {
	a.logger.Error(what, zap.Error(err))
	errorResponse(w, apperr.Internal(err))
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"rooms":          a.hub.GetActiveRooms(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err != nil {
			a.logger.Warn("Failed to read store stats", zap.Error(err))
		} else {
			stats["total_rooms"] = dbStats["room_count"]
			stats["open_rooms"] = dbStats["open_room_count"]
			stats["total_messages"] = dbStats["message_count"]
			stats["total_blocked"] = dbStats["blocked_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID           string     `json:"id"`
	Author       string     `json:"author"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	Live         bool       `json:"live"`
	ActiveUsers  int        `json:"active_users"`
	MessageCount int        `json:"message_count,omitempty"`
}

type RoomDetailResponse struct {
	RoomResponse
	Participants []protocol.Participant `json:"participants,omitempty"`
	PendingCount int                    `json:"pending_count"`
	ChatAllowed  bool                   `json:"chat_allowed"`
	Snapshot     *db.Snapshot           `json:"snapshot,omitempty"`
}

func (a *API) roomResponse(room db.Room) RoomResponse {
	members := a.hub.MemberCount(room.ID)
	return RoomResponse{
		ID:          room.ID,
		Author:      room.Author,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
		ClosedAt:    room.ClosedAt,
		Live:        members > 0,
		ActiveUsers: members,
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.internalError(w, "Failed to list rooms", err)
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = a.roomResponse(room)
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// lookupRoom returns the stored room or writes a 404
func (a *API) lookupRoom(w http.ResponseWriter, r *http.Request) (*db.Room, bool) {
	roomID := mux.Vars(r)["id"]

	room, err := a.database.GetRoom(roomID)
	if err != nil {
		a.internalError(w, "Failed to get room", err)
		return nil, false
	}
	if room == nil {
		errorResponse(w, apperr.RoomNotFound(roomID))
		return nil, false
	}
	return room, true
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	room, ok := a.lookupRoom(w, r)
	if !ok {
		return
	}

	response := RoomDetailResponse{RoomResponse: a.roomResponse(*room)}
	response.MessageCount, _ = a.database.GetMessageCount(room.ID)

	snapshot, err := a.database.GetSnapshot(room.ID)
	if err != nil {
		a.logger.Warn("Failed to read snapshot", zap.String("room_id", room.ID), zap.Error(err))
	}
	response.Snapshot = snapshot

	ctx, cancel := context.WithTimeout(r.Context(), roomInfoTimeout)
	defer cancel()

	info, err := a.hub.RoomInfo(ctx, room.ID)
	switch {
	case err == nil:
		response.Live = !info.Closed
		response.Participants = info.Participants
		response.PendingCount = len(info.Pending)
		response.ChatAllowed = info.ChatAllowed
	case errors.Is(err, apperr.ErrRoomNotFound):
		// Stored but not live
	default:
		a.logger.Warn("Failed to read live room", zap.String("room_id", room.ID), zap.Error(err))
	}

	jsonResponse(w, http.StatusOK, response)
}

// CloseRoomHandler ends a live room for everyone and marks it closed in the store.
// With ?purge=true the stored room, its block list, messages and snapshot are deleted too.
func (a *API) CloseRoomHandler(w http.ResponseWriter, r *http.Request) {
	room, ok := a.lookupRoom(w, r)
	if !ok {
		return
	}

	err := a.hub.CloseRoom(room.ID, "closed by operator")
	if err != nil && !errors.Is(err, apperr.ErrRoomNotFound) {
		a.internalError(w, "Failed to close live room", err)
		return
	}

	if r.URL.Query().Get("purge") == "true" {
		if err := a.database.DeleteRoom(room.ID); err != nil {
			a.internalError(w, "Failed to delete room", err)
			return
		}
		a.logger.Info("Room purged via API", zap.String("room_id", room.ID))
		jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
		return
	}

	if err := a.database.CloseRoom(room.ID); err != nil {
		a.internalError(w, "Failed to close room", err)
		return
	}

	a.logger.Info("Room closed via API", zap.String("room_id", room.ID))
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room closed"})
}

func (a *API) ListBlockedHandler(w http.ResponseWriter, r *http.Request) {
	room, ok := a.lookupRoom(w, r)
	if !ok {
		return
	}

	blocked, err := a.database.ListBlocked(room.ID)
	if err != nil {
		a.internalError(w, "Failed to list blocked emails", err)
		return
	}
	if blocked == nil {
		blocked = []db.BlockedEmail{}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id": room.ID,
		"blocked": blocked,
	})
}

func (a *API) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	room, ok := a.lookupRoom(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	messages, err := a.database.ListMessages(room.ID, limit, offset)
	if err != nil {
		a.internalError(w, "Failed to list messages", err)
		return
	}
	if messages == nil {
		messages = []db.Message{}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id":  room.ID,
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}
