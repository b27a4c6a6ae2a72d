package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/lattice/coderoom/internal/db"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
	"github.com/manpreetbhatti/lattice/coderoom/internal/ws"
)

func setupTestAPI(t *testing.T) (*API, http.Handler, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "coderoom-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	hub := ws.NewHub(database)
	go hub.Run()

	api := New(hub, database, nil)

	cleanup := func() {
		hub.Stop()
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return api, api.Router(), cleanup
}

func do(t *testing.T, handler http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var response map[string]any
	if w.Body.Len() > 0 {
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, response
}

func TestHealthHandler(t *testing.T) {
	_, router, cleanup := setupTestAPI(t)
	defer cleanup()

	w, response := do(t, router, "GET", "/health")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestStatsHandler(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.CreateRoom("stats-room", "alice", "")

	w, response := do(t, router, "GET", "/api/stats")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	for _, key := range []string{"active_rooms", "active_clients", "total_rooms", "total_messages"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
	if response["total_rooms"] != float64(1) {
		t.Errorf("Expected 1 stored room, got %v", response["total_rooms"])
	}
}

func TestGetRoom(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	roomID := "get-test-room"
	api.database.CreateRoom(roomID, "alice", "alice@x.com")
	api.database.SaveSnapshot(db.Snapshot{RoomID: roomID, Content: "print(1)", Language: "python"})

	w, response := do(t, router, "GET", "/api/rooms/"+roomID)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["id"] != roomID {
		t.Errorf("Expected room ID '%s', got '%v'", roomID, response["id"])
	}
	if response["author"] != "alice" {
		t.Errorf("Expected author 'alice', got '%v'", response["author"])
	}
	if response["live"] != false {
		t.Errorf("Stored room without connections should not be live, got %v", response["live"])
	}
	snapshot, ok := response["snapshot"].(map[string]any)
	if !ok || snapshot["content"] != "print(1)" {
		t.Errorf("Expected snapshot content, got %v", response["snapshot"])
	}
}

func TestGetRoomNotFound(t *testing.T) {
	_, router, cleanup := setupTestAPI(t)
	defer cleanup()

	w, response := do(t, router, "GET", "/api/rooms/non-existent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if response["code"] != "ROOM_NOT_FOUND" {
		t.Errorf("Expected code ROOM_NOT_FOUND, got %v", response["code"])
	}
	details, _ := response["details"].(map[string]any)
	if details["room_id"] != "non-existent" {
		t.Errorf("Expected room_id detail, got %v", response["details"])
	}
}

func TestListRooms(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		api.database.CreateRoom(fmt.Sprintf("list-room-%d", i), "alice", "")
	}

	w, response := do(t, router, "GET", "/api/rooms")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	rooms, ok := response["rooms"].([]any)
	if !ok {
		t.Fatal("Response should contain 'rooms' array")
	}
	if len(rooms) != 5 {
		t.Errorf("Expected 5 rooms, got %d", len(rooms))
	}
}

func TestListRoomsPagination(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		api.database.CreateRoom(fmt.Sprintf("page-room-%d", i), "alice", "")
	}

	tests := []struct {
		name          string
		query         string
		expectedCount int
	}{
		{"Default limit", "", 10},
		{"Limit 5", "?limit=5", 5},
		{"Limit with offset", "?limit=5&offset=8", 2},
		{"Invalid limit falls back", "?limit=-1", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, response := do(t, router, "GET", "/api/rooms"+tt.query)
			rooms, _ := response["rooms"].([]any)
			if len(rooms) != tt.expectedCount {
				t.Errorf("Expected %d rooms, got %d", tt.expectedCount, len(rooms))
			}
		})
	}
}

func TestListBlocked(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.CreateRoom("R1", "alice", "")
	api.database.BlockEmail("R1", "bob@x.com")

	w, response := do(t, router, "GET", "/api/rooms/R1/blocked")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	blocked, _ := response["blocked"].([]any)
	if len(blocked) != 1 {
		t.Fatalf("Expected 1 blocked email, got %d", len(blocked))
	}
	if entry := blocked[0].(map[string]any); entry["email"] != "bob@x.com" {
		t.Errorf("Expected bob@x.com, got %v", entry["email"])
	}

	w, _ = do(t, router, "GET", "/api/rooms/missing/blocked")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListMessages(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.CreateRoom("R1", "alice", "")
	for i := 0; i < 3; i++ {
		api.database.SaveMessage(db.Message{ID: fmt.Sprint(i), RoomID: "R1", Sender: "alice", Content: "hi", SentAt: time.Now()})
	}

	_, response := do(t, router, "GET", "/api/rooms/R1/messages?limit=2")
	messages, _ := response["messages"].([]any)
	if len(messages) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(messages))
	}
}

func TestCloseStoredRoom(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.CreateRoom("R1", "alice", "")

	w, _ := do(t, router, "DELETE", "/api/rooms/R1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	room, _ := api.database.GetRoom("R1")
	if room.ClosedAt == nil {
		t.Error("Room should be marked closed")
	}

	w, _ = do(t, router, "DELETE", "/api/rooms/missing")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestPurgeStoredRoom(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.CreateRoom("R1", "alice", "alice@x.com")
	api.database.BlockEmail("R1", "bob@x.com")
	api.database.SaveMessage(db.Message{ID: "m1", RoomID: "R1", Sender: "alice", Content: "hi", SentAt: time.Now()})

	w, response := do(t, router, "DELETE", "/api/rooms/R1?purge=true")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["message"] != "Room deleted" {
		t.Errorf("Expected 'Room deleted', got %v", response["message"])
	}

	room, _ := api.database.GetRoom("R1")
	if room != nil {
		t.Error("Room should be deleted")
	}
	if blocked, _ := api.database.IsBlocked("R1", "bob@x.com"); blocked {
		t.Error("Block list should be deleted with the room")
	}

	w, _ = do(t, router, "GET", "/api/rooms/R1")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after purge, got %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, router, cleanup := setupTestAPI(t)
	defer cleanup()

	w, response := do(t, router, "POST", "/api/rooms")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
	if response["code"] != "METHOD_NOT_ALLOWED" {
		t.Errorf("Expected METHOD_NOT_ALLOWED, got %v", response["code"])
	}
}

// End-to-end over a real websocket

func dial(t *testing.T, server *httptest.Server, username, email string, isAuthor bool) *websocket.Conn {
	t.Helper()

	q := url.Values{}
	q.Set("username", username)
	q.Set("email", email)
	q.Set("isAuthor", fmt.Sprint(isAuthor))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	frame, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
}

func await(t *testing.T, conn *websocket.Conn, kind protocol.Kind) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed waiting for %s: %v", kind, err)
		}
		ev, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if ev.Kind() == kind {
			return ev
		}
	}
}

func TestWebSocketSession(t *testing.T) {
	api, router, cleanup := setupTestAPI(t)
	defer cleanup()

	server := httptest.NewServer(router)
	defer server.Close()

	alice := dial(t, server, "alice", "alice@x.com", true)
	emit(t, alice, protocol.JoinRoom{RoomID: "R1"})
	await(t, alice, protocol.KindCurrentParticipants)

	bob := dial(t, server, "bob", "bob@x.com", false)
	emit(t, bob, protocol.RoomExists{RoomID: "R1"})
	if rs := await(t, bob, protocol.KindRoomStatus).(protocol.RoomStatus); !rs.RoomExists {
		t.Fatal("Room should exist")
	}
	emit(t, bob, protocol.JoinRoom{RoomID: "R1"})

	req := await(t, alice, protocol.KindJoinRequest).(protocol.JoinRequest)
	if req.Username != "bob" || req.Email != "bob@x.com" {
		t.Errorf("Expected identity from the query string, got %+v", req)
	}
	emit(t, alice, protocol.ApproveJoinRequest{RoomID: "R1", Username: "bob", Email: "bob@x.com"})
	await(t, bob, protocol.KindJoinRequestApproved)

	emit(t, bob, protocol.CodeChange{RoomID: "R1", Content: "let x = 1"})
	update := await(t, alice, protocol.KindCodeUpdate).(protocol.CodeUpdate)
	if update.Content != "let x = 1" || update.Sender != "bob" {
		t.Errorf("Unexpected code update %+v", update)
	}

	w, response := do(t, router, "GET", "/api/rooms/R1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["live"] != true {
		t.Errorf("Expected live room, got %v", response["live"])
	}
	if participants, _ := response["participants"].([]any); len(participants) != 2 {
		t.Errorf("Expected 2 participants, got %v", response["participants"])
	}

	w, _ = do(t, router, "DELETE", "/api/rooms/R1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	await(t, alice, protocol.KindRoomClosed)
	await(t, bob, protocol.KindRoomClosed)

	room, _ := api.database.GetRoom("R1")
	if room == nil || room.ClosedAt == nil {
		t.Error("Room should be closed in the store")
	}
}

func TestWebSocketRejectsBadFrames(t *testing.T) {
	_, router, cleanup := setupTestAPI(t)
	defer cleanup()

	server := httptest.NewServer(router)
	defer server.Close()

	conn := dial(t, server, "eve", "", false)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"joinRoom","data":{}}`))

	errEv := await(t, conn, protocol.KindError).(protocol.Error)
	if errEv.Code != "INVALID_ARGUMENT" {
		t.Errorf("Expected INVALID_ARGUMENT, got %s", errEv.Code)
	}
}
