// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/feedback-relay/pkg/config"
	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
)

const (
	testToken  = "syt_bot_token"
	testBot    = id.UserID("@relay:example.org")
	testRoom   = id.RoomID("!staff:example.org")
	testDevice = id.DeviceID("RELAYDEV")
)

type sentEvent struct {
	RoomID  id.RoomID
	Type    string
	Content map[string]any
}

// fakeHomeserver simulates the client-server API endpoints the relay uses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu      sync.Mutex
	sent    []sentEvent
	joined  []id.RoomID
	created []mautrixCreate
	nextID  int

	// Events maps event ID to the raw event returned by GetEvent.
	Events map[id.EventID]map[string]any
	// Members maps "room|user" to a display name.
	Members map[string]string
	// Tombstones maps a room to its replacement.
	Tombstones map[id.RoomID]id.RoomID
	// Forbidden rooms reject sends with M_FORBIDDEN.
	Forbidden map[id.RoomID]bool
	// Syncs are returned in order by /sync, then empty batches.
	Syncs []map[string]any
}

type mautrixCreate struct {
	Invite   []id.UserID `json:"invite"`
	IsDirect bool        `json:"is_direct"`
	Preset   string      `json:"preset"`
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{
		Events:     make(map[id.EventID]map[string]any),
		Members:    make(map[string]string),
		Tombstones: make(map[id.RoomID]id.RoomID),
		Forbidden:  make(map[id.RoomID]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": strings.ToLower(code)})
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN")
		return
	}
	body, _ := io.ReadAll(r.Body)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/"), "/")

	switch {
	case r.Method == http.MethodGet && parts[0] == "account" && parts[1] == "whoami":
		writeJSON(w, http.StatusOK, map[string]any{"user_id": testBot, "device_id": testDevice})

	case r.Method == http.MethodPost && parts[0] == "user" && len(parts) == 3 && parts[2] == "filter":
		writeJSON(w, http.StatusOK, map[string]any{"filter_id": "filter1"})

	case r.Method == http.MethodGet && parts[0] == "sync":
		f.handleSync(w, r)

	case r.Method == http.MethodPost && parts[0] == "createRoom":
		var req mautrixCreate
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		f.created = append(f.created, req)
		roomID := id.RoomID(fmt.Sprintf("!dm%d:example.org", len(f.created)))
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID})

	case parts[0] == "rooms" && len(parts) >= 3:
		f.handleRoom(w, r, id.RoomID(parts[1]), parts[2:], body)

	default:
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED")
	}
}

func (f *fakeHomeserver) handleRoom(w http.ResponseWriter, r *http.Request, roomID id.RoomID, parts []string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPut && parts[0] == "send":
		if f.Forbidden[roomID] {
			writeError(w, http.StatusForbidden, "M_FORBIDDEN")
			return
		}
		var content map[string]any
		_ = json.Unmarshal(body, &content)
		f.sent = append(f.sent, sentEvent{RoomID: roomID, Type: parts[1], Content: content})
		f.nextID++
		writeJSON(w, http.StatusOK, map[string]any{"event_id": fmt.Sprintf("$sent%d", f.nextID)})

	case r.Method == http.MethodPost && parts[0] == "join":
		f.joined = append(f.joined, roomID)
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID})

	case r.Method == http.MethodGet && parts[0] == "event" && len(parts) == 2:
		evt, ok := f.Events[id.EventID(parts[1])]
		if !ok {
			writeError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		writeJSON(w, http.StatusOK, evt)

	case r.Method == http.MethodGet && parts[0] == "state" && len(parts) >= 2 && parts[1] == "m.room.tombstone":
		replacement, ok := f.Tombstones[roomID]
		if !ok {
			writeError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"body": "upgraded", "replacement_room": replacement})

	case r.Method == http.MethodGet && parts[0] == "state" && len(parts) == 3 && parts[1] == "m.room.member":
		name, ok := f.Members[string(roomID)+"|"+parts[2]]
		if !ok {
			writeError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"membership": "join", "displayname": name})

	default:
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED")
	}
}

func (f *fakeHomeserver) handleSync(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	f.mu.Lock()
	var resp map[string]any
	if len(f.Syncs) > 0 {
		resp = f.Syncs[0]
		f.Syncs = f.Syncs[1:]
	}
	f.mu.Unlock()
	if resp == nil {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
		resp = map[string]any{"next_batch": since + "x"}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeHomeserver) Sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeHomeserver) Joined() []id.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.RoomID(nil), f.joined...)
}

func (f *fakeHomeserver) Created() []mautrixCreate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mautrixCreate(nil), f.created...)
}

// memAliases is an in-memory Aliases implementation.
type memAliases struct {
	mu      sync.Mutex
	next    int64
	forward map[string]int64
	reverse map[string]string
}

func newMemAliases() *memAliases {
	return &memAliases{forward: make(map[string]int64), reverse: make(map[string]string)}
}

func (m *memAliases) GetOrCreate(_ context.Context, kind relaydb.AliasKind, remoteID string) (int64, error) {
	if remoteID == "" {
		return 0, fmt.Errorf("empty remote id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(kind) + ":" + remoteID
	if alias, ok := m.forward[key]; ok {
		return alias, nil
	}
	m.next++
	m.forward[key] = m.next
	m.reverse[fmt.Sprintf("%s:%d", kind, m.next)] = remoteID
	return m.next, nil
}

func (m *memAliases) Remote(_ context.Context, kind relaydb.AliasKind, alias int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reverse[fmt.Sprintf("%s:%d", kind, alias)], nil
}

func (m *memAliases) mustAlias(t *testing.T, kind relaydb.AliasKind, remoteID string) int64 {
	t.Helper()
	alias, err := m.GetOrCreate(context.Background(), kind, remoteID)
	if err != nil {
		t.Fatalf("GetOrCreate(%s, %q): %v", kind, remoteID, err)
	}
	return alias
}

// memState is an in-memory State implementation.
type memState struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemState() *memState {
	return &memState{values: make(map[string]string)}
}

func (s *memState) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *memState) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// recordingHandler captures the events a transport dispatches.
type recordingHandler struct {
	mu         sync.Mutex
	inbound    []*relay.Inbound
	replies    []*relay.Reply
	migrations [][2]relay.ChannelID
	notify     chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 16)}
}

func (h *recordingHandler) signal() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) HandleInbound(_ context.Context, msg *relay.Inbound) error {
	h.mu.Lock()
	h.inbound = append(h.inbound, msg)
	h.mu.Unlock()
	h.signal()
	return nil
}

func (h *recordingHandler) HandleReply(_ context.Context, reply *relay.Reply) error {
	h.mu.Lock()
	h.replies = append(h.replies, reply)
	h.mu.Unlock()
	h.signal()
	return nil
}

func (h *recordingHandler) HandleMigration(_ context.Context, from, to relay.ChannelID) error {
	h.mu.Lock()
	h.migrations = append(h.migrations, [2]relay.ChannelID{from, to})
	h.mu.Unlock()
	h.signal()
	return nil
}

type testEnv struct {
	tr      *Transport
	hs      *fakeHomeserver
	aliases *memAliases
	state   *memState
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hs := newFakeHomeserver(t)
	env := &testEnv{hs: hs, aliases: newMemAliases(), state: newMemState()}
	tr, err := New(context.Background(), config.MatrixConfig{
		Homeserver:  hs.Server.URL,
		UserID:      testBot.String(),
		AccessToken: testToken,
		RoomID:      testRoom.String(),
	}, env.aliases, env.state, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.tr = tr
	return env
}

// messageEvent builds an already parsed m.room.message event.
func messageEvent(roomID id.RoomID, sender id.UserID, eventID id.EventID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		RoomID:    roomID,
		Sender:    sender,
		ID:        eventID,
		Timestamp: 1700000000000,
		Content:   event.Content{Parsed: content},
	}
}
