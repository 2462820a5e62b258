// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

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

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/feedback-relay/pkg/config"
	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
)

const (
	testToken     = "bot-token"
	testBotID     = "botuserid"
	testChannelID = "staffchannel"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM wraps an httptest.Server simulating the parts of the Mattermost
// API the relay uses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall
	posts int

	Users    map[string]*model.User
	Channels map[string]*model.Channel
	// Posts maps post ID to the stored post for GetPost.
	Posts map[string]*model.Post
	// Files maps file ID to its metadata.
	Files map[string]*model.FileInfo
	// FileData maps file ID to its content.
	FileData map[string][]byte
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		Users: map[string]*model.User{
			testBotID: {Id: testBotID, Username: "feedback-bot", IsBot: true},
		},
		Channels: map[string]*model.Channel{
			testChannelID: {Id: testChannelID, Name: "staff", Type: model.ChannelTypeOpen},
		},
		Posts:         make(map[string]*model.Post),
		Files:         make(map[string]*model.FileInfo),
		FileData:      make(map[string][]byte),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls with the given method and path.
func (f *fakeMM) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		auth := r.Header.Get("Authorization")
		if auth != "BEARER "+testToken && auth != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		_ = json.NewEncoder(w).Encode(f.Users[testBotID])

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/"):
		if u, ok := f.Users[path[len("/api/v4/users/"):]]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/channels/direct
	case r.Method == "POST" && path == "/api/v4/channels/direct":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		if len(ids) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(&model.Channel{Id: "dm-" + ids[1], Type: model.ChannelTypeDirect})

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/"):
		if ch, ok := f.Channels[path[len("/api/v4/channels/"):]]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.posts++
		post.Id = fmt.Sprintf("created-post-%d", f.posts)
		post.UserId = testBotID
		f.Posts[post.Id] = &post
		_ = json.NewEncoder(w).Encode(&post)

	// GET /api/v4/posts/{post_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/posts/"):
		if p, ok := f.Posts[path[len("/api/v4/posts/"):]]; ok {
			_ = json.NewEncoder(w).Encode(p)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/files/{file_id}/info
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/files/") && strings.HasSuffix(path, "/info"):
		fileID := strings.TrimSuffix(path[len("/api/v4/files/"):], "/info")
		if fi, ok := f.Files[fileID]; ok {
			_ = json.NewEncoder(w).Encode(fi)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/files/{file_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/files/"):
		if data, ok := f.FileData[path[len("/api/v4/files/"):]]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/files (upload)
	case r.Method == "POST" && path == "/api/v4/files":
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// AddPost stores a post for GetPost lookups.
func (f *fakeMM) AddPost(post *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posts[post.Id] = post
}

// memAliases is an in-memory Aliases implementation.
type memAliases struct {
	mu      sync.Mutex
	next    int64
	forward map[string]int64
	reverse map[string]string
}

var _ Aliases = (*memAliases)(nil)

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

// mustAlias returns the alias of a remote id, failing the test on error.
func (m *memAliases) mustAlias(t *testing.T, kind relaydb.AliasKind, remoteID string) int64 {
	t.Helper()
	alias, err := m.GetOrCreate(context.Background(), kind, remoteID)
	if err != nil {
		t.Fatalf("GetOrCreate(%s, %q): %v", kind, remoteID, err)
	}
	return alias
}

// recordingHandler captures the events a transport dispatches.
type recordingHandler struct {
	mu         sync.Mutex
	inbound    []*relay.Inbound
	replies    []*relay.Reply
	migrations [][2]relay.ChannelID
	err        error
}

func (h *recordingHandler) HandleInbound(_ context.Context, msg *relay.Inbound) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbound = append(h.inbound, msg)
	return h.err
}

func (h *recordingHandler) HandleReply(_ context.Context, reply *relay.Reply) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies = append(h.replies, reply)
	return h.err
}

func (h *recordingHandler) HandleMigration(_ context.Context, from, to relay.ChannelID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.migrations = append(h.migrations, [2]relay.ChannelID{from, to})
	return h.err
}

// newTestTransport connects a Transport to a fresh fake server.
func newTestTransport(t *testing.T) (*Transport, *fakeMM, *memAliases) {
	t.Helper()
	fake := newFakeMM(t)
	aliases := newMemAliases()
	tr, err := New(context.Background(), config.MattermostConfig{
		ServerURL: fake.Server.URL,
		Token:     testToken,
		ChannelID: testChannelID,
		BotPrefix: "relay_",
	}, aliases, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, fake, aliases
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postedEvent wraps a post in a posted WebSocket event.
func postedEvent(t *testing.T, post *model.Post, channelType model.ChannelType, senderName string) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatal(err)
	}
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":         string(raw),
		"channel_type": string(channelType),
		"sender_name":  "@" + senderName,
	})
}
