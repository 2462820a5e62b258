// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"text/template"

	"github.com/rs/zerolog"
)

const (
	testSelf    UserID    = 1000
	testChannel ChannelID = -100
)

// sentMessage records one call to fakeTransport.Send.
type sentMessage struct {
	Target  Target
	Content Content
	ID      MessageID
}

// fakeTransport records sends and lets tests inject failures per target.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentMessage
	nextID MessageID

	// Fail maps a target to the errors returned by successive sends to it.
	Fail map[Target][]error
	// MigrateTo makes sends to the key channel fail with a MigratedError.
	MigrateTo map[ChannelID]ChannelID
}

var _ Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		nextID:    500,
		Fail:      make(map[Target][]error),
		MigrateTo: make(map[ChannelID]ChannelID),
	}
}

func (f *fakeTransport) Send(_ context.Context, target Target, content Content) (MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.Fail[target]; len(errs) > 0 {
		f.Fail[target] = errs[1:]
		if errs[0] != nil {
			return 0, errs[0]
		}
	}
	if target.Kind == TargetChannel {
		if to, ok := f.MigrateTo[ChannelID(target.ID)]; ok {
			return 0, &MigratedError{From: ChannelID(target.ID), To: to}
		}
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{Target: target, Content: content, ID: f.nextID})
	return f.nextID, nil
}

func (f *fakeTransport) SelfID() UserID         { return testSelf }
func (f *fakeTransport) HomeChannel() ChannelID { return testChannel }

func (f *fakeTransport) Run(ctx context.Context, _ EventHandler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeTransport) SentTo(target Target) []sentMessage {
	var out []sentMessage
	for _, s := range f.Sent() {
		if s.Target == target {
			out = append(out, s)
		}
	}
	return out
}

// failingStore is a CorrelationStore whose every call fails.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

var errStoreDown = errors.New("store down")

func (s *failingStore) PutLink(context.Context, *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errStoreDown
}

func (s *failingStore) GetLink(context.Context, MessageID) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, errStoreDown
}

func (s *failingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// memoryAudit records audit entries in memory.
type memoryAudit struct {
	mu       sync.Mutex
	forwards []auditEntry
	replies  []auditEntry
}

type auditEntry struct {
	Correspondent UserID
	RelayMsg      MessageID
	Status        Status
	Text          string
}

func (a *memoryAudit) RecordForward(_ context.Context, sender Identity, content Content, relayMsg MessageID, status Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwards = append(a.forwards, auditEntry{Correspondent: sender.ID, RelayMsg: relayMsg, Status: status, Text: content.Descriptor()})
	return nil
}

func (a *memoryAudit) RecordReplyOutcome(_ context.Context, relayMsg MessageID, correspondent UserID, status Status, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, auditEntry{Correspondent: correspondent, RelayMsg: relayMsg, Status: status, Text: text})
	return nil
}

// memoryDirectory is a Directory backed by a slice.
type memoryDirectory struct {
	mu  sync.Mutex
	ids []UserID
}

func (d *memoryDirectory) Remember(_ context.Context, who Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.ids {
		if id == who.ID {
			return nil
		}
	}
	d.ids = append(d.ids, who.ID)
	return nil
}

func (d *memoryDirectory) All(context.Context) ([]UserID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]UserID(nil), d.ids...), nil
}

// memoryChannelState is a ChannelStateStore backed by a map.
type memoryChannelState struct {
	mu    sync.Mutex
	saved map[ChannelID]ChannelID
}

func (s *memoryChannelState) LoadChannel(_ context.Context, home ChannelID) (ChannelID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.saved[home]
	return current, ok, nil
}

func (s *memoryChannelState) SaveChannel(_ context.Context, home, current ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[ChannelID]ChannelID)
	}
	s.saved[home] = current
	return nil
}

// testEngine bundles an Engine with the fakes behind it.
type testEngine struct {
	*Engine
	transport *fakeTransport
	store     *MemoryStore
	audit     *memoryAudit
	directory *memoryDirectory
}

func newTestEngine(tb testing.TB) *testEngine {
	tb.Helper()
	te := &testEngine{
		transport: newFakeTransport(),
		store:     NewMemoryStore(),
		audit:     &memoryAudit{},
		directory: &memoryDirectory{},
	}
	engine, err := NewEngine(context.Background(), Options{
		Transport: te.transport,
		Store:     te.store,
		Audit:     te.audit,
		Directory: te.directory,
		Messages:  DefaultMessages(),
		Log:       zerolog.Nop(),
	})
	if err != nil {
		tb.Fatalf("NewEngine: %v", err)
	}
	te.Engine = engine
	return te
}

func inboundText(from UserID, name, text string) *Inbound {
	return &Inbound{
		Sender:    Identity{ID: from, DisplayName: name},
		MessageID: 1,
		Content:   Content{Text: text},
	}
}

// replyTo builds a staff reply to a message the relay posted.
func replyTo(msg sentMessage, text string) *Reply {
	return &Reply{
		ChannelID:  ChannelID(msg.Target.ID),
		MessageID:  msg.ID + 1000,
		SenderID:   42,
		SenderName: "staff",
		RepliedTo: RepliedMessage{
			ID:       msg.ID,
			AuthorID: testSelf,
			Content:  msg.Content,
		},
		Content: Content{Text: text},
	}
}

func mustTemplate(tb testing.TB, text string) *template.Template {
	tb.Helper()
	tpl, err := template.New("test").Parse(text)
	if err != nil {
		tb.Fatalf("parse template %q: %v", text, err)
	}
	return tpl
}
