// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"time"
)

// UserID identifies a user on the chat network. Correspondents, staff members
// and the relay account itself share this space.
type UserID int64

// MessageID identifies a message on the chat network.
type MessageID int64

// ChannelID identifies a chat or channel on the chat network.
type ChannelID int64

// Identity is a snapshot of a correspondent taken when a message is received.
type Identity struct {
	ID          UserID
	DisplayName string
	Handle      string
}

// Name returns the display name, falling back to the handle.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Handle
}

// MediaKind is the kind of attachment carried by a message.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaVoice    MediaKind = "voice"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Media is a transport-native reference to an attachment. Ref can be passed
// back to the same transport to re-send the attachment without downloading it.
type Media struct {
	Kind     MediaKind
	Ref      string
	FileName string
	MimeType string
}

// Content is the payload of a message. For media messages Text is the caption.
type Content struct {
	Text  string
	Media *Media
}

// IsEmpty reports whether there is nothing to relay.
func (c Content) IsEmpty() bool {
	return c.Text == "" && c.Media == nil
}

// Descriptor returns the short form stored in the feedback log.
func (c Content) Descriptor() string {
	if c.Media == nil {
		return "text"
	}
	return string(c.Media.Kind) + ":" + c.Media.Ref
}

// TargetKind selects between the shared channel and a direct conversation.
type TargetKind int

const (
	TargetChannel TargetKind = iota
	TargetUser
)

// Target is the destination of a send.
type Target struct {
	Kind TargetKind
	ID   int64
}

func ChannelTarget(id ChannelID) Target {
	return Target{Kind: TargetChannel, ID: int64(id)}
}

func UserTarget(id UserID) Target {
	return Target{Kind: TargetUser, ID: int64(id)}
}

// Inbound is a message a correspondent sent to the relay in a direct conversation.
type Inbound struct {
	Sender    Identity
	MessageID MessageID
	Content   Content
	Timestamp time.Time
}

// RepliedMessage is the message a staff reply points at.
type RepliedMessage struct {
	ID       MessageID
	AuthorID UserID
	Content  Content
}

// Reply is a message posted in a channel as a reply to an earlier message.
type Reply struct {
	ChannelID  ChannelID
	MessageID  MessageID
	SenderID   UserID
	SenderName string
	RepliedTo  RepliedMessage
	Content    Content
}

// Sender delivers content to a target and returns the id of the new message.
type Sender interface {
	Send(ctx context.Context, target Target, content Content) (MessageID, error)
}

// EventHandler receives the events a transport observes.
type EventHandler interface {
	HandleInbound(ctx context.Context, msg *Inbound) error
	HandleReply(ctx context.Context, reply *Reply) error
	HandleMigration(ctx context.Context, from, to ChannelID) error
}

// Transport is a connection to a chat network.
type Transport interface {
	Sender
	// SelfID is the id of the account the relay posts as.
	SelfID() UserID
	// HomeChannel is the shared channel id the transport was configured with.
	HomeChannel() ChannelID
	// Run receives events and dispatches them to the handler until ctx is done.
	Run(ctx context.Context, handler EventHandler) error
}
