// Copyright 2024-2026 Aiku AI

// Package telegram connects the relay to the Telegram Bot API.
//
// Private chats with the bot are correspondent conversations. The configured
// group chat is the shared staff channel: replies posted there are relayed
// back, and group-to-supergroup upgrades are reported as migrations.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/feedback-relay/pkg/config"
	"github.com/aiku/feedback-relay/pkg/relay"
)

const defaultPollTimeout = 60

// The library logger is package global, so only the first transport sets it.
var setLoggerOnce sync.Once

// Transport implements relay.Transport for a Telegram bot.
type Transport struct {
	bot         *tgbotapi.BotAPI
	home        relay.ChannelID
	pollTimeout int
	log         zerolog.Logger
}

var _ relay.Transport = (*Transport)(nil)

// New logs in with the bot token and verifies it with getMe.
func New(cfg config.TelegramConfig, log zerolog.Logger) (*Transport, error) {
	log = log.With().Str("component", "telegram").Logger()
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&botLogger{log: log})
	})

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	// The library has no per-request context, so bound every call instead.
	client := &http.Client{Timeout: time.Duration(pollTimeout+30) * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	log.Info().
		Int64("bot_id", bot.Self.ID).
		Str("username", bot.Self.UserName).
		Int64("group_chat_id", cfg.GroupChatID).
		Msg("Authenticated")
	return &Transport{
		bot:         bot,
		home:        relay.ChannelID(cfg.GroupChatID),
		pollTimeout: pollTimeout,
		log:         log,
	}, nil
}

func (t *Transport) SelfID() relay.UserID {
	return relay.UserID(t.bot.Self.ID)
}

func (t *Transport) HomeChannel() relay.ChannelID {
	return t.home
}

// Send implements relay.Sender. Users are addressed by their private chat,
// which has the same id as the user.
func (t *Transport) Send(ctx context.Context, target relay.Target, content relay.Content) (relay.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg, err := t.bot.Send(buildChattable(target.ID, content))
	if err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.MigrateToChatID != 0 && target.Kind == relay.TargetChannel {
			return 0, &relay.MigratedError{
				From: relay.ChannelID(target.ID),
				To:   relay.ChannelID(tgErr.MigrateToChatID),
			}
		}
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return relay.MessageID(msg.MessageID), nil
}

func buildChattable(chatID int64, content relay.Content) tgbotapi.Chattable {
	if content.Media == nil {
		return tgbotapi.NewMessage(chatID, content.Text)
	}
	file := tgbotapi.FileID(content.Media.Ref)
	switch content.Media.Kind {
	case relay.MediaPhoto:
		cfg := tgbotapi.NewPhoto(chatID, file)
		cfg.Caption = content.Text
		return cfg
	case relay.MediaVideo:
		cfg := tgbotapi.NewVideo(chatID, file)
		cfg.Caption = content.Text
		return cfg
	case relay.MediaVoice:
		cfg := tgbotapi.NewVoice(chatID, file)
		cfg.Caption = content.Text
		return cfg
	case relay.MediaAudio:
		cfg := tgbotapi.NewAudio(chatID, file)
		cfg.Caption = content.Text
		return cfg
	default:
		cfg := tgbotapi.NewDocument(chatID, file)
		cfg.Caption = content.Text
		return cfg
	}
}

// Run long-polls for updates until ctx is done.
func (t *Transport) Run(ctx context.Context, handler relay.EventHandler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	u.AllowedUpdates = []string{"message"}
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	t.log.Info().Int("poll_timeout", t.pollTimeout).Msg("Polling for updates")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, handler, update)
		}
	}
}

func (t *Transport) handleUpdate(ctx context.Context, handler relay.EventHandler, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	log := t.log.With().Int("update_id", update.UpdateID).Int64("chat_id", msg.Chat.ID).Logger()

	var err error
	switch {
	case msg.MigrateToChatID != 0:
		err = handler.HandleMigration(ctx, relay.ChannelID(msg.Chat.ID), relay.ChannelID(msg.MigrateToChatID))
	case msg.MigrateFromChatID != 0:
		err = handler.HandleMigration(ctx, relay.ChannelID(msg.MigrateFromChatID), relay.ChannelID(msg.Chat.ID))
	case msg.Chat.IsPrivate():
		inbound := convertInbound(msg)
		if inbound == nil {
			return
		}
		err = handler.HandleInbound(ctx, inbound)
	case msg.ReplyToMessage != nil:
		reply := convertReply(msg)
		if reply == nil {
			return
		}
		err = handler.HandleReply(ctx, reply)
	default:
		return
	}
	switch {
	case errors.Is(err, relay.ErrCorrelationMiss):
		log.Debug().Int("message_id", msg.MessageID).Msg("Reply did not match a correspondent")
	case err != nil:
		log.Warn().Err(err).Int("message_id", msg.MessageID).Msg("Failed to handle message")
	}
}

func convertInbound(msg *tgbotapi.Message) *relay.Inbound {
	if msg.From == nil || msg.From.IsBot {
		return nil
	}
	return &relay.Inbound{
		Sender:    identityOf(msg.From),
		MessageID: relay.MessageID(msg.MessageID),
		Content:   contentOf(msg),
		Timestamp: msg.Time(),
	}
}

func convertReply(msg *tgbotapi.Message) *relay.Reply {
	if msg.From == nil {
		return nil
	}
	replied := msg.ReplyToMessage
	var author relay.UserID
	if replied.From != nil {
		author = relay.UserID(replied.From.ID)
	}
	return &relay.Reply{
		ChannelID:  relay.ChannelID(msg.Chat.ID),
		MessageID:  relay.MessageID(msg.MessageID),
		SenderID:   relay.UserID(msg.From.ID),
		SenderName: identityOf(msg.From).Name(),
		RepliedTo: relay.RepliedMessage{
			ID:       relay.MessageID(replied.MessageID),
			AuthorID: author,
			Content:  contentOf(replied),
		},
		Content: contentOf(msg),
	}
}

func identityOf(user *tgbotapi.User) relay.Identity {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	return relay.Identity{
		ID:          relay.UserID(user.ID),
		DisplayName: name,
		Handle:      user.UserName,
	}
}

// contentOf extracts the relayable part of a message. Unsupported kinds such
// as stickers or polls yield empty content.
func contentOf(msg *tgbotapi.Message) relay.Content {
	switch {
	case len(msg.Photo) > 0:
		return relay.Content{Text: msg.Caption, Media: &relay.Media{Kind: relay.MediaPhoto, Ref: largestPhoto(msg.Photo).FileID}}
	case msg.Video != nil:
		return relay.Content{Text: msg.Caption, Media: &relay.Media{Kind: relay.MediaVideo, Ref: msg.Video.FileID, MimeType: msg.Video.MimeType}}
	case msg.Voice != nil:
		return relay.Content{Text: msg.Caption, Media: &relay.Media{Kind: relay.MediaVoice, Ref: msg.Voice.FileID, MimeType: msg.Voice.MimeType}}
	case msg.Audio != nil:
		return relay.Content{Text: msg.Caption, Media: &relay.Media{Kind: relay.MediaAudio, Ref: msg.Audio.FileID, MimeType: msg.Audio.MimeType}}
	case msg.Document != nil:
		return relay.Content{Text: msg.Caption, Media: &relay.Media{
			Kind:     relay.MediaDocument,
			Ref:      msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
		}}
	default:
		return relay.Content{Text: msg.Text}
	}
}

func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := sizes[0]
	for _, size := range sizes[1:] {
		if size.Width*size.Height > best.Width*best.Height {
			best = size
		}
	}
	return best
}

// botLogger sends the library's log output to zerolog.
type botLogger struct {
	log zerolog.Logger
}

func (l *botLogger) Println(v ...any) {
	l.log.Warn().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *botLogger) Printf(format string, v ...any) {
	l.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
