// Copyright 2024-2026 Aiku AI

package relay

import "context"

// Status is the lifecycle state of a feedback record.
type Status string

const (
	StatusNew     Status = "new"
	StatusReplied Status = "replied"
	StatusFailed  Status = "failed"
)

// AuditLog receives an entry for every forward and every reply outcome.
type AuditLog interface {
	// RecordForward is called with a zero relayMsg when the forward failed.
	RecordForward(ctx context.Context, sender Identity, content Content, relayMsg MessageID, status Status) error
	RecordReplyOutcome(ctx context.Context, relayMsg MessageID, correspondent UserID, status Status, replyText string) error
}

// Directory remembers every correspondent that wrote to the relay.
type Directory interface {
	Remember(ctx context.Context, who Identity) error
	All(ctx context.Context) ([]UserID, error)
}
