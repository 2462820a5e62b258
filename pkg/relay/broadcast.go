// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BroadcastFailure is a single target a broadcast couldn't reach.
type BroadcastFailure struct {
	Target UserID `json:"target"`
	Error  string `json:"error"`
}

// BroadcastResult summarizes a broadcast run. Partial failure is not an error.
type BroadcastResult struct {
	ID        uuid.UUID          `json:"id"`
	Attempted int                `json:"attempted"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Failures  []BroadcastFailure `json:"failures,omitempty"`
}

// Broadcaster sends the same content to many correspondents.
type Broadcaster struct {
	sender  Sender
	metrics *Metrics
	log     zerolog.Logger
}

func NewBroadcaster(sender Sender, metrics *Metrics, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sender:  sender,
		metrics: metrics,
		log:     log.With().Str("component", "broadcast").Logger(),
	}
}

// Broadcast attempts every distinct target once, in order. A failed target
// never stops the remaining ones.
func (b *Broadcaster) Broadcast(ctx context.Context, targets []UserID, content Content) *BroadcastResult {
	res := &BroadcastResult{ID: uuid.New()}
	log := b.log.With().Str("broadcast_id", res.ID.String()).Logger()

	seen := make(map[UserID]struct{}, len(targets))
	for _, target := range targets {
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		res.Attempted++

		var err error
		if err = ctx.Err(); err == nil {
			_, err = b.sender.Send(ctx, UserTarget(target), content)
		}
		if err != nil {
			res.Failed++
			res.Failures = append(res.Failures, BroadcastFailure{Target: target, Error: err.Error()})
			b.metrics.broadcastSend("failed")
			log.Warn().Err(err).Int64("target", int64(target)).Msg("Broadcast delivery failed")
			continue
		}
		res.Succeeded++
		b.metrics.broadcastSend("delivered")
	}

	log.Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("Broadcast finished")
	return res
}
