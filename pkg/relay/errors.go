// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"fmt"
)

// ErrCorrelationMiss is returned when a reply can't be traced back to a correspondent.
var ErrCorrelationMiss = errors.New("correspondent not found for replied message")

// MigratedError is returned by a transport when the shared channel moved to a new id.
type MigratedError struct {
	From ChannelID
	To   ChannelID
}

func (e *MigratedError) Error() string {
	return fmt.Sprintf("channel %d migrated to %d", e.From, e.To)
}

// MigrationRaceError is returned when a send still fails after being retried
// against the migrated channel.
type MigrationRaceError struct {
	Channel ChannelID
	Err     error
}

func (e *MigrationRaceError) Error() string {
	return fmt.Sprintf("send to migrated channel %d failed: %v", e.Channel, e.Err)
}

func (e *MigrationRaceError) Unwrap() error {
	return e.Err
}

// DeliveryError wraps a transport failure with the target it was meant for.
type DeliveryError struct {
	Target Target
	Err    error
}

func (e *DeliveryError) Error() string {
	switch e.Target.Kind {
	case TargetUser:
		return fmt.Sprintf("failed to deliver to user %d: %v", e.Target.ID, e.Err)
	default:
		return fmt.Sprintf("failed to deliver to channel %d: %v", e.Target.ID, e.Err)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// StoreError wraps a correlation store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("correlation store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
