// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay forwards messages from many correspondents into one shared
// staff channel and routes staff replies back to the right correspondent.
//
// # Core Types
//
// [Engine] implements [EventHandler]. A [Transport] feeds it direct messages
// from correspondents and replies observed in the shared channel.
//
// [Channel] holds the current id of the shared channel. Networks may move a
// chat to a new id at runtime; the channel swaps the id atomically and
// retries an in-flight send once against the new id.
//
// [CorrelationStore] maps each forwarded message to its correspondent.
// [MemoryStore] keeps links in memory, the relaydb and relaydynamo packages
// persist them, and [BreakerStore] guards any store with a circuit breaker.
//
// # Reply Correlation
//
// Every forwarded message carries an identity marker ("ID: 555") in its
// header. A reply is resolved through the correlation store first and falls
// back to parsing the marker from the replied-to text, so replies keep
// working when the store is unavailable or was wiped.
//
// # Echo Prevention
//
// Messages sent by the relay account itself are never forwarded, and replies
// are only routed when they point at a message the relay account posted.
package relay
