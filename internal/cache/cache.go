// Package cache provides the engine's best-effort key/value cache. Every
// operation is lossy by contract: a Get may miss even after a successful Set,
// and failures degrade to miss/noop rather than surfacing errors. Callers
// must treat the authoritative stores (event-manager, chain) as the source
// of truth.
package cache

import (
	"context"
	"time"
)

// TTLs for the engine's cache namespaces.
const (
	EventTTL    = 300 * time.Second
	ProposalTTL = 300 * time.Second
)

// EventKey returns the cache key for an event record.
func EventKey(eventID string) string {
	return "event:" + eventID
}

// ProposalKey returns the cache key for a proposal record. The event id is
// part of the key so the settlement purge can scan proposal:*:{eventId}.
func ProposalKey(proposalID, eventID string) string {
	return "proposal:" + proposalID + ":" + eventID
}

// ProposalPattern matches every proposal entry for an event.
func ProposalPattern(eventID string) string {
	return "proposal:*:" + eventID
}

// ProposalPrefixPattern matches the entry for a proposal regardless of event.
func ProposalPrefixPattern(proposalID string) string {
	return "proposal:" + proposalID + ":*"
}

// Store is the cache interface. Implementations swallow transport errors:
// Get reports a miss, mutations become noops. Values are opaque bytes;
// serialization is the caller's concern.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	// Keys returns the keys matching a glob-style pattern (prefix:*:suffix).
	Keys(ctx context.Context, pattern string) []string
}
