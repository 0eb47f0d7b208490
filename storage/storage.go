package storage

import "context"

// Storage is the contract every engine in the stack implements. All
// operations are asynchronous in spirit even though Go expresses that
// with goroutines and callbacks rather than an explicit event loop: cb
// is invoked exactly once with the documented result, and a nil cb
// means fire-and-forget (the operation still happens, but an engine
// may skip work whose only purpose is building the callback argument,
// notably Remove and Empty).
//
// ctx governs the caller's wait, not work already accepted by an
// engine: once an engine has taken ownership of a request there is no
// cancellation at this interface, matching the source's "no
// cancellation at the public interface" policy.
type Storage interface {
	// Store inserts m. cb fires once m is durably visible to
	// subsequent operations on this engine.
	Store(ctx context.Context, m Message, cb func(error))

	// Remove deletes by id. cb, if present, receives one *Message per
	// input id in the same order; an id that was not found yields a
	// nil entry at that position.
	Remove(ctx context.Context, ids []string, cb func([]*Message))

	// Empty removes every message. cb, if present, receives every
	// removed message in unspecified order.
	Empty(ctx context.Context, cb func([]*Message))

	// ClaimAndRetrieve finds the oldest unclaimed message in
	// destination, assigns it to claimant, and returns it. cb always
	// receives the destination and claimant back alongside the
	// message (or nil if none was available) so callers that fan out
	// many concurrent claims can tell them apart.
	ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(msg *Message, destination, claimant string))

	// Disown clears claimant for every destination-message currently
	// held by claimant.
	Disown(ctx context.Context, destination, claimant string, cb func())

	// Peek reads by id without mutating claim state. Like Remove, a
	// missing id yields a nil entry at that position.
	Peek(ctx context.Context, ids []string, cb func([]*Message))

	// PeekOldest returns one oldest message across every destination,
	// ties broken by id ascending, or nil if the engine holds nothing.
	PeekOldest(ctx context.Context, cb func(*Message))

	// Shutdown flushes all pending work. After cb fires, no further
	// operation is accepted; see internal/storageerr for the
	// rejection behavior applied to late callers.
	Shutdown(ctx context.Context, cb func())
}
