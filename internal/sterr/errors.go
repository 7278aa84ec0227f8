// Package sterr defines the abstract error kinds shared across the node,
// health, resolver, and plugin subsystems so callers can branch on
// errors.Is instead of string matching.
package sterr

import "errors"

var (
	// NotFound is returned by BlobStore.Get, Resolver, and catalog lookups
	// for an absent key.
	NotFound = errors.New("not found")

	// PeerUnreachable signals a QUIC connect/read/write failure.
	PeerUnreachable = errors.New("peer unreachable")

	// PeerBlocked signals an inbound connection from a blocklisted node.
	PeerBlocked = errors.New("peer blocked")

	// TrackNotFound signals a fetch for a blob that does not exist anywhere
	// known to the caller.
	TrackNotFound = errors.New("track not found")

	// FuelExhausted signals a plugin VM call that ran out of its execution
	// step budget.
	FuelExhausted = errors.New("plugin fuel exhausted")

	// Trap signals a plugin VM runtime trap (e.g. out-of-bounds memory
	// access, unreachable instruction).
	Trap = errors.New("plugin trap")

	// PermissionDenied signals a host call made without the required
	// permission.
	PermissionDenied = errors.New("permission denied")

	// ValidationFailed signals an install-time manifest or binary check
	// failure.
	ValidationFailed = errors.New("validation failed")

	// StorageError signals a blob or catalog I/O failure.
	StorageError = errors.New("storage error")
)
