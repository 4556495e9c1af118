package domain

import "errors"

// State store errors.
var (
	ErrLockHeld       = errors.New("domain: state file is held by another writer")
	ErrLockNotHeld    = errors.New("domain: save attempted without holding the writer lock")
	ErrStateCorrupt   = errors.New("domain: state document could not be parsed and was reset to defaults")
)

// Upstream adapter errors.
var (
	ErrTransport = errors.New("domain: upstream transport failure")
	ErrSchema    = errors.New("domain: upstream response did not match expected schema")
	ErrNoSites   = errors.New("domain: no site numbers to query")
)

// Backend selection errors.
var (
	ErrUnknownBackend  = errors.New("domain: unrecognized api_backend value")
	ErrAllBackendsDown = errors.New("domain: both legacy and modern backends failed")
)

// Overlay errors.
var (
	ErrOverlayDisabled = errors.New("domain: overlay store has no forecast base configured")
	ErrOverlayFetch    = errors.New("domain: overlay fetch failed, previous data retained")
)

// Community aggregator errors.
var (
	ErrCommunityDisabled = errors.New("domain: community aggregator has no base URL configured")
)
