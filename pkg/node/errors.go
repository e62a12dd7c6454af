package node

import "errors"

// errUnknownSender is returned when a wire message's claimed sender key
// is not a member of the current validator set, so there is no public
// key to resolve it against.
var errUnknownSender = errors.New("node: unknown sender")

// The two invariant violations the event loop treats as fatal: after
// either, the local chain view can no longer be trusted and Run stops
// instead of processing further events.
var (
	// errCommittedBlockRejected: the chain refused a block consensus
	// already committed.
	errCommittedBlockRejected = errors.New("node: chain rejected a block consensus already committed")
	// errCommittedMacroMismatch: a macro block with a valid supermajority
	// arrived at a height where a different macro block is already
	// committed locally — an equivocating macro round.
	errCommittedMacroMismatch = errors.New("node: conflicting macro block at a committed height")
)
