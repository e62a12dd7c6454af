package node

import (
	"time"

	"github.com/stegos-labs/node/pkg/consensus"
)

// RoleKind discriminates the driver's current participation in block
// production. A node's role is recomputed after every applied block (or
// performed view change) and never chosen by configuration: whether a
// node is a validator or a mere auditor for the current block kind
// depends entirely on whether its key is a member of the active
// validator set.
type RoleKind int

const (
	// RoleMicroBlockAuditor observes micro blocks gossiped by others
	// without participating in their production.
	RoleMicroBlockAuditor RoleKind = iota
	// RoleMicroBlockValidator is a member of the validator set during a
	// micro-block-producing epoch: it either proposes (when leader) or
	// watches for a view-change timeout.
	RoleMicroBlockValidator
	// RoleMacroBlockAuditor observes the macro-block consensus from the
	// outside, never feeding it messages.
	RoleMacroBlockAuditor
	// RoleMacroBlockValidator runs one BFT Round to agree on the
	// epoch-closing macro block.
	RoleMacroBlockValidator
)

// microValidator holds the state specific to RoleMicroBlockValidator.
type microValidator struct {
	collector *consensus.ViewChangeCollector

	proposeTimer    <-chan time.Time
	viewChangeTimer <-chan time.Time

	// futureConsensus buffers macro-block consensus messages that arrive
	// while the node is still producing micro blocks for the current
	// epoch — some peers start macro consensus slightly ahead of us.
	// They are replayed once the role switches to
	// RoleMacroBlockValidator.
	futureConsensus []consensus.Message
}

// macroValidator holds the state specific to RoleMacroBlockValidator.
type macroValidator struct {
	round           *consensus.Round
	viewChangeTimer <-chan time.Time
}

// role is the driver's tagged role state. At most one of micro/macro is
// non-nil, selected by kind: micro for RoleMicroBlockValidator, macro for
// RoleMacroBlockValidator, and neither for the auditor kinds.
type role struct {
	kind  RoleKind
	micro *microValidator
	macro *macroValidator
}
