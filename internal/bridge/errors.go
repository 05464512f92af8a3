// Package bridge adapts the authorship engine and the importer to external
// callers: Minter turns a seal command into a request/response call and
// Connector decodes and imports blocks produced elsewhere.
package bridge

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/metachain/internal/authorship"
)

// Bridge errors.
var (
	// ErrChannelClosed means the authorship engine is gone.
	ErrChannelClosed = authorship.ErrChannelClosed
	// ErrAuthorshipAborted means the reply slot was dropped unfulfilled.
	ErrAuthorshipAborted = errors.New("authorship aborted before reply")
	// ErrInvariantViolation means the chain disagrees with the engine's reply.
	ErrInvariantViolation = errors.New("authorship invariant violated")
	// ErrBlockVanished means the new best block could not be read back.
	ErrBlockVanished = fmt.Errorf("%w: best block vanished", ErrInvariantViolation)
	// ErrDecode means a payload was not a valid encoded block.
	ErrDecode = errors.New("decode block")
)
