package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// Origin describes where an imported block came from.
type Origin uint8

// Block origins.
const (
	OriginOwn Origin = iota
	OriginNetworkBroadcast
	OriginFile
)

func (o Origin) String() string {
	switch o {
	case OriginOwn:
		return "own"
	case OriginNetworkBroadcast:
		return "network"
	case OriginFile:
		return "file"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// ForkChoiceKind selects how the importer decides the new best block.
type ForkChoiceKind uint8

// Fork choice rules.
const (
	ForkChoiceLongestChain ForkChoiceKind = iota
	ForkChoiceCustom
)

// ForkChoice is the fork choice rule for one import.
// SetBest is only meaningful for ForkChoiceCustom.
type ForkChoice struct {
	Kind    ForkChoiceKind
	SetBest bool
}

// LongestChain makes the block best when its number exceeds the current best.
func LongestChain() ForkChoice {
	return ForkChoice{Kind: ForkChoiceLongestChain}
}

// CustomForkChoice makes the block best if and only if setBest is true.
func CustomForkChoice(setBest bool) ForkChoice {
	return ForkChoice{Kind: ForkChoiceCustom, SetBest: setBest}
}

// ImportParams describes a single block import. Build a fresh value per call.
type ImportParams struct {
	Origin Origin
	Header *block.Header
	// Body is nil for a header-only import.
	Body           *[][]byte
	Justifications block.Justifications
	ForkChoice     ForkChoice
	Finalized      bool
}

// NewImportParams returns params for a full block import.
func NewImportParams(origin Origin, blk *block.Block, forkChoice ForkChoice, finalized bool) ImportParams {
	body := blk.Extrinsics
	if body == nil {
		body = [][]byte{}
	}
	return ImportParams{
		Origin:     origin,
		Header:     blk.Header,
		Body:       &body,
		ForkChoice: forkChoice,
		Finalized:  finalized,
	}
}

// ImportedAux records the side effects of a successful import.
type ImportedAux struct {
	IsNewBest                  bool `json:"isNewBest"`
	HeaderOnly                 bool `json:"headerOnly"`
	NeedsJustification         bool `json:"needsJustification"`
	BadJustification           bool `json:"badJustification"`
	ClearJustificationRequests bool `json:"clearJustificationRequests"`
}

// ImportStatus is the kind of an import outcome.
type ImportStatus uint8

// Import statuses.
const (
	StatusImported ImportStatus = iota
	StatusAlreadyInChain
	StatusKnownBad
	StatusUnknownParent
	StatusError
)

func (s ImportStatus) String() string {
	switch s {
	case StatusImported:
		return "imported"
	case StatusAlreadyInChain:
		return "already_in_chain"
	case StatusKnownBad:
		return "known_bad"
	case StatusUnknownParent:
		return "unknown_parent"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Import rejection sentinels. ImportRejectedError unwraps to one of these.
var (
	ErrUnknownParent = errors.New("unknown parent")
	ErrKnownBad      = errors.New("block is known bad")
	ErrImportFailed  = errors.New("import failed")
)

// ImportOutcome is the result of ImportBlock.
type ImportOutcome struct {
	Status ImportStatus
	Hash   types.Hash
	Number types.BlockNumber
	// Aux is set for StatusImported.
	Aux ImportedAux
	// Reason explains every status other than StatusImported.
	Reason string
}

// Ok reports whether the block is in the chain after the call.
func (o ImportOutcome) Ok() bool {
	return o.Status == StatusImported || o.Status == StatusAlreadyInChain
}

// Err returns nil for Imported and AlreadyInChain, and an *ImportRejectedError otherwise.
func (o ImportOutcome) Err() error {
	if o.Ok() {
		return nil
	}
	return &ImportRejectedError{Status: o.Status, Hash: o.Hash, Reason: o.Reason}
}

// ImportRejectedError carries the structured reason an import was refused.
type ImportRejectedError struct {
	Status ImportStatus
	Hash   types.Hash
	Reason string
}

func (e *ImportRejectedError) Error() string {
	return fmt.Sprintf("import rejected (%s): %s", e.Status, e.Reason)
}

// Unwrap maps the status onto the matching sentinel.
func (e *ImportRejectedError) Unwrap() error {
	switch e.Status {
	case StatusUnknownParent:
		return ErrUnknownParent
	case StatusKnownBad:
		return ErrKnownBad
	default:
		return ErrImportFailed
	}
}

// Notification is delivered to import listeners after a block is committed.
type Notification struct {
	Hash      types.Hash
	Number    types.BlockNumber
	Origin    Origin
	IsNewBest bool
	Finalized bool
	Block     *block.SignedBlock
	// Retracted lists blocks that left the canonical chain, oldest first.
	Retracted []types.Hash
}
