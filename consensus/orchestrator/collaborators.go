package orchestrator

import (
	"context"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

// Ledger is the block store and state machine the orchestrator commits
// finalized blocks to. Commit is called exactly once per height, in height
// order.
type Ledger interface {
	FinalizedHeight() uint64
	LastBlockHash() types.Hash
	BuildBlock(ctx context.Context, height uint64, parent types.Hash, proposer types.ValidatorID) (*types.Block, error)
	Commit(ctx context.Context, block *types.Block, cert *types.FinalityCertificate) error
}

// BlockValidator is implemented by ledgers that check proposed blocks
// before the node votes for them.
type BlockValidator interface {
	ValidateBlock(block *types.Block) error
}

// AuditSink mirrors consensus outcomes into a queryable index.
type AuditSink interface {
	RecordCertificate(ctx context.Context, cert *types.FinalityCertificate, block *types.Block) error
	RecordEpoch(ctx context.Context, state *epoch.State) error
	RecordSlashing(ctx context.Context, event *evidence.Event) error
}

// RegistryStore persists the validator table after it changes.
type RegistryStore interface {
	SaveValidators(validators []validator.Identity) error
}
