package evidence

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"adaptivechain/consensus/types"
)

// Kind classifies a misbehaviour.
type Kind uint8

const (
	KindDoubleSign Kind = iota + 1
	KindDowntime
	KindInvalidBlock
)

var kindNames = map[Kind]string{
	KindDoubleSign:   "DOUBLE_SIGN",
	KindDowntime:     "DOWNTIME",
	KindInvalidBlock: "INVALID_BLOCK",
}

func ParseKind(value string) (Kind, error) {
	upper := strings.ToUpper(strings.TrimSpace(value))
	for kind, name := range kindNames {
		if name == upper {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown evidence kind %q", value)
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Evidence accuses one validator of one offence within one epoch. Proof is
// the RLP encoding of the kind-specific proof type.
type Evidence struct {
	Kind     Kind
	Accused  types.ValidatorID
	Epoch    uint64
	Height   uint64
	Proof    []byte
	Reporter types.ValidatorID
}

func (e Evidence) Clone() Evidence {
	clone := e
	if len(e.Proof) > 0 {
		clone.Proof = append([]byte(nil), e.Proof...)
	}
	return clone
}

// Fingerprint identifies the offence, not the submission: two proofs of the
// same kind against the same validator in the same epoch share it.
func (e Evidence) Fingerprint() types.Hash {
	return Fingerprint(e.Accused, e.Kind, e.Epoch)
}

func Fingerprint(accused types.ValidatorID, kind Kind, epoch uint64) types.Hash {
	return types.HashBytes([]byte("evidence"), accused[:], []byte{byte(kind)}, types.Uint64Bytes(epoch))
}

func Encode(e *Evidence) ([]byte, error) {
	return rlp.EncodeToBytes(e)
}

func Decode(data []byte) (*Evidence, error) {
	var e Evidence
	if err := rlp.DecodeBytes(data, &e); err != nil {
		return nil, &ValidationError{Reason: RejectReasonMalformed, Message: fmt.Sprintf("decode evidence: %v", err), Err: types.ErrInvalidEvidence}
	}
	return &e, nil
}

// DoubleSignProof carries two conflicting messages signed by the accused.
type DoubleSignProof struct {
	First  types.Message
	Second types.Message
}

// InvalidBlockProof carries the accused's signed proposal and a quorum of
// signatures over InvalidBlockDigest.
type InvalidBlockProof struct {
	Proposal     types.Message
	Attestations []types.ValidatorSignature
}

// DowntimeProof carries a quorum of signatures over DowntimeDigest attesting
// that the accused produced nothing between the two heights.
type DowntimeProof struct {
	FromHeight   uint64
	ToHeight     uint64
	Attestations []types.ValidatorSignature
}

// InvalidBlockDigest is what validators sign to attest a proposal failed
// validation.
func InvalidBlockDigest(epoch, height uint64, block types.Hash) types.Hash {
	return types.HashBytes([]byte("adaptivechain/invalid-block"), types.Uint64Bytes(epoch), types.Uint64Bytes(height), block[:])
}

// DowntimeDigest is what validators sign to attest an absence.
func DowntimeDigest(epoch uint64, accused types.ValidatorID, from, to uint64) types.Hash {
	return types.HashBytes([]byte("adaptivechain/downtime"), types.Uint64Bytes(epoch), accused[:], types.Uint64Bytes(from), types.Uint64Bytes(to))
}

// NewDoubleSign builds evidence from two conflicting messages.
func NewDoubleSign(first, second *types.Message, reporter types.ValidatorID) (*Evidence, error) {
	if first == nil || second == nil || !first.ConflictsWith(second) {
		return nil, fmt.Errorf("%w: messages do not conflict", types.ErrInvalidProof)
	}
	// Order the pair so both reporters produce the same proof bytes.
	a, b := first, second
	if bytes.Compare(a.Digest[:], b.Digest[:]) > 0 {
		a, b = b, a
	}
	proof, err := rlp.EncodeToBytes(&DoubleSignProof{First: *a.Clone(), Second: *b.Clone()})
	if err != nil {
		return nil, err
	}
	return &Evidence{
		Kind:     KindDoubleSign,
		Accused:  first.Signer,
		Epoch:    first.Epoch,
		Height:   first.Height,
		Proof:    proof,
		Reporter: reporter,
	}, nil
}

// NewInvalidBlock builds evidence from a proposal and its attestations.
func NewInvalidBlock(proposal *types.Message, attestations []types.ValidatorSignature, reporter types.ValidatorID) (*Evidence, error) {
	if proposal == nil || proposal.Kind != types.KindPropose {
		return nil, fmt.Errorf("%w: proposal required", types.ErrInvalidProof)
	}
	sigs := append([]types.ValidatorSignature(nil), attestations...)
	types.SortSignatures(sigs)
	proof, err := rlp.EncodeToBytes(&InvalidBlockProof{Proposal: *proposal.Clone(), Attestations: sigs})
	if err != nil {
		return nil, err
	}
	return &Evidence{
		Kind:     KindInvalidBlock,
		Accused:  proposal.Signer,
		Epoch:    proposal.Epoch,
		Height:   proposal.Height,
		Proof:    proof,
		Reporter: reporter,
	}, nil
}

// NewDowntime builds evidence from absence attestations.
func NewDowntime(accused types.ValidatorID, epoch, from, to uint64, attestations []types.ValidatorSignature, reporter types.ValidatorID) (*Evidence, error) {
	sigs := append([]types.ValidatorSignature(nil), attestations...)
	types.SortSignatures(sigs)
	proof, err := rlp.EncodeToBytes(&DowntimeProof{FromHeight: from, ToHeight: to, Attestations: sigs})
	if err != nil {
		return nil, err
	}
	return &Evidence{
		Kind:     KindDowntime,
		Accused:  accused,
		Epoch:    epoch,
		Height:   to,
		Proof:    proof,
		Reporter: reporter,
	}, nil
}

// RejectReason captures the reason an evidence submission was rejected.
type RejectReason string

const (
	RejectReasonMalformed        RejectReason = "malformed"
	RejectReasonInvalidKind      RejectReason = "invalid_kind"
	RejectReasonUnknownEpoch     RejectReason = "unknown_epoch"
	RejectReasonExpired          RejectReason = "expired"
	RejectReasonUnknownValidator RejectReason = "unknown_validator"
	RejectReasonWrongSigner      RejectReason = "wrong_signer"
	RejectReasonInvalidSignature RejectReason = "invalid_signature"
	RejectReasonNoConflict       RejectReason = "no_conflict"
	RejectReasonSlotMismatch     RejectReason = "slot_mismatch"
	RejectReasonNoQuorum         RejectReason = "insufficient_quorum"
)

// ValidationError surfaces deterministic validation failures to callers. Err
// is the sentinel from consensus/types the failure maps to.
type ValidationError struct {
	Reason  RejectReason
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return string(e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Event is the outcome of an accepted offence.
type Event struct {
	Fingerprint   types.Hash
	Kind          Kind
	Accused       types.ValidatorID
	Epoch         uint64
	Height        uint64
	AppliedEpoch  uint64
	Burned        *big.Int
	StatusKind    uint8
	StatusEpoch   uint64
	ReputationBps uint64
}

func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Burned != nil {
		clone.Burned = new(big.Int).Set(e.Burned)
	} else {
		clone.Burned = new(big.Int)
	}
	return &clone
}

// Record persists an accepted evidence submission with its outcome.
type Record struct {
	Fingerprint types.Hash
	Evidence    Evidence
	Event       Event
	ReceivedAt  uint64
}

// Clone produces a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Fingerprint: r.Fingerprint,
		Evidence:    r.Evidence.Clone(),
		Event:       *r.Event.Clone(),
		ReceivedAt:  r.ReceivedAt,
	}
}

// Filter constraints applied when listing stored evidence.
type Filter struct {
	Accused   *types.ValidatorID
	Kind      Kind
	FromEpoch *uint64
	ToEpoch   *uint64
	Offset    int
	Limit     int
}

const DefaultPageLimit = 50
