package evidence

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/crypto"
)

func reject(reason RejectReason, sentinel error, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

// Verify checks e against the validator snapshot of the epoch it names.
// Every failure is a *ValidationError wrapping a consensus/types sentinel.
func Verify(e *Evidence, state *epoch.State) error {
	if e == nil {
		return reject(RejectReasonMalformed, types.ErrInvalidEvidence, "evidence payload required")
	}
	if !e.Kind.Valid() {
		return reject(RejectReasonInvalidKind, types.ErrInvalidEvidence, "unknown kind %s", e.Kind)
	}
	if state == nil || state.Number() != e.Epoch {
		return reject(RejectReasonUnknownEpoch, types.ErrUnknownEpoch, "no snapshot for epoch %d", e.Epoch)
	}
	pub, ok := state.PublicKey(e.Accused)
	if !ok {
		return reject(RejectReasonUnknownValidator, types.ErrUnknownValidator, "%s not in epoch %d", e.Accused, e.Epoch)
	}
	switch e.Kind {
	case KindDoubleSign:
		return verifyDoubleSign(e, pub)
	case KindInvalidBlock:
		return verifyInvalidBlock(e, pub, state)
	default:
		return verifyDowntime(e, state)
	}
}

func verifyDoubleSign(e *Evidence, pub []byte) error {
	var proof DoubleSignProof
	if err := rlp.DecodeBytes(e.Proof, &proof); err != nil {
		return reject(RejectReasonMalformed, types.ErrInvalidProof, "decode double sign proof: %v", err)
	}
	for _, msg := range []*types.Message{&proof.First, &proof.Second} {
		if msg.Signer != e.Accused {
			return reject(RejectReasonWrongSigner, types.ErrInvalidProof, "message signed by %s", msg.Signer)
		}
		if msg.Epoch != e.Epoch || msg.Height != e.Height {
			return reject(RejectReasonSlotMismatch, types.ErrInvalidProof, "message at epoch %d height %d", msg.Epoch, msg.Height)
		}
		if !msg.Kind.RequiresSignature() {
			return reject(RejectReasonInvalidKind, types.ErrInvalidProof, "%s cannot be double signed", msg.Kind)
		}
		if err := msg.VerifySignature(pub); err != nil {
			return reject(RejectReasonInvalidSignature, types.ErrInvalidProof, "%v", err)
		}
	}
	if !proof.First.ConflictsWith(&proof.Second) {
		return reject(RejectReasonNoConflict, types.ErrInvalidProof, "messages do not conflict")
	}
	return nil
}

func verifyInvalidBlock(e *Evidence, pub []byte, state *epoch.State) error {
	var proof InvalidBlockProof
	if err := rlp.DecodeBytes(e.Proof, &proof); err != nil {
		return reject(RejectReasonMalformed, types.ErrInvalidProof, "decode invalid block proof: %v", err)
	}
	p := &proof.Proposal
	if p.Kind != types.KindPropose || p.Signer != e.Accused {
		return reject(RejectReasonWrongSigner, types.ErrInvalidProof, "%s by %s is not the accused's proposal", p.Kind, p.Signer)
	}
	if p.Epoch != e.Epoch || p.Height != e.Height {
		return reject(RejectReasonSlotMismatch, types.ErrInvalidProof, "proposal at epoch %d height %d", p.Epoch, p.Height)
	}
	if err := p.VerifySignature(pub); err != nil {
		return reject(RejectReasonInvalidSignature, types.ErrInvalidProof, "%v", err)
	}
	digest := InvalidBlockDigest(e.Epoch, e.Height, p.Digest)
	return verifyAttestations(state, digest, proof.Attestations, e.Accused)
}

func verifyDowntime(e *Evidence, state *epoch.State) error {
	var proof DowntimeProof
	if err := rlp.DecodeBytes(e.Proof, &proof); err != nil {
		return reject(RejectReasonMalformed, types.ErrInvalidProof, "decode downtime proof: %v", err)
	}
	if proof.FromHeight > proof.ToHeight || proof.ToHeight != e.Height {
		return reject(RejectReasonSlotMismatch, types.ErrInvalidProof, "window [%d,%d] does not end at %d", proof.FromHeight, proof.ToHeight, e.Height)
	}
	if !state.Contains(proof.FromHeight) || !state.Contains(proof.ToHeight) {
		return reject(RejectReasonSlotMismatch, types.ErrInvalidProof, "window [%d,%d] outside epoch %d", proof.FromHeight, proof.ToHeight, e.Epoch)
	}
	digest := DowntimeDigest(e.Epoch, e.Accused, proof.FromHeight, proof.ToHeight)
	return verifyAttestations(state, digest, proof.Attestations, e.Accused)
}

// verifyAttestations requires quorum stake of distinct active validators,
// other than the accused, to have signed digest.
func verifyAttestations(state *epoch.State, digest types.Hash, sigs []types.ValidatorSignature, accused types.ValidatorID) error {
	stake := new(uint256.Int)
	seen := make(map[types.ValidatorID]struct{}, len(sigs))
	for _, sig := range sigs {
		if sig.Validator == accused {
			return reject(RejectReasonWrongSigner, types.ErrInvalidProof, "accused cannot attest against itself")
		}
		if _, dup := seen[sig.Validator]; dup {
			continue
		}
		if !state.IsActive(sig.Validator) {
			return reject(RejectReasonUnknownValidator, types.ErrInvalidProof, "attester %s not active in epoch %d", sig.Validator, state.Number())
		}
		pub, _ := state.PublicKey(sig.Validator)
		if err := crypto.Verify(pub, digest[:], sig.Signature); err != nil {
			return reject(RejectReasonInvalidSignature, types.ErrInvalidProof, "attestation from %s: %v", sig.Validator, err)
		}
		seen[sig.Validator] = struct{}{}
		stake.Add(stake, state.StakeOf(sig.Validator))
	}
	if !state.HasQuorum(stake) {
		return reject(RejectReasonNoQuorum, types.ErrInvalidProof, "attesting stake %s below quorum %s", stake.Dec(), state.QuorumStake().Dec())
	}
	return nil
}
