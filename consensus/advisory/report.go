package advisory

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"adaptivechain/consensus/types"
	"adaptivechain/crypto"
)

const reportDomain = "adaptivechain/advisory"

// Report is one validator's advisory value for an epoch. ValueBps is the raw
// submitted value; it is clamped to a BoundedScore on intake.
type Report struct {
	Epoch     uint64
	Source    types.ValidatorID
	ValueBps  uint64
	Signature []byte
}

// NewReport builds an unsigned report from a raw value in [0,1].
func NewReport(epoch uint64, value float64) *Report {
	return &Report{Epoch: epoch, ValueBps: types.ClampScore(value).Bps()}
}

func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Signature = append([]byte(nil), r.Signature...)
	return &clone
}

// Score is the report value clamped to [0,1].
func (r *Report) Score() types.BoundedScore { return types.ClampScoreBps(r.ValueBps) }

// SignBytes is the digest the source signs.
func (r *Report) SignBytes() types.Hash {
	return types.HashBytes([]byte(reportDomain), types.Uint64Bytes(r.Epoch), r.Source[:], types.Uint64Bytes(r.ValueBps))
}

// Fingerprint identifies the report including its signature.
func (r *Report) Fingerprint() types.Hash {
	encoded, err := rlp.EncodeToBytes(r)
	if err != nil {
		return types.Hash{}
	}
	return types.HashBytes([]byte(reportDomain), encoded)
}

// Sign fills Source and Signature using key.
func (r *Report) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("%w: nil signing key", types.ErrInvalidSignature)
	}
	id, err := types.ValidatorIDFromPublicKey(key.PubKey().Bytes())
	if err != nil {
		return err
	}
	r.Source = id
	digest := r.SignBytes()
	sig, err := key.Sign(digest[:])
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

func (r *Report) verify(pub []byte) error {
	digest := r.SignBytes()
	if err := crypto.Verify(pub, digest[:], r.Signature); err != nil {
		return fmt.Errorf("%w: advisory from %s: %v", types.ErrInvalidSignature, r.Source, err)
	}
	return nil
}

// Message wraps the report in a KindAdvisory envelope for gossip.
func (r *Report) Message() (*types.Message, error) {
	payload, err := rlp.EncodeToBytes(r)
	if err != nil {
		return nil, err
	}
	return &types.Message{
		Kind:    types.KindAdvisory,
		Epoch:   r.Epoch,
		Signer:  r.Source,
		Digest:  r.Fingerprint(),
		Payload: payload,
	}, nil
}

// ReportFromMessage decodes a KindAdvisory envelope.
func ReportFromMessage(msg *types.Message) (*Report, error) {
	if msg == nil || msg.Kind != types.KindAdvisory {
		return nil, fmt.Errorf("%w: not an advisory message", types.ErrInvalidMessage)
	}
	var r Report
	if err := rlp.DecodeBytes(msg.Payload, &r); err != nil {
		return nil, fmt.Errorf("%w: decode advisory: %v", types.ErrInvalidMessage, err)
	}
	if r.Epoch != msg.Epoch || r.Source != msg.Signer {
		return nil, fmt.Errorf("%w: advisory envelope mismatch", types.ErrInvalidMessage)
	}
	return &r, nil
}
