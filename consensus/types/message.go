package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"adaptivechain/crypto"
)

// MessageKind identifies the type of consensus message.
type MessageKind uint8

const (
	KindUnknown MessageKind = iota
	KindPropose
	KindPrepare
	KindCommit
	KindPoSVote
	KindViewChange
	KindSlashingEvidence
	KindPoWSolution
	KindCertificate
	KindAdvisory
	// KindTimeout is injected locally by timers and never accepted from peers.
	KindTimeout
)

var kindNames = map[MessageKind]string{
	KindUnknown:          "unknown",
	KindPropose:          "propose",
	KindPrepare:          "prepare",
	KindCommit:           "commit",
	KindPoSVote:          "pos_vote",
	KindViewChange:       "view_change",
	KindSlashingEvidence: "slashing_evidence",
	KindPoWSolution:      "pow_solution",
	KindCertificate:      "certificate",
	KindAdvisory:         "advisory",
	KindTimeout:          "timeout",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// RequiresSignature reports whether the envelope itself must carry a
// validator signature. Other kinds carry proofs inside their payload.
func (k MessageKind) RequiresSignature() bool {
	switch k {
	case KindPropose, KindPrepare, KindCommit, KindPoSVote, KindViewChange:
		return true
	}
	return false
}

// IsFinalityVote reports whether signatures of this kind count toward a
// finality certificate.
func (k MessageKind) IsFinalityVote() bool {
	return k == KindCommit || k == KindPoSVote
}

const (
	messageDomain  = "adaptivechain/msg"
	finalityDomain = "adaptivechain/finality"
)

// Message is the envelope exchanged with the transport collaborator.
type Message struct {
	Kind      MessageKind
	Epoch     uint64
	Height    uint64
	View      uint64 // PBFT view or PoS round
	Signer    ValidatorID
	Digest    Hash // block hash, prepared digest, or payload digest
	Payload   []byte
	Signature []byte
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Payload = append([]byte(nil), m.Payload...)
	clone.Signature = append([]byte(nil), m.Signature...)
	return &clone
}

// FinalityDigest is the digest signed by Commit and PoSVote messages and
// verified by the finality manager. It does not include the view, so two
// commits for different blocks at one height are always a double sign.
func FinalityDigest(epoch, height uint64, block Hash) Hash {
	return HashBytes([]byte(finalityDomain), Uint64Bytes(epoch), Uint64Bytes(height), block[:])
}

// SignBytes returns the digest a validator signs for this message.
func (m *Message) SignBytes() Hash {
	if m.Kind.IsFinalityVote() {
		return FinalityDigest(m.Epoch, m.Height, m.Digest)
	}
	return HashBytes(
		[]byte(messageDomain),
		[]byte{byte(m.Kind)},
		Uint64Bytes(m.Epoch),
		Uint64Bytes(m.Height),
		Uint64Bytes(m.View),
		m.Digest[:],
	)
}

// ID uniquely identifies the message including its signature.
func (m *Message) ID() Hash {
	encoded, err := rlp.EncodeToBytes(m)
	if err != nil {
		return Hash{}
	}
	return HashBytes(encoded)
}

// Sign fills Signer and Signature using key.
func (m *Message) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("%w: nil signing key", ErrInvalidSignature)
	}
	id, err := ValidatorIDFromPublicKey(key.PubKey().Bytes())
	if err != nil {
		return err
	}
	m.Signer = id
	digest := m.SignBytes()
	sig, err := key.Sign(digest[:])
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// VerifySignature checks the envelope signature against the signer's key.
func (m *Message) VerifySignature(pub []byte) error {
	digest := m.SignBytes()
	if err := crypto.Verify(pub, digest[:], m.Signature); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidSignature, m.Kind, m.Signer, err)
	}
	return nil
}

// ConflictsWith reports whether other is a distinct message for the same
// signer and slot carrying a different digest.
func (m *Message) ConflictsWith(other *Message) bool {
	if m == nil || other == nil {
		return false
	}
	if m.Signer != other.Signer || m.Kind != other.Kind || m.Epoch != other.Epoch || m.Height != other.Height {
		return false
	}
	if !m.Kind.IsFinalityVote() && m.View != other.View {
		return false
	}
	return m.Digest != other.Digest
}

// EncodeMessage serialises a message with RLP.
func EncodeMessage(m *Message) ([]byte, error) {
	return rlp.EncodeToBytes(m)
}

// DecodeMessage parses an RLP encoded message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := rlp.DecodeBytes(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &m, nil
}

// Timeout is injected into the actor queue when a phase, slot or dwell timer
// fires. Stale timeouts are ignored by comparing the tags.
type Timeout struct {
	Epoch  uint64
	Height uint64
	View   uint64
}

// TimeoutMessage wraps t as a KindTimeout envelope.
func TimeoutMessage(t Timeout) *Message {
	return &Message{Kind: KindTimeout, Epoch: t.Epoch, Height: t.Height, View: t.View}
}

// TimeoutFromMessage extracts the timer tags from a KindTimeout message.
func TimeoutFromMessage(m *Message) Timeout {
	return Timeout{Epoch: m.Epoch, Height: m.Height, View: m.View}
}
