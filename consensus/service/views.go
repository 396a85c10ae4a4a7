package service

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"adaptivechain/consensus/advisory"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/orchestrator"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

type statusPayload struct {
	State           string `json:"state"`
	Mode            string `json:"mode"`
	Epoch           uint64 `json:"epoch"`
	Height          uint64 `json:"height"`
	View            uint64 `json:"view"`
	Leader          string `json:"leader,omitempty"`
	FinalizedHeight uint64 `json:"finalizedHeight"`
	Committed       uint64 `json:"committed"`
	Error           string `json:"error,omitempty"`
}

func statusView(st orchestrator.Status) statusPayload {
	out := statusPayload{
		State:           st.State.String(),
		Mode:            st.Mode.String(),
		Epoch:           st.Epoch,
		Height:          st.Height,
		View:            st.View,
		FinalizedHeight: st.FinalizedHeight,
		Committed:       st.Committed,
		Error:           st.Error,
	}
	if !st.Leader.IsZero() {
		out.Leader = st.Leader.String()
	}
	return out
}

type validatorPayload struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Stake     string `json:"stake"`
	Status    string `json:"status"`
}

type epochPayload struct {
	Number           uint64             `json:"number"`
	Mode             string             `json:"mode"`
	Reason           string             `json:"reason"`
	StartHeight      uint64             `json:"startHeight"`
	EndHeight        uint64             `json:"endHeight"`
	StartTime        uint64             `json:"startTime"`
	QuorumBps        uint64             `json:"quorumBps"`
	Seed             string             `json:"seed"`
	TotalActiveStake string             `json:"totalActiveStake"`
	Validators       []validatorPayload `json:"validators"`
}

func epochView(state *epoch.State) epochPayload {
	snapshot := state.Validators()
	vals := make([]validatorPayload, 0, len(snapshot))
	for _, v := range snapshot {
		vals = append(vals, validatorPayload{
			ID:        v.ID.String(),
			PublicKey: hex.EncodeToString(v.PublicKey),
			Stake:     v.Stake.Dec(),
			Status:    v.Status.String(),
		})
	}
	return epochPayload{
		Number:           state.Number(),
		Mode:             state.Mode().String(),
		Reason:           state.Reason(),
		StartHeight:      state.StartHeight(),
		EndHeight:        state.EndHeight(),
		StartTime:        state.StartTime(),
		QuorumBps:        state.QuorumBps(),
		Seed:             state.Seed().String(),
		TotalActiveStake: state.TotalActiveStake().Dec(),
		Validators:       vals,
	}
}

type signaturePayload struct {
	Validator string `json:"validator"`
	Signature string `json:"signature"`
}

type certificatePayload struct {
	Height     uint64             `json:"height"`
	Epoch      uint64             `json:"epoch"`
	View       uint64             `json:"view"`
	Mode       string             `json:"mode"`
	BlockHash  string             `json:"blockHash"`
	PoWNonce   uint64             `json:"powNonce,omitempty"`
	Signatures []signaturePayload `json:"signatures"`
}

func certificateView(cert *types.FinalityCertificate) certificatePayload {
	sigs := make([]signaturePayload, 0, len(cert.Signatures))
	for _, sig := range cert.Signatures {
		sigs = append(sigs, signaturePayload{Validator: sig.Validator.String(), Signature: hex.EncodeToString(sig.Signature)})
	}
	return certificatePayload{
		Height:     cert.Height,
		Epoch:      cert.Epoch,
		View:       cert.View,
		Mode:       cert.Mode.String(),
		BlockHash:  cert.BlockHash.String(),
		PoWNonce:   cert.PoWNonce,
		Signatures: sigs,
	}
}

type blockPayload struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	Parent    string `json:"parent"`
	Timestamp uint64 `json:"timestamp"`
	Proposer  string `json:"proposer"`
}

type finalizedPayload struct {
	Certificate certificatePayload `json:"certificate"`
	Block       *blockPayload      `json:"block,omitempty"`
}

func finalizedView(ev orchestrator.Finalized) finalizedPayload {
	out := finalizedPayload{Certificate: certificateView(ev.Certificate)}
	if ev.Block != nil {
		out.Block = &blockPayload{
			Height:    ev.Block.Height,
			Hash:      ev.Block.Hash().String(),
			Parent:    ev.Block.Parent.String(),
			Timestamp: ev.Block.Timestamp,
			Proposer:  ev.Block.Proposer.String(),
		}
	}
	return out
}

type eventPayload struct {
	Fingerprint   string `json:"fingerprint"`
	Kind          string `json:"kind"`
	Accused       string `json:"accused"`
	Epoch         uint64 `json:"epoch"`
	Height        uint64 `json:"height"`
	AppliedEpoch  uint64 `json:"appliedEpoch"`
	Burned        string `json:"burned"`
	Status        string `json:"status"`
	ReputationBps uint64 `json:"reputationBps"`
}

func eventView(e *evidence.Event) *eventPayload {
	if e == nil {
		return nil
	}
	burned := "0"
	if e.Burned != nil {
		burned = e.Burned.String()
	}
	return &eventPayload{
		Fingerprint:   e.Fingerprint.String(),
		Kind:          e.Kind.String(),
		Accused:       e.Accused.String(),
		Epoch:         e.Epoch,
		Height:        e.Height,
		AppliedEpoch:  e.AppliedEpoch,
		Burned:        burned,
		Status:        validator.StatusKind(e.StatusKind).String(),
		ReputationBps: e.ReputationBps,
	}
}

type evidenceRequest struct {
	// Evidence is the hex RLP encoding produced by evidence.Encode.
	Evidence string `json:"evidence"`
}

type evidenceResponse struct {
	Applied bool          `json:"applied"`
	Event   *eventPayload `json:"event,omitempty"`
}

type advisoryRequest struct {
	Epoch     uint64 `json:"epoch"`
	Source    string `json:"source"`
	ValueBps  uint64 `json:"valueBps"`
	Signature string `json:"signature"`
}

func (a advisoryRequest) report() (*advisory.Report, error) {
	source, err := types.ParseValidatorID(a.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	sig, err := decodeHex(a.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return &advisory.Report{Epoch: a.Epoch, Source: source, ValueBps: a.ValueBps, Signature: sig}, nil
}

func decodeHex(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, errors.New("empty hex value")
	}
	return hex.DecodeString(trimmed)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
