// Package finality tracks finality votes and issues certificates. A
// certificate, once issued for a height, is never replaced.
package finality

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/storage"
)

// certRetention bounds how many certificates stay in memory; older ones are
// served from the store.
const certRetention = 4096

var ErrInsufficientStake = fmt.Errorf("%w: certificate signers below quorum", types.ErrInvalidMessage)

// EpochSource exposes retained epoch states and the live config.
// *epoch.Manager satisfies it.
type EpochSource interface {
	Epoch(number uint64) (*epoch.State, bool)
	Config() epoch.Config
}

// Store persists issued certificates.
type Store interface {
	AppendCertificate(cert *types.FinalityCertificate) error
	Certificate(height uint64) (*types.FinalityCertificate, error)
}

type tentativeBlock struct {
	block *types.Block
	epoch uint64
	nonce uint64
}

// Manager collects votes and certificates for the local chain.
type Manager struct {
	mu        sync.RWMutex
	epochs    EpochSource
	store     Store
	logger    *slog.Logger
	votes     map[uint64]map[types.ValidatorID]*types.Message
	certs     map[uint64]*types.FinalityCertificate
	tentative map[uint64]*tentativeBlock
	finalized uint64
	headNum   uint64
	headHash  types.Hash
}

type Option func(*Manager)

func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager returns a manager whose chain is final up to base.
func NewManager(epochs EpochSource, base uint64, baseHash types.Hash, opts ...Option) *Manager {
	m := &Manager{
		epochs:    epochs,
		logger:    slog.Default(),
		votes:     make(map[uint64]map[types.ValidatorID]*types.Message),
		certs:     make(map[uint64]*types.FinalityCertificate),
		tentative: make(map[uint64]*tentativeBlock),
		finalized: base,
		headNum:   base,
		headHash:  baseHash,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "finality"))
	return m
}

// Restore reloads previously issued certificates without persisting them
// again.
func (m *Manager) Restore(certs []*types.FinalityCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := append([]*types.FinalityCertificate(nil), certs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })
	for _, cert := range sorted {
		if existing, ok := m.certs[cert.Height]; ok && existing.BlockHash != cert.BlockHash {
			return fmt.Errorf("%w: height %d", types.ErrConflictingCertificate, cert.Height)
		}
		m.certs[cert.Height] = cert.Clone()
		m.observeHeadLocked(cert.Height, cert.BlockHash)
	}
	m.advanceLocked()
	m.pruneLocked()
	return nil
}

// RecordVote verifies a finality vote and stores it.
func (m *Manager) RecordVote(epochNum, height uint64, id types.ValidatorID, hash types.Hash, sig []byte) error {
	state, ok := m.epochs.Epoch(epochNum)
	if !ok {
		return fmt.Errorf("%w: %d", types.ErrUnknownEpoch, epochNum)
	}
	if !state.Contains(height) {
		return fmt.Errorf("%w: height %d outside epoch %d", types.ErrEpochMismatch, height, epochNum)
	}
	pub, ok := state.PublicKey(id)
	if !ok || !state.IsActive(id) {
		return fmt.Errorf("%w: %s in epoch %d", types.ErrUnknownValidator, id, epochNum)
	}
	vote := &types.Message{
		Kind:      types.KindCommit,
		Epoch:     epochNum,
		Height:    height,
		Signer:    id,
		Digest:    hash,
		Signature: append([]byte(nil), sig...),
	}
	if err := vote.VerifySignature(pub); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.certs[height]; ok || height <= m.finalized {
		return fmt.Errorf("%w: height %d already final", types.ErrStaleMessage, height)
	}
	byID := m.votes[height]
	if byID == nil {
		byID = make(map[types.ValidatorID]*types.Message)
		m.votes[height] = byID
	}
	if prior, ok := byID[id]; ok {
		if prior.Digest == hash && prior.Epoch == epochNum {
			return fmt.Errorf("%w: %s at height %d", types.ErrDuplicateVote, id, height)
		}
		return &types.EquivocationError{Validator: id, First: prior.Clone(), Second: vote}
	}
	byID[id] = vote
	return nil
}

// TryCertify issues a certificate for hash at height when the recorded votes
// reach quorum. It returns every certificate issued as a result, in height
// order, or nil when quorum is not reached.
func (m *Manager) TryCertify(epochNum, height uint64, hash types.Hash) ([]*types.FinalityCertificate, error) {
	return m.certify(epochNum, height, hash, 0)
}

// Commit feeds an engine decision into the manager. Signed decisions are
// recorded vote by vote and certified; tentative ones wait for depth.
func (m *Manager) Commit(cb *types.CommittedBlock) ([]*types.FinalityCertificate, error) {
	if cb == nil || cb.Block == nil {
		return nil, fmt.Errorf("%w: empty decision", types.ErrInvalidMessage)
	}
	if cb.Tentative {
		return m.RecordTentative(cb.Block, cb.Epoch, cb.PoWNonce)
	}
	hash := cb.Block.Hash()
	for _, sig := range cb.Signatures {
		err := m.RecordVote(cb.Epoch, cb.Block.Height, sig.Validator, hash, sig.Signature)
		if err != nil && !errors.Is(err, types.ErrDuplicateVote) && !errors.Is(err, types.ErrStaleMessage) {
			return nil, err
		}
	}
	return m.certify(cb.Epoch, cb.Block.Height, hash, cb.View)
}

func (m *Manager) certify(epochNum, height uint64, hash types.Hash, view uint64) ([]*types.FinalityCertificate, error) {
	state, ok := m.epochs.Epoch(epochNum)
	if !ok {
		return nil, fmt.Errorf("%w: %d", types.ErrUnknownEpoch, epochNum)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.certs[height]; ok {
		if existing.BlockHash != hash {
			return nil, fmt.Errorf("%w: height %d has %s, got %s", types.ErrConflictingCertificate, height, existing.BlockHash, hash)
		}
		return nil, nil
	}
	var sigs []types.ValidatorSignature
	var signers []types.ValidatorID
	for id, vote := range m.votes[height] {
		if vote.Digest != hash || vote.Epoch != epochNum {
			continue
		}
		sigs = append(sigs, types.ValidatorSignature{Validator: id, Signature: append([]byte(nil), vote.Signature...)})
		signers = append(signers, id)
	}
	if !state.HasQuorum(state.SignerStake(signers)) {
		return nil, nil
	}
	types.SortSignatures(sigs)
	cert := &types.FinalityCertificate{
		Height:     height,
		Epoch:      epochNum,
		View:       view,
		Mode:       state.Mode(),
		BlockHash:  hash,
		Signatures: sigs,
	}
	return m.issueLocked(cert)
}

// Import verifies a certificate received from a peer and adopts it.
func (m *Manager) Import(cert *types.FinalityCertificate) ([]*types.FinalityCertificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: nil certificate", types.ErrInvalidMessage)
	}
	m.mu.RLock()
	existing, err := m.knownLocked(cert.Height)
	finalized := m.finalized
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.BlockHash != cert.BlockHash {
			return nil, fmt.Errorf("%w: height %d has %s, peer sent %s", types.ErrConflictingCertificate, cert.Height, existing.BlockHash, cert.BlockHash)
		}
		return nil, nil
	}
	if cert.Height <= finalized {
		return nil, fmt.Errorf("%w: height %d at or below finalized %d", types.ErrStaleMessage, cert.Height, finalized)
	}
	state, ok := m.epochs.Epoch(cert.Epoch)
	if !ok {
		return nil, fmt.Errorf("%w: %d", types.ErrUnknownEpoch, cert.Epoch)
	}
	if !state.Contains(cert.Height) {
		return nil, fmt.Errorf("%w: height %d outside epoch %d", types.ErrEpochMismatch, cert.Height, cert.Epoch)
	}

	if cert.Mode != state.Mode() {
		return nil, fmt.Errorf("%w: %s certificate for %s epoch %d", types.ErrInvalidMessage, cert.Mode, state.Mode(), cert.Epoch)
	}
	switch cert.Mode {
	case types.ModePoS, types.ModePBFT:
		if err := VerifySignatures(state, cert); err != nil {
			return nil, err
		}
	case types.ModeEmergencyPoW:
		m.mu.RLock()
		tb, ok := m.tentative[cert.Height]
		m.mu.RUnlock()
		if !ok || tb.block.Hash() != cert.BlockHash || tb.nonce != cert.PoWNonce {
			return nil, fmt.Errorf("%w: no matching tentative block at height %d", types.ErrInvalidMessage, cert.Height)
		}
	default:
		return nil, fmt.Errorf("%w: certificate mode %s", types.ErrInvalidMessage, cert.Mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issueLocked(cert.Clone())
}

// VerifySignatures checks that cert carries distinct, valid signatures from
// active validators of state worth at least the quorum stake.
func VerifySignatures(state *epoch.State, cert *types.FinalityCertificate) error {
	seen := make(map[types.ValidatorID]struct{}, len(cert.Signatures))
	signers := make([]types.ValidatorID, 0, len(cert.Signatures))
	for _, sig := range cert.Signatures {
		if _, dup := seen[sig.Validator]; dup {
			return fmt.Errorf("%w: %s signs twice", types.ErrDuplicateVote, sig.Validator)
		}
		seen[sig.Validator] = struct{}{}
		pub, ok := state.PublicKey(sig.Validator)
		if !ok || !state.IsActive(sig.Validator) {
			return fmt.Errorf("%w: %s", types.ErrUnknownValidator, sig.Validator)
		}
		vote := &types.Message{Kind: types.KindCommit, Epoch: cert.Epoch, Height: cert.Height, Signer: sig.Validator, Digest: cert.BlockHash, Signature: sig.Signature}
		if err := vote.VerifySignature(pub); err != nil {
			return err
		}
		signers = append(signers, sig.Validator)
	}
	if !state.HasQuorum(state.SignerStake(signers)) {
		return fmt.Errorf("%w: height %d", ErrInsufficientStake, cert.Height)
	}
	return nil
}

// RecordTentative registers an EmergencyPoW block. Tentative blocks become
// final once buried by the configured depth.
func (m *Manager) RecordTentative(block *types.Block, epochNum, nonce uint64) ([]*types.FinalityCertificate, error) {
	if block == nil {
		return nil, fmt.Errorf("%w: nil block", types.ErrInvalidMessage)
	}
	depth := m.epochs.Config().FinalityDepth
	hash := block.Hash()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.certs[block.Height]; ok {
		if existing.BlockHash != hash {
			return nil, fmt.Errorf("%w: height %d already final with %s", types.ErrConflictingCertificate, block.Height, existing.BlockHash)
		}
		return nil, nil
	}
	if prior, ok := m.tentative[block.Height]; ok && prior.block.Hash() != hash {
		return nil, fmt.Errorf("%w: tentative block at height %d already seen", types.ErrStaleMessage, block.Height)
	}
	m.tentative[block.Height] = &tentativeBlock{block: block.Clone(), epoch: epochNum, nonce: nonce}
	m.observeHeadLocked(block.Height, hash)

	var issued []*types.FinalityCertificate
	for _, height := range m.tentativeHeightsLocked() {
		if height+depth > m.headNum {
			break
		}
		tb := m.tentative[height]
		out, err := m.issueLocked(powCertificate(tb))
		if err != nil {
			return issued, err
		}
		issued = append(issued, out...)
	}
	return issued, nil
}

func powCertificate(tb *tentativeBlock) *types.FinalityCertificate {
	return &types.FinalityCertificate{
		Height:    tb.block.Height,
		Epoch:     tb.epoch,
		Mode:      types.ModeEmergencyPoW,
		BlockHash: tb.block.Hash(),
		PoWNonce:  tb.nonce,
	}
}

// issueLocked persists cert and finalizes tentative blocks it covers.
func (m *Manager) issueLocked(cert *types.FinalityCertificate) ([]*types.FinalityCertificate, error) {
	existing, err := m.knownLocked(cert.Height)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.BlockHash != cert.BlockHash {
			return nil, fmt.Errorf("%w: height %d", types.ErrConflictingCertificate, cert.Height)
		}
		return nil, nil
	}
	var issued []*types.FinalityCertificate
	if cert.Mode != types.ModeEmergencyPoW {
		for _, height := range m.tentativeHeightsLocked() {
			if height >= cert.Height {
				break
			}
			covered, err := m.persistLocked(powCertificate(m.tentative[height]))
			if err != nil {
				return issued, err
			}
			issued = append(issued, covered)
		}
	}
	out, err := m.persistLocked(cert)
	if err != nil {
		return issued, err
	}
	issued = append(issued, out)
	m.advanceLocked()
	m.pruneLocked()
	return issued, nil
}

// knownLocked returns the certificate held for height, from memory or, for
// heights already pruned or written before a restart, from the store.
func (m *Manager) knownLocked(height uint64) (*types.FinalityCertificate, error) {
	if cert, ok := m.certs[height]; ok {
		return cert, nil
	}
	if m.store == nil {
		return nil, nil
	}
	cert, err := m.store.Certificate(height)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load certificate %d: %w", height, err)
	}
	return cert, nil
}

func (m *Manager) persistLocked(cert *types.FinalityCertificate) (*types.FinalityCertificate, error) {
	if m.store != nil {
		if err := m.store.AppendCertificate(cert); err != nil {
			return nil, fmt.Errorf("persist certificate %d: %w", cert.Height, err)
		}
	}
	m.certs[cert.Height] = cert
	delete(m.tentative, cert.Height)
	delete(m.votes, cert.Height)
	m.observeHeadLocked(cert.Height, cert.BlockHash)
	m.logger.Info("block finalized",
		slog.Uint64("height", cert.Height),
		slog.Uint64("epoch", cert.Epoch),
		slog.String("mode", cert.Mode.String()),
		slog.String("hash", cert.BlockHash.String()),
		slog.Int("signatures", len(cert.Signatures)))
	return cert.Clone(), nil
}

func (m *Manager) advanceLocked() {
	for {
		if _, ok := m.certs[m.finalized+1]; !ok {
			return
		}
		m.finalized++
	}
}

func (m *Manager) pruneLocked() {
	for height := range m.votes {
		if height <= m.finalized {
			delete(m.votes, height)
		}
	}
	if m.finalized <= certRetention {
		return
	}
	floor := m.finalized - certRetention
	for height := range m.certs {
		if height < floor {
			delete(m.certs, height)
		}
	}
}

func (m *Manager) observeHeadLocked(height uint64, hash types.Hash) {
	if height >= m.headNum {
		m.headNum = height
		m.headHash = hash
	}
}

func (m *Manager) tentativeHeightsLocked() []uint64 {
	heights := make([]uint64, 0, len(m.tentative))
	for h := range m.tentative {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// Certificate returns the certificate for height, consulting the store for
// heights no longer held in memory.
func (m *Manager) Certificate(height uint64) (*types.FinalityCertificate, bool) {
	m.mu.RLock()
	cert, ok := m.certs[height]
	m.mu.RUnlock()
	if ok {
		return cert.Clone(), true
	}
	if m.store == nil {
		return nil, false
	}
	stored, err := m.store.Certificate(height)
	if err != nil || stored == nil {
		return nil, false
	}
	return stored, true
}

// IsTentative reports whether height holds a block still awaiting finality.
func (m *Manager) IsTentative(height uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tentative[height]
	return ok
}

// FinalizedHeight is the highest height below which every block is final.
// It never decreases.
func (m *Manager) FinalizedHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalized
}

// Head returns the highest known block, final or tentative.
func (m *Manager) Head() (uint64, types.Hash) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headNum, m.headHash
}
