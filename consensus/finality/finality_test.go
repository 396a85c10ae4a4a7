package finality

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"adaptivechain/consensus/consensustest"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
	"adaptivechain/storage"
)

type source struct {
	states map[uint64]*epoch.State
	cfg    epoch.Config
}

func newSource(states ...*epoch.State) *source {
	s := &source{states: make(map[uint64]*epoch.State), cfg: consensustest.Config()}
	for _, state := range states {
		s.states[state.Number()] = state
	}
	return s
}

func (s *source) Epoch(n uint64) (*epoch.State, bool) {
	state, ok := s.states[n]
	return state, ok
}

func (s *source) Config() epoch.Config { return s.cfg }

type memStore struct {
	certs map[uint64]*types.FinalityCertificate
	order []uint64
}

func (s *memStore) AppendCertificate(cert *types.FinalityCertificate) error {
	if s.certs == nil {
		s.certs = make(map[uint64]*types.FinalityCertificate)
	}
	s.certs[cert.Height] = cert.Clone()
	s.order = append(s.order, cert.Height)
	return nil
}

func (s *memStore) Certificate(height uint64) (*types.FinalityCertificate, error) {
	cert, ok := s.certs[height]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cert.Clone(), nil
}

func sign(t *testing.T, v consensustest.Validator, epochNum, height uint64, hash types.Hash) []byte {
	t.Helper()
	msg := consensustest.Signed(t, v, &types.Message{Kind: types.KindCommit, Epoch: epochNum, Height: height, Digest: hash})
	return msg.Signature
}

func stateAt(t *testing.T, number, start uint64, mode types.ConsensusMode, vals []consensustest.Validator) *epoch.State {
	t.Helper()
	snapshot := make([]epoch.ValidatorSnapshot, len(vals))
	for i, v := range vals {
		snapshot[i] = epoch.ValidatorSnapshot{ID: v.ID, PublicKey: v.PublicKey(), Stake: uint256.NewInt(100), Status: validator.Active()}
	}
	state, err := epoch.NewState(epoch.Params{Number: number, Mode: mode, StartHeight: start, Length: 10, QuorumBps: epoch.MinQuorumBps, Validators: snapshot})
	require.NoError(t, err)
	return state
}

func TestQuorumVotesIssueCertificate(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	store := &memStore{}
	mgr := NewManager(newSource(state), 0, types.Hash{}, WithStore(store))
	hash := types.HashBytes([]byte("block-1"))

	for _, v := range vals[:2] {
		require.NoError(t, mgr.RecordVote(0, 1, v.ID, hash, sign(t, v, 0, 1, hash)))
	}
	issued, err := mgr.TryCertify(0, 1, hash)
	require.NoError(t, err)
	require.Empty(t, issued)
	require.Zero(t, mgr.FinalizedHeight())

	require.NoError(t, mgr.RecordVote(0, 1, vals[2].ID, hash, sign(t, vals[2], 0, 1, hash)))
	issued, err = mgr.TryCertify(0, 1, hash)
	require.NoError(t, err)
	require.Len(t, issued, 1)
	require.Equal(t, uint64(1), mgr.FinalizedHeight())
	require.NoError(t, VerifySignatures(state, issued[0]))

	cert, ok := mgr.Certificate(1)
	require.True(t, ok)
	require.Equal(t, hash, cert.BlockHash)
	require.Equal(t, []uint64{1}, store.order)

	// A late vote for a final height is stale, not a new certificate.
	err = mgr.RecordVote(0, 1, vals[3].ID, hash, sign(t, vals[3], 0, 1, hash))
	require.ErrorIs(t, err, types.ErrStaleMessage)
	issued, err = mgr.TryCertify(0, 1, hash)
	require.NoError(t, err)
	require.Empty(t, issued)
}

func TestVoteRejections(t *testing.T) {
	vals := consensustest.Validators(t, 5)
	state := consensustest.State(t, 0, types.ModePoS, vals[:4], 100)
	mgr := NewManager(newSource(state), 0, types.Hash{})
	hash := types.HashBytes([]byte("a"))
	other := types.HashBytes([]byte("b"))

	require.NoError(t, mgr.RecordVote(0, 2, vals[0].ID, hash, sign(t, vals[0], 0, 2, hash)))
	err := mgr.RecordVote(0, 2, vals[0].ID, hash, sign(t, vals[0], 0, 2, hash))
	require.ErrorIs(t, err, types.ErrDuplicateVote)

	err = mgr.RecordVote(0, 2, vals[0].ID, other, sign(t, vals[0], 0, 2, other))
	var equivocation *types.EquivocationError
	require.ErrorAs(t, err, &equivocation)
	require.Equal(t, vals[0].ID, equivocation.Validator)
	require.Equal(t, hash, equivocation.First.Digest)
	require.Equal(t, other, equivocation.Second.Digest)
	require.True(t, equivocation.First.ConflictsWith(equivocation.Second))

	err = mgr.RecordVote(0, 2, vals[1].ID, hash, sign(t, vals[2], 0, 2, hash))
	require.ErrorIs(t, err, types.ErrInvalidSignature)

	err = mgr.RecordVote(0, 2, vals[4].ID, hash, sign(t, vals[4], 0, 2, hash))
	require.ErrorIs(t, err, types.ErrUnknownValidator)

	err = mgr.RecordVote(3, 2, vals[1].ID, hash, sign(t, vals[1], 3, 2, hash))
	require.ErrorIs(t, err, types.ErrUnknownEpoch)
}

func TestImportVerifiesAndNeverReplaces(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	hash := types.HashBytes([]byte("x"))

	peer := NewManager(newSource(state), 0, types.Hash{})
	for _, v := range vals[:3] {
		require.NoError(t, peer.RecordVote(0, 1, v.ID, hash, sign(t, v, 0, 1, hash)))
	}
	issued, err := peer.TryCertify(0, 1, hash)
	require.NoError(t, err)
	require.Len(t, issued, 1)
	cert := issued[0]

	local := NewManager(newSource(state), 0, types.Hash{})

	weak := cert.Clone()
	weak.Signatures = weak.Signatures[:2]
	_, err = local.Import(weak)
	require.ErrorIs(t, err, ErrInsufficientStake)

	doubled := cert.Clone()
	doubled.Signatures = append(doubled.Signatures, doubled.Signatures[0])
	_, err = local.Import(doubled)
	require.ErrorIs(t, err, types.ErrDuplicateVote)

	forged := cert.Clone()
	forged.BlockHash = types.HashBytes([]byte("y"))
	_, err = local.Import(forged)
	require.ErrorIs(t, err, types.ErrInvalidSignature)

	imported, err := local.Import(cert)
	require.NoError(t, err)
	require.Len(t, imported, 1)
	require.Equal(t, uint64(1), local.FinalizedHeight())

	again, err := local.Import(cert)
	require.NoError(t, err)
	require.Empty(t, again)

	_, err = local.Import(forged)
	require.ErrorIs(t, err, types.ErrConflictingCertificate)
	require.True(t, types.IsFatal(err))
	got, _ := local.Certificate(1)
	require.Equal(t, hash, got.BlockHash)
}

func TestFinalizedHeightIsContiguousAndMonotonic(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	mgr := NewManager(newSource(state), 0, types.Hash{})

	certify := func(height uint64) {
		hash := types.HashBytes([]byte{byte(height)})
		for _, v := range vals[:3] {
			require.NoError(t, mgr.RecordVote(0, height, v.ID, hash, sign(t, v, 0, height, hash)))
		}
		issued, err := mgr.TryCertify(0, height, hash)
		require.NoError(t, err)
		require.Len(t, issued, 1)
	}
	certify(1)
	certify(3)
	require.Equal(t, uint64(1), mgr.FinalizedHeight())
	head, _ := mgr.Head()
	require.Equal(t, uint64(3), head)
	certify(2)
	require.Equal(t, uint64(3), mgr.FinalizedHeight())
}

func TestTentativeBlocksFinalizeByDepth(t *testing.T) {
	vals := consensustest.Validators(t, 3)
	state := consensustest.State(t, 0, types.ModeEmergencyPoW, vals, 100)
	src := newSource(state)
	src.cfg.FinalityDepth = 2
	mgr := NewManager(src, 0, types.Hash{})

	var parent types.Hash
	var issued []*types.FinalityCertificate
	for h := uint64(1); h <= 3; h++ {
		block := &types.Block{Height: h, Parent: parent, Timestamp: h}
		out, err := mgr.Commit(&types.CommittedBlock{Block: block, Mode: types.ModeEmergencyPoW, PoWNonce: h * 10, Tentative: true})
		require.NoError(t, err)
		issued = append(issued, out...)
		parent = block.Hash()
	}
	require.Len(t, issued, 1)
	require.Equal(t, uint64(1), issued[0].Height)
	require.Equal(t, uint64(10), issued[0].PoWNonce)
	require.Equal(t, types.ModeEmergencyPoW, issued[0].Mode)
	require.Equal(t, uint64(1), mgr.FinalizedHeight())
	require.True(t, mgr.IsTentative(3))

	head, hash := mgr.Head()
	require.Equal(t, uint64(3), head)
	require.Equal(t, parent, hash)

	rival := &types.Block{Height: 3, Payload: []byte("rival")}
	_, err := mgr.RecordTentative(rival, 0, 1)
	require.ErrorIs(t, err, types.ErrStaleMessage)
}

func TestQuorumCertificateFinalizesEarlierTentativeBlocks(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	emergency := stateAt(t, 0, 1, types.ModeEmergencyPoW, vals)
	recovered := stateAt(t, 1, 11, types.ModePBFT, vals)
	mgr := NewManager(newSource(emergency, recovered), 8, types.Hash{})

	for _, h := range []uint64{9, 10} {
		out, err := mgr.RecordTentative(&types.Block{Height: h}, 0, h)
		require.NoError(t, err)
		require.Empty(t, out)
	}

	hash := types.HashBytes([]byte("recovered"))
	for _, v := range vals[:3] {
		require.NoError(t, mgr.RecordVote(1, 11, v.ID, hash, sign(t, v, 1, 11, hash)))
	}
	issued, err := mgr.TryCertify(1, 11, hash)
	require.NoError(t, err)
	require.Len(t, issued, 3)
	require.Equal(t, []uint64{9, 10, 11}, []uint64{issued[0].Height, issued[1].Height, issued[2].Height})
	require.Equal(t, types.ModeEmergencyPoW, issued[0].Mode)
	require.Equal(t, types.ModePBFT, issued[2].Mode)
	require.Equal(t, uint64(11), mgr.FinalizedHeight())
	require.False(t, mgr.IsTentative(9))
}

func TestImportPoWCertificateNeedsTentativeBlock(t *testing.T) {
	vals := consensustest.Validators(t, 3)
	state := consensustest.State(t, 0, types.ModeEmergencyPoW, vals, 100)
	mgr := NewManager(newSource(state), 0, types.Hash{})
	block := &types.Block{Height: 1, Payload: []byte("mined")}
	cert := &types.FinalityCertificate{Height: 1, Mode: types.ModeEmergencyPoW, BlockHash: block.Hash(), PoWNonce: 7}

	_, err := mgr.Import(cert)
	require.ErrorIs(t, err, types.ErrInvalidMessage)

	_, err = mgr.RecordTentative(block, 0, 7)
	require.NoError(t, err)
	issued, err := mgr.Import(cert)
	require.NoError(t, err)
	require.Len(t, issued, 1)
	require.Equal(t, uint64(1), mgr.FinalizedHeight())
}

func TestRestoreReloadsCertificates(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	mgr := NewManager(newSource(state), 0, types.Hash{})
	certs := []*types.FinalityCertificate{
		{Height: 2, Mode: types.ModePBFT, BlockHash: types.HashBytes([]byte{2})},
		{Height: 1, Mode: types.ModePBFT, BlockHash: types.HashBytes([]byte{1})},
	}
	require.NoError(t, mgr.Restore(certs))
	require.Equal(t, uint64(2), mgr.FinalizedHeight())

	conflict := []*types.FinalityCertificate{{Height: 2, Mode: types.ModePBFT, BlockHash: types.HashBytes([]byte{9})}}
	require.ErrorIs(t, mgr.Restore(conflict), types.ErrConflictingCertificate)
}

func quorumCertificate(t *testing.T, signers []consensustest.Validator, height uint64, hash types.Hash) *types.FinalityCertificate {
	t.Helper()
	cert := &types.FinalityCertificate{Height: height, Mode: types.ModePBFT, BlockHash: hash}
	for _, v := range signers {
		cert.Signatures = append(cert.Signatures, types.ValidatorSignature{Validator: v.ID, Signature: sign(t, v, 0, height, hash)})
	}
	types.SortSignatures(cert.Signatures)
	return cert
}

func TestImportAfterRestartIsIdempotent(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	hash := types.HashBytes([]byte("block-1"))
	store := &memStore{}

	first := NewManager(newSource(state), 0, types.Hash{}, WithStore(store))
	issued, err := first.Import(quorumCertificate(t, vals[:3], 1, hash))
	require.NoError(t, err)
	require.Len(t, issued, 1)

	// A restarted node resumes at the ledger height with nothing in memory.
	restarted := NewManager(newSource(state), 1, hash, WithStore(store))
	again, err := restarted.Import(quorumCertificate(t, vals[1:], 1, hash))
	require.NoError(t, err)
	require.Empty(t, again)
	require.Equal(t, []uint64{1}, store.order)

	other := types.HashBytes([]byte("block-1b"))
	_, err = restarted.Import(quorumCertificate(t, vals[1:], 1, other))
	require.ErrorIs(t, err, types.ErrConflictingCertificate)
	require.True(t, types.IsFatal(err))
}

func TestImportBelowFinalizedWithoutRecordIsStale(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	hash := types.HashBytes([]byte("block-1"))

	mgr := NewManager(newSource(state), 1, hash, WithStore(&memStore{}))
	_, err := mgr.Import(quorumCertificate(t, vals[:3], 1, hash))
	require.ErrorIs(t, err, types.ErrStaleMessage)
	require.False(t, types.IsFatal(err))
}
