package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"adaptivechain/consensus/advisory"
	"adaptivechain/consensus/consensustest"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/orchestrator"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/types"
	"adaptivechain/network"
	"adaptivechain/storage/audit"
)

type fakeConsensus struct {
	mu        sync.Mutex
	status    orchestrator.Status
	submitted []*evidence.Evidence
	reports   []*advisory.Report
	reject    error
	subs      []chan orchestrator.Finalized
}

func (f *fakeConsensus) Status() orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConsensus) SubmitEvidence(e *evidence.Evidence) (*evidence.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return nil, false, f.reject
	}
	f.submitted = append(f.submitted, e)
	return &evidence.Event{
		Fingerprint: e.Fingerprint(),
		Kind:        e.Kind,
		Accused:     e.Accused,
		Epoch:       e.Epoch,
		Height:      e.Height,
		Burned:      big.NewInt(5),
	}, true, nil
}

func (f *fakeConsensus) SubmitReport(r *advisory.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeConsensus) Subscribe(buffer int) (<-chan orchestrator.Finalized, func()) {
	ch := make(chan orchestrator.Finalized, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeConsensus) setReject(err error) {
	f.mu.Lock()
	f.reject = err
	f.mu.Unlock()
}

func (f *fakeConsensus) submittedEvidence() []*evidence.Evidence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*evidence.Evidence(nil), f.submitted...)
}

func (f *fakeConsensus) advisories() []*advisory.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*advisory.Report(nil), f.reports...)
}

func (f *fakeConsensus) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeConsensus) publish(ev orchestrator.Finalized) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}

type fakeEpochs map[uint64]*epoch.State

func (f fakeEpochs) Current() *epoch.State {
	var cur *epoch.State
	for _, s := range f {
		if cur == nil || s.Number() > cur.Number() {
			cur = s
		}
	}
	return cur
}

func (f fakeEpochs) Epoch(n uint64) (*epoch.State, bool) {
	s, ok := f[n]
	return s, ok
}

type fakeCerts map[uint64]*types.FinalityCertificate

func (f fakeCerts) Certificate(h uint64) (*types.FinalityCertificate, bool) {
	c, ok := f[h]
	return c, ok
}

func (f fakeCerts) FinalizedHeight() uint64 {
	var head uint64
	for h := range f {
		if h > head {
			head = h
		}
	}
	return head
}

type fixture struct {
	consensus *fakeConsensus
	vals      []consensustest.Validator
	certs     fakeCerts
	index     *audit.Index
	srv       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 1, types.ModePoS, vals, 100)
	certs := fakeCerts{}
	for h := uint64(1); h <= 3; h++ {
		certs[h] = &types.FinalityCertificate{Height: h, Epoch: 1, Mode: types.ModePoS, BlockHash: types.HashBytes([]byte(fmt.Sprintf("block-%d", h)))}
	}
	idx, err := audit.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	require.NoError(t, idx.RecordEpoch(context.Background(), state))

	fc := &fakeConsensus{status: orchestrator.Status{State: orchestrator.StateRunning, Mode: types.ModePoS, Epoch: 1, Height: 4, Leader: vals[0].ID}}
	srv, err := New(Config{
		Consensus:    fc,
		Epochs:       fakeEpochs{1: state},
		Certificates: certs,
		Index:        idx,
		Gatherer:     prometheus.NewRegistry(),
	}, WithAuthorizer(network.NewTokenAuthenticator("", "secret")))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{consensus: fc, vals: vals, certs: certs, index: idx, srv: ts}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStatusAndEpochQueries(t *testing.T) {
	f := newFixture(t)

	var status statusPayload
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/status", &status))
	require.Equal(t, "running", status.State)
	require.Equal(t, "pos", status.Mode)
	require.Equal(t, f.vals[0].ID.String(), status.Leader)

	var current epochPayload
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/epochs/current", &current))
	require.Equal(t, uint64(1), current.Number)
	require.Len(t, current.Validators, 4)
	require.Equal(t, "400", current.TotalActiveStake)

	require.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/epochs/9", nil))
	require.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/epochs/nine", nil))

	var history struct {
		Epochs []audit.Epoch `json:"epochs"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/epochs", &history))
	require.Len(t, history.Epochs, 1)

	var health map[string]string
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", &health))
	f.consensus.mu.Lock()
	f.consensus.status = orchestrator.Status{State: orchestrator.StateHalted, Error: "consensus halted"}
	f.consensus.mu.Unlock()
	require.Equal(t, http.StatusServiceUnavailable, f.get(t, "/healthz", &health))
	require.Equal(t, "halted", health["status"])
}

func TestCertificateLookup(t *testing.T) {
	f := newFixture(t)
	var cert certificatePayload
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/certificates/2", &cert))
	require.Equal(t, uint64(2), cert.Height)
	require.Equal(t, "pos", cert.Mode)
	require.Equal(t, f.certs[2].BlockHash.String(), cert.BlockHash)
	require.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/certificates/99", nil))
}

func TestEvidenceSubmissionRequiresAuthorization(t *testing.T) {
	f := newFixture(t)
	e := &evidence.Evidence{Kind: evidence.KindDoubleSign, Accused: f.vals[1].ID, Epoch: 1, Height: 7, Proof: []byte{0xc0}}
	raw, err := evidence.Encode(e)
	require.NoError(t, err)
	body := map[string]string{"evidence": hex.EncodeToString(raw)}

	code, _ := f.post(t, "/api/v1/evidence", body, "")
	require.Equal(t, http.StatusUnauthorized, code)
	require.Empty(t, f.consensus.submittedEvidence())

	code, out := f.post(t, "/api/v1/evidence", body, "secret")
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, true, out["applied"])
	submitted := f.consensus.submittedEvidence()
	require.Len(t, submitted, 1)
	require.Equal(t, f.vals[1].ID, submitted[0].Accused)

	f.consensus.setReject(&evidence.ValidationError{Reason: evidence.RejectReasonExpired, Err: types.ErrStaleEvidence})
	code, out = f.post(t, "/api/v1/evidence", body, "secret")
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Contains(t, out["error"], "expired")

	code, _ = f.post(t, "/api/v1/evidence", map[string]string{"evidence": "zz"}, "secret")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAdvisorySubmission(t *testing.T) {
	f := newFixture(t)
	report := advisory.NewReport(1, 0.25)
	require.NoError(t, report.Sign(f.vals[2].Key))

	code, out := f.post(t, "/api/v1/advisory", map[string]any{
		"epoch":     report.Epoch,
		"source":    report.Source.String(),
		"valueBps":  report.ValueBps,
		"signature": hex.EncodeToString(report.Signature),
	}, "secret")
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, report.Fingerprint().String(), out["fingerprint"])
	reports := f.consensus.advisories()
	require.Len(t, reports, 1)
	require.Equal(t, f.vals[2].ID, reports[0].Source)

	f.consensus.setReject(fmt.Errorf("%w: boom", types.ErrConsensusHalted))
	code, _ = f.post(t, "/api/v1/advisory", map[string]any{
		"epoch":     report.Epoch,
		"source":    report.Source.String(),
		"valueBps":  report.ValueBps,
		"signature": hex.EncodeToString(report.Signature),
	}, "secret")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestFinalizedStreamReplaysThenFollows(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, f.srv.URL+"/api/v1/stream/finalized?from=2", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() finalizedPayload {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var payload finalizedPayload
		require.NoError(t, json.Unmarshal(data, &payload))
		return payload
	}
	require.Equal(t, uint64(2), read().Certificate.Height)
	require.Equal(t, uint64(3), read().Certificate.Height)

	require.Eventually(t, func() bool { return f.consensus.subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	block := &types.Block{Height: 4, Timestamp: 4_000, Proposer: f.vals[0].ID}
	f.consensus.publish(orchestrator.Finalized{Certificate: f.certs[3]})
	f.consensus.publish(orchestrator.Finalized{
		Certificate: &types.FinalityCertificate{Height: 4, Epoch: 1, Mode: types.ModePoS, BlockHash: block.Hash()},
		Block:       block,
	})

	next := read()
	require.Equal(t, uint64(4), next.Certificate.Height)
	require.NotNil(t, next.Block)
	require.Equal(t, block.Hash().String(), next.Block.Hash)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
