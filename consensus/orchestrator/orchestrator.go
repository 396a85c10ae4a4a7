// Package orchestrator drives the consensus core. A single actor consumes an
// ordered queue of verified messages, timer ticks and mining results, routes
// them to the engine of the current epoch, and turns engine decisions into
// certificates, ledger commits and epoch rotations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"adaptivechain/consensus/advisory"
	"adaptivechain/consensus/bft"
	"adaptivechain/consensus/engine"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/finality"
	"adaptivechain/consensus/pos"
	"adaptivechain/consensus/pow"
	"adaptivechain/consensus/slashing"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
	"adaptivechain/crypto"
	"adaptivechain/observability/metrics"
)

const (
	defaultQueueSize = 4096
	defaultCacheSize = 8192
	nextEpochLimit   = 4096
	// stepBudget bounds how many heights a single step may decide before
	// yielding back to the queue.
	stepBudget = 64
	// inputPenaltyBps is taken from a validator's reputation for each
	// authenticated message rejected as invalid.
	inputPenaltyBps = 10
)

var ErrRateLimited = errors.New("orchestrator: peer rate limit exceeded")

// State is the orchestrator lifecycle state.
type State uint8

const (
	StateInitializing State = iota
	StateRunning
	StateTransitioning
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateTransitioning:
		return "transitioning"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is a point-in-time view for operators.
type Status struct {
	State           State
	Mode            types.ConsensusMode
	Epoch           uint64
	Height          uint64
	View            uint64
	Leader          types.ValidatorID
	FinalizedHeight uint64
	Committed       uint64
	Error           string
}

// Config wires the orchestrator to its collaborators.
type Config struct {
	Signer      *crypto.PrivateKey
	Broadcaster engine.Broadcaster
	Ledger      Ledger
	Epochs      *epoch.Manager
	Slashing    *slashing.Engine
	Finality    *finality.Manager
	Advisory    *advisory.Aggregator
	Audit       AuditSink
	Registry    RegistryStore
	Logger      *slog.Logger

	QueueSize int
	Workers   int
	CacheSize int
	PeerRate  rate.Limit
	PeerBurst int

	// Miner searches for a PoW solution off the actor. Defaults to pow.Solve.
	Miner func(context.Context, pow.Job) (*types.PoWSolution, error)
	Now   func() time.Time
}

type item struct {
	msg      *types.Message
	verified bool
	solution *types.PoWSolution
	epoch    uint64
	kick     bool
}

// Orchestrator is the consensus actor.
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.ConsensusMetrics
	local    types.ValidatorID
	registry *validator.Registry

	inbound  chan item
	verifyCh chan item
	verifier *verifier
	limiter  *peerLimiter
	feed     *Feed

	// mu serialises all state transitions; the actor holds it per item.
	mu            sync.Mutex
	ctx           context.Context
	started       bool
	eng           engine.Engine
	tracker       *epoch.MetricsTracker
	blocks        map[types.Hash]*types.Block
	certs         map[uint64]*types.FinalityCertificate
	committed     uint64
	tipHeight     uint64
	tip           types.Hash
	headTime      uint64
	nextEpoch     []*types.Message
	powDifficulty uint64
	powTimestamps []uint64
	timer         *time.Timer
	armed         engine.Slot
	mineCancel    context.CancelFunc

	statusMu sync.RWMutex
	status   Status
	haltErr  error
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("orchestrator: ledger required")
	case cfg.Epochs == nil:
		return nil, fmt.Errorf("orchestrator: epoch manager required")
	case cfg.Slashing == nil:
		return nil, fmt.Errorf("orchestrator: slashing engine required")
	case cfg.Finality == nil:
		return nil, fmt.Errorf("orchestrator: finality manager required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.PeerRate == 0 {
		cfg.PeerRate = rate.Inf
	}
	if cfg.Miner == nil {
		cfg.Miner = pow.Solve
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Advisory == nil {
		cfg.Advisory = advisory.NewAggregator(cfg.Epochs, cfg.Logger)
	}
	m := metrics.Consensus()
	v, err := newVerifier(cfg.Epochs, cfg.CacheSize, m)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "orchestrator")),
		tracer:   otel.Tracer("adaptivechain/consensus/orchestrator"),
		metrics:  m,
		local:    engine.LocalID(cfg.Signer),
		registry: cfg.Epochs.Registry(),
		inbound:  make(chan item, cfg.QueueSize),
		verifyCh: make(chan item, cfg.QueueSize),
		verifier: v,
		limiter:  newPeerLimiter(cfg.PeerRate, cfg.PeerBurst, cfg.Now),
		feed:     newFeed(),
		ctx:      context.Background(),
		blocks:   make(map[types.Hash]*types.Block),
		certs:    make(map[uint64]*types.FinalityCertificate),
	}
	o.status.State = StateInitializing
	return o, nil
}

// Start builds the engine for the current epoch. The epoch manager must hold
// a genesis or restored history.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	cur := o.cfg.Epochs.Current()
	if cur == nil {
		return fmt.Errorf("orchestrator: epoch manager has no genesis")
	}
	o.ctx = ctx
	o.committed = o.cfg.Ledger.FinalizedHeight()
	o.tipHeight, o.tip = o.cfg.Finality.Head()
	if o.tipHeight >= cur.EndHeight() {
		// Stopped on a boundary: the last epoch is complete.
		if err := o.rotate(); err != nil {
			return err
		}
	} else if err := o.startEngine(cur); err != nil {
		return err
	}
	o.started = true
	o.setState(StateRunning)
	o.logger.Info("consensus started",
		slog.Uint64("epoch", o.eng.Epoch().Number()),
		slog.String("mode", o.eng.Mode().String()),
		slog.Uint64("height", o.eng.Slot().Height),
		slog.String("validator", o.local.String()))
	o.step()
	return nil
}

// Run starts the verifier pool and consumes the queue until ctx is done or
// consensus halts.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Close()
	// Workers stop when Run returns, including after a halt while the
	// caller's context is still live.
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.verifyLoop(ctx)
		}()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-o.inbound:
			o.mu.Lock()
			_ = o.process(it)
			o.mu.Unlock()
			if err := o.Err(); err != nil {
				return err
			}
		}
	}
}

// Close stops timers and mining.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopBackground()
}

func (o *Orchestrator) verifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-o.verifyCh:
			err := o.verifier.verify(it.msg)
			switch {
			case err == nil:
				it.verified = true
			case errors.Is(err, types.ErrUnknownEpoch):
				// Possibly the next epoch; the actor decides.
			default:
				o.metrics.ObserveMessage(it.msg.Kind.String(), "bad_signature")
				o.logger.Debug("message dropped", slog.String("kind", it.msg.Kind.String()), slog.String("error", err.Error()))
				continue
			}
			select {
			case o.inbound <- it:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Submit queues a message received from peer for verification.
func (o *Orchestrator) Submit(ctx context.Context, peer string, msg *types.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", types.ErrInvalidMessage)
	}
	if msg.Kind == types.KindTimeout {
		return fmt.Errorf("%w: timeouts are local", types.ErrInvalidMessage)
	}
	if err := o.Err(); err != nil {
		return err
	}
	if !o.limiter.Allow(peer) {
		o.metrics.ObserveMessage(msg.Kind.String(), "rate_limited")
		return fmt.Errorf("%w: %s", ErrRateLimited, peer)
	}
	select {
	case o.verifyCh <- item{msg: msg.Clone()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch verifies and processes msg synchronously.
func (o *Orchestrator) Dispatch(msg *types.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", types.ErrInvalidMessage)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.process(item{msg: msg.Clone()})
}

// SubmitEvidence verifies and applies slashing evidence, gossiping it when
// it changes the registry.
func (o *Orchestrator) SubmitEvidence(e *evidence.Evidence) (*evidence.Event, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.Err(); err != nil {
		return nil, false, err
	}
	event, applied, err := o.applyEvidence(e)
	if err == nil && applied {
		o.gossipEvidence(e)
	}
	return event, applied, err
}

// SubmitReport records an advisory report. The node's own reports are
// gossiped.
func (o *Orchestrator) SubmitReport(r *advisory.Report) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	accepted, err := o.cfg.Advisory.SubmitReport(r)
	if err != nil || !accepted || r.Source != o.local || o.cfg.Broadcaster == nil {
		return err
	}
	msg, err := r.Message()
	if err != nil {
		return err
	}
	if err := o.cfg.Broadcaster.Broadcast(msg); err != nil {
		o.logger.Warn("broadcast advisory failed", slog.String("error", err.Error()))
	}
	return nil
}

// ScheduleConfig stages a governance config for the next boundary.
func (o *Orchestrator) ScheduleConfig(cfg epoch.Config) error {
	return o.cfg.Epochs.ScheduleConfig(cfg)
}

// OnEpochBoundary rotates once the current engine has decided its last
// height and b is the height that follows it. The actor rotates on its own
// when it observes the boundary, so a boundary already crossed is a no-op.
func (o *Orchestrator) OnEpochBoundary(b epoch.Boundary) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.Err(); err != nil {
		return err
	}
	if o.eng == nil {
		return fmt.Errorf("orchestrator: not started")
	}
	cur := o.eng.Epoch()
	if cur.StartHeight() == b.Height && cur.Number() > 0 {
		return nil
	}
	if !o.eng.Done() || b.Height != cur.EndHeight()+1 {
		return fmt.Errorf("orchestrator: boundary %d not reached in epoch %d", b.Height, cur.Number())
	}
	if err := o.rotate(); err != nil {
		o.halt(err)
		return o.Err()
	}
	o.step()
	return nil
}

// Subscribe streams blocks as they are committed to the ledger.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Finalized, func()) {
	return o.feed.Subscribe(buffer)
}

func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.status
}

// Err returns the halt cause, wrapping types.ErrConsensusHalted, or nil.
func (o *Orchestrator) Err() error {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.haltErr
}

func (o *Orchestrator) process(it item) error {
	if !o.started {
		return fmt.Errorf("orchestrator: not started")
	}
	if err := o.Err(); err != nil {
		return err
	}
	kind := "kick"
	if it.msg != nil {
		kind = it.msg.Kind.String()
	} else if it.solution != nil {
		kind = types.KindPoWSolution.String()
	}
	_, span := o.tracer.Start(o.ctx, "consensus.dispatch", trace.WithAttributes(
		attribute.String("kind", kind),
		attribute.Int64("epoch", int64(o.eng.Epoch().Number())),
		attribute.Int64("height", int64(o.eng.Slot().Height)),
	))
	defer span.End()

	var err error
	switch {
	case it.solution != nil:
		err = o.onSolution(it.solution, it.epoch)
	case it.msg != nil:
		err = o.route(it.msg, it.verified)
	}
	o.step()

	result := "ok"
	if err != nil {
		result = "rejected"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if types.IsFatal(err) {
			result = "fatal"
		}
	}
	if it.msg != nil {
		o.metrics.ObserveMessage(kind, result)
	}
	return err
}

func (o *Orchestrator) route(msg *types.Message, verified bool) error {
	switch msg.Kind {
	case types.KindTimeout:
		return o.onTimeout(types.TimeoutFromMessage(msg))
	case types.KindPropose, types.KindPrepare, types.KindCommit, types.KindPoSVote, types.KindViewChange, types.KindPoWSolution:
		return o.onEngineMessage(msg, verified)
	case types.KindSlashingEvidence:
		e, err := evidence.Decode(msg.Payload)
		if err != nil {
			return err
		}
		_, _, err = o.applyEvidence(e)
		return err
	case types.KindCertificate:
		cert, err := types.DecodeCertificate(msg.Payload)
		if err != nil {
			return err
		}
		issued, err := o.cfg.Finality.Import(cert)
		if err != nil {
			if types.IsFatal(err) {
				o.halt(err)
			}
			return err
		}
		o.onCertified(issued, false)
		return nil
	case types.KindAdvisory:
		r, err := advisory.ReportFromMessage(msg)
		if err != nil {
			return err
		}
		_, err = o.cfg.Advisory.SubmitReport(r)
		return err
	default:
		return fmt.Errorf("%w: %s", types.ErrUnknownKind, msg.Kind)
	}
}

func (o *Orchestrator) onEngineMessage(msg *types.Message, verified bool) error {
	cur := o.eng.Epoch().Number()
	if msg.Epoch == cur+1 {
		if len(o.nextEpoch) >= nextEpochLimit {
			return fmt.Errorf("%w: next epoch buffer full", types.ErrStaleMessage)
		}
		o.nextEpoch = append(o.nextEpoch, msg.Clone())
		return nil
	}
	if msg.Epoch != cur {
		return fmt.Errorf("%w: message epoch %d, current %d", types.ErrEpochMismatch, msg.Epoch, cur)
	}
	if !verified {
		if err := o.verifier.verify(msg); err != nil {
			return err
		}
	}
	blocks, err := o.eng.OnMessage(msg)
	o.onDecided(blocks)
	return o.engineError(msg, err)
}

// engineError applies the consequences of an engine rejection.
func (o *Orchestrator) engineError(msg *types.Message, err error) error {
	if err == nil {
		return nil
	}
	var equivocation *types.EquivocationError
	switch {
	case errors.As(err, &equivocation):
		o.reportEquivocation(equivocation)
	case types.IsFatal(err):
		o.halt(err)
	case errors.Is(err, types.ErrNotLeader), errors.Is(err, engine.ErrInvalidBlock), errors.Is(err, types.ErrInvalidMessage):
		if msg != nil && msg.Kind.RequiresSignature() {
			o.penalize(msg.Signer, err)
		}
	}
	return err
}

func (o *Orchestrator) penalize(id types.ValidatorID, cause error) {
	rep, err := o.registry.AdjustReputation(id, -inputPenaltyBps)
	if err != nil {
		return
	}
	o.logger.Debug("reputation reduced", slog.String("validator", id.String()), slog.Uint64("reputation_bps", uint64(rep)), slog.String("cause", cause.Error()))
}

func (o *Orchestrator) reportEquivocation(eq *types.EquivocationError) {
	e, err := evidence.NewDoubleSign(eq.First, eq.Second, o.local)
	if err != nil {
		o.logger.Warn("equivocation not provable", slog.String("validator", eq.Validator.String()), slog.String("error", err.Error()))
		return
	}
	_, applied, err := o.applyEvidence(e)
	if err != nil {
		o.logger.Warn("double sign evidence rejected", slog.String("validator", eq.Validator.String()), slog.String("error", err.Error()))
		return
	}
	if applied {
		o.gossipEvidence(e)
	}
}

func (o *Orchestrator) applyEvidence(e *evidence.Evidence) (*evidence.Event, bool, error) {
	event, applied, err := o.cfg.Slashing.Submit(e, uint64(o.cfg.Now().UnixMilli()))
	if err != nil || !applied {
		return event, applied, err
	}
	o.metrics.ObserveSlashing(e.Kind.String())
	o.saveRegistry()
	if o.cfg.Audit != nil {
		if err := o.cfg.Audit.RecordSlashing(o.ctx, event); err != nil {
			o.logger.Warn("audit slashing failed", slog.String("error", err.Error()))
		}
	}
	return event, applied, nil
}

func (o *Orchestrator) gossipEvidence(e *evidence.Evidence) {
	if o.cfg.Broadcaster == nil {
		return
	}
	payload, err := evidence.Encode(e)
	if err != nil {
		return
	}
	msg := &types.Message{
		Kind:    types.KindSlashingEvidence,
		Epoch:   e.Epoch,
		Height:  e.Height,
		Signer:  o.local,
		Digest:  e.Fingerprint(),
		Payload: payload,
	}
	if err := o.cfg.Broadcaster.Broadcast(msg); err != nil {
		o.logger.Warn("broadcast evidence failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) onTimeout(t types.Timeout) error {
	if t.Epoch != o.eng.Epoch().Number() {
		return nil
	}
	slot := o.eng.Slot()
	if t.Height == slot.Height && t.View == slot.View {
		o.metrics.ObserveTimeout(o.eng.Mode().String())
		o.armed = engine.Slot{}
	}
	if err := o.eng.OnTimeout(t); err != nil {
		if types.IsFatal(err) {
			o.halt(err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) onSolution(sol *types.PoWSolution, epochNum uint64) error {
	miner, ok := o.eng.(*pow.Engine)
	if !ok || miner.Epoch().Number() != epochNum || sol.Block.Height != miner.Slot().Height {
		return nil
	}
	blocks, err := miner.Solved(sol)
	o.onDecided(blocks)
	return err
}

// onDecided turns engine decisions into certificates.
func (o *Orchestrator) onDecided(blocks []*types.CommittedBlock) {
	for _, cb := range blocks {
		block := cb.Block
		hash := block.Hash()
		o.blocks[hash] = block
		if block.Height > o.tipHeight {
			o.tipHeight, o.tip = block.Height, hash
		}
		if block.Timestamp > o.headTime {
			o.headTime = block.Timestamp
		}
		o.observe(cb)
		if cb.Tentative {
			o.cancelMining()
		}
		issued, err := o.cfg.Finality.Commit(cb)
		if err != nil {
			var equivocation *types.EquivocationError
			switch {
			case errors.As(err, &equivocation):
				o.reportEquivocation(equivocation)
			case types.IsFatal(err):
				o.halt(err)
				return
			default:
				o.logger.Warn("decision not certified", slog.Uint64("height", block.Height), slog.String("error", err.Error()))
			}
		}
		o.onCertified(issued, true)
	}
}

// observe feeds the metrics tracker from chain data only. Certificate signer
// sets differ between nodes, so a block counts as retried when its proposer
// is not the first-round leader of its height.
func (o *Orchestrator) observe(cb *types.CommittedBlock) {
	if o.tracker == nil {
		return
	}
	state := o.eng.Epoch()
	if cb.Epoch != state.Number() {
		return
	}
	if cb.Mode == types.ModeEmergencyPoW {
		o.tracker.ObserveFinalized(cb.Block, nil)
		return
	}
	summary := &types.FinalityCertificate{Height: cb.Block.Height, Epoch: cb.Epoch, Mode: cb.Mode}
	if cb.Block.Proposer != firstLeader(state, cb.Block.Height) {
		summary.View = 1
	}
	o.tracker.ObserveFinalized(cb.Block, summary)
}

func firstLeader(state *epoch.State, height uint64) types.ValidatorID {
	switch state.Mode() {
	case types.ModePoS:
		return pos.Leader(state, height, 0)
	case types.ModePBFT:
		return bft.Leader(state, height, 0)
	default:
		return types.ValidatorID{}
	}
}

// onCertified queues certificates for ledger commit and gossips the ones
// issued locally.
func (o *Orchestrator) onCertified(certs []*types.FinalityCertificate, local bool) {
	for _, cert := range certs {
		if cert.Height <= o.committed {
			continue
		}
		o.certs[cert.Height] = cert
		if local && o.cfg.Broadcaster != nil {
			if payload, err := types.EncodeCertificate(cert); err == nil {
				msg := &types.Message{
					Kind:    types.KindCertificate,
					Epoch:   cert.Epoch,
					Height:  cert.Height,
					Signer:  o.local,
					Digest:  cert.BlockHash,
					Payload: payload,
				}
				if err := o.cfg.Broadcaster.Broadcast(msg); err != nil {
					o.logger.Warn("broadcast certificate failed", slog.String("error", err.Error()))
				}
			}
		}
	}
	o.flushLedger()
}

// flushLedger commits certified blocks in height order.
func (o *Orchestrator) flushLedger() {
	for {
		cert, ok := o.certs[o.committed+1]
		if !ok {
			return
		}
		block, ok := o.blocks[cert.BlockHash]
		if !ok {
			return
		}
		if err := o.cfg.Ledger.Commit(o.ctx, block, cert); err != nil {
			o.logger.Error("ledger commit failed", slog.Uint64("height", cert.Height), slog.String("error", err.Error()))
			return
		}
		o.committed = cert.Height
		delete(o.certs, cert.Height)
		for hash, b := range o.blocks {
			if b.Height <= o.committed {
				delete(o.blocks, hash)
			}
		}
		var latency time.Duration
		if now := uint64(o.cfg.Now().UnixMilli()); now > block.Timestamp {
			latency = time.Duration(now-block.Timestamp) * time.Millisecond
		}
		o.metrics.ObserveCertificate(cert.Mode.String(), cert.Height, latency)
		if o.cfg.Audit != nil {
			if err := o.cfg.Audit.RecordCertificate(o.ctx, cert, block); err != nil {
				o.logger.Warn("audit certificate failed", slog.String("error", err.Error()))
			}
		}
		o.feed.publish(Finalized{Certificate: cert.Clone(), Block: block.Clone()})
	}
}

// step runs the proactive duties after every queue item: rotating at the
// boundary, proposing or mining when it is this node's turn, and arming the
// slot timer.
func (o *Orchestrator) step() {
	for i := 0; i < stepBudget; i++ {
		if o.Err() != nil {
			return
		}
		if o.eng.Done() {
			if err := o.rotate(); err != nil {
				o.halt(err)
				return
			}
			continue
		}
		if !o.eng.ShouldPropose() || !o.propose() {
			break
		}
		if i == stepBudget-1 {
			o.enqueue(item{kick: true})
		}
	}
	o.armTimer()
	o.refreshStatus()
}

func (o *Orchestrator) propose() bool {
	slot := o.eng.Slot()
	block, err := o.cfg.Ledger.BuildBlock(o.ctx, slot.Height, o.tip, o.local)
	if err != nil {
		o.logger.Warn("build block failed", slog.Uint64("height", slot.Height), slog.String("error", err.Error()))
		return false
	}
	blocks, err := o.eng.Propose(block)
	o.onDecided(blocks)
	if err != nil {
		if types.IsFatal(err) {
			o.halt(err)
		}
		o.logger.Warn("propose failed", slog.Uint64("height", slot.Height), slog.String("error", err.Error()))
		return false
	}
	if miner, ok := o.eng.(*pow.Engine); ok {
		if job, ok := miner.Job(); ok {
			o.startMining(job)
		}
	}
	return true
}

func (o *Orchestrator) startMining(job pow.Job) {
	o.cancelMining()
	ctx, cancel := context.WithCancel(o.ctx)
	o.mineCancel = cancel
	solve := o.cfg.Miner
	go func() {
		sol, err := solve(ctx, job)
		if err != nil {
			return
		}
		o.enqueue(item{solution: sol, epoch: job.Epoch})
	}()
}

func (o *Orchestrator) cancelMining() {
	if o.mineCancel != nil {
		o.mineCancel()
		o.mineCancel = nil
	}
}

func (o *Orchestrator) enqueue(it item) {
	select {
	case o.inbound <- it:
	default:
		o.logger.Warn("queue full, dropping local event")
	}
}

func (o *Orchestrator) armTimer() {
	if o.eng == nil || o.eng.Done() || o.Err() != nil {
		o.stopTimer()
		return
	}
	d := o.eng.TimeoutAfter()
	if d <= 0 {
		o.stopTimer()
		return
	}
	slot := o.eng.Slot()
	if o.timer != nil && slot == o.armed {
		return
	}
	o.stopTimer()
	o.armed = slot
	msg := types.TimeoutMessage(slot.Timeout())
	o.timer = time.AfterFunc(d, func() { o.enqueue(item{msg: msg}) })
}

func (o *Orchestrator) stopTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.armed = engine.Slot{}
}

func (o *Orchestrator) stopBackground() {
	o.stopTimer()
	o.cancelMining()
}

// rotate closes the current epoch and starts the engine of the next one.
func (o *Orchestrator) rotate() error {
	cur := o.cfg.Epochs.Current()
	o.setState(StateTransitioning)
	_, span := o.tracer.Start(o.ctx, "consensus.rotate", trace.WithAttributes(attribute.Int64("epoch", int64(cur.Number()))))
	defer span.End()

	adv, err := o.cfg.Advisory.Aggregate(cur.Number())
	if err != nil {
		span.RecordError(err)
		return err
	}
	observed := epoch.HealthyMetrics()
	if o.tracker != nil {
		observed = o.tracker.Snapshot()
	}
	if miner, ok := o.eng.(*pow.Engine); ok {
		o.powDifficulty = miner.Difficulty()
		o.powTimestamps = miner.Timestamps()
	} else {
		o.powDifficulty = 0
		o.powTimestamps = nil
	}
	if o.eng != nil {
		o.eng.Stop()
	}
	o.stopBackground()

	next, err := o.cfg.Epochs.Rotate(epoch.Boundary{Height: cur.EndHeight() + 1, Timestamp: o.headTime}, adv, observed)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("mode", next.Mode().String()), attribute.String("reason", next.Reason()))
	o.saveRegistry()
	if o.cfg.Audit != nil {
		if err := o.cfg.Audit.RecordEpoch(o.ctx, next); err != nil {
			o.logger.Warn("audit epoch failed", slog.String("error", err.Error()))
		}
	}
	if err := o.startEngine(next); err != nil {
		return err
	}
	o.setState(StateRunning)

	buffered := o.nextEpoch
	o.nextEpoch = nil
	for _, msg := range buffered {
		if err := o.route(msg, false); err != nil {
			o.logger.Debug("buffered message rejected", slog.String("kind", msg.Kind.String()), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (o *Orchestrator) startEngine(state *epoch.State) error {
	cfg := engine.Config{
		State:         state,
		Params:        o.cfg.Epochs.Config(),
		Height:        o.tipHeight + 1,
		Parent:        o.tip,
		ParentTime:    o.headTime,
		Signer:        o.cfg.Signer,
		Broadcaster:   o.cfg.Broadcaster,
		PoWDifficulty: o.powDifficulty,
		PoWTimestamps: o.powTimestamps,
		Logger:        o.cfg.Logger,
	}
	if v, ok := o.cfg.Ledger.(BlockValidator); ok {
		cfg.Validate = v.ValidateBlock
	}
	var (
		eng engine.Engine
		err error
	)
	switch state.Mode() {
	case types.ModePoS:
		eng, err = pos.New(cfg)
	case types.ModePBFT:
		eng, err = bft.New(cfg)
	case types.ModeEmergencyPoW:
		eng, err = pow.New(cfg)
	default:
		err = fmt.Errorf("%w: mode %s", types.ErrInvalidConfig, state.Mode())
	}
	if err != nil {
		return err
	}
	o.eng = eng
	o.tracker = epoch.NewMetricsTracker(state, o.headTime)
	o.metrics.SetEpoch(state.Number(), state.Mode().String())
	o.logger.Info("engine started",
		slog.Uint64("epoch", state.Number()),
		slog.String("mode", state.Mode().String()),
		slog.String("reason", state.Reason()),
		slog.Uint64("height", cfg.Height),
		slog.Int("validators", len(state.ActiveValidators())))
	return nil
}

func (o *Orchestrator) saveRegistry() {
	if o.cfg.Registry == nil {
		return
	}
	if err := o.cfg.Registry.SaveValidators(o.registry.Snapshot()); err != nil {
		o.logger.Error("persist registry failed", slog.String("error", err.Error()))
	}
}

// halt stops block production permanently. Issued certificates stay valid.
func (o *Orchestrator) halt(cause error) {
	o.statusMu.Lock()
	if o.haltErr != nil {
		o.statusMu.Unlock()
		return
	}
	if errors.Is(cause, types.ErrConsensusHalted) {
		o.haltErr = cause
	} else {
		o.haltErr = fmt.Errorf("%w: %w", types.ErrConsensusHalted, cause)
	}
	o.status.State = StateHalted
	o.status.Error = cause.Error()
	o.statusMu.Unlock()

	if o.eng != nil {
		o.eng.Stop()
	}
	o.stopBackground()
	o.metrics.SetHalted(true)
	o.logger.Error("consensus halted", slog.String("error", cause.Error()))
}

func (o *Orchestrator) setState(s State) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	if o.status.State == StateHalted {
		return
	}
	o.status.State = s
}

func (o *Orchestrator) refreshStatus() {
	slot := o.eng.Slot()
	finalized := o.cfg.Finality.FinalizedHeight()
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.Mode = o.eng.Mode()
	o.status.Epoch = slot.Epoch
	o.status.Height = slot.Height
	o.status.View = slot.View
	o.status.Leader = slot.Leader
	o.status.FinalizedHeight = finalized
	o.status.Committed = o.committed
}
