package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/time/rate"

	"adaptivechain/config"
	"adaptivechain/consensus/advisory"
	"adaptivechain/consensus/engine"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/finality"
	"adaptivechain/consensus/orchestrator"
	"adaptivechain/consensus/slashing"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/store"
	"adaptivechain/consensus/validator"
	"adaptivechain/crypto"
	"adaptivechain/storage"
	"adaptivechain/storage/audit"
)

// node bundles the consensus collaborators of one validator process.
type node struct {
	db       storage.Database
	store    *store.Store
	ledger   *store.Ledger
	epochs   *epoch.Manager
	finality *finality.Manager
	audit    *audit.Index
	orch     *orchestrator.Orchestrator
}

func (n *node) Close() {
	if n.orch != nil {
		n.orch.Close()
	}
	if n.audit != nil {
		_ = n.audit.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
}

// assembleNode opens storage under cfg.DataDir, restores or initialises the
// validator registry and epoch history, and wires the orchestrator.
func assembleNode(cfg *config.Config, genesis *config.Genesis, key *crypto.PrivateKey, broadcaster engine.Broadcaster, logger *slog.Logger) (*node, error) {
	epochCfg, err := cfg.Consensus.EpochConfig()
	if err != nil {
		return nil, err
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"), true)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n := &node{db: db, store: store.New(db)}
	if err := n.init(cfg, epochCfg, genesis, key, broadcaster, logger); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) init(cfg *config.Config, epochCfg epoch.Config, genesis *config.Genesis, key *crypto.PrivateKey, broadcaster engine.Broadcaster, logger *slog.Logger) error {
	registry, restored, err := n.store.RestoreRegistry()
	if err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	if !restored {
		registry, err = genesisRegistry(genesis)
		if err != nil {
			return err
		}
		if err := n.store.SaveValidators(registry.Snapshot()); err != nil {
			return fmt.Errorf("persist genesis validators: %w", err)
		}
	}

	n.epochs, err = epoch.NewManager(epochCfg, registry, epoch.WithStore(n.store), epoch.WithLogger(logger))
	if err != nil {
		return err
	}
	history, err := n.store.LoadEpochs(epochCfg.SnapshotHistory)
	if err != nil {
		return fmt.Errorf("load epochs: %w", err)
	}
	if len(history) > 0 {
		if err := n.epochs.Restore(history); err != nil {
			return err
		}
	} else if _, err := n.epochs.Genesis(epoch.Boundary{Height: 1, Timestamp: genesis.Timestamp}, genesis.SeedHash()); err != nil {
		return fmt.Errorf("genesis epoch: %w", err)
	}

	n.ledger, err = store.OpenLedger(n.db)
	if err != nil {
		return err
	}
	n.finality = finality.NewManager(n.epochs, n.ledger.FinalizedHeight(), n.ledger.LastBlockHash(),
		finality.WithStore(n.store), finality.WithLogger(logger))
	certs, err := n.store.LoadCertificates(n.ledger.FinalizedHeight() + 1)
	if err != nil {
		return fmt.Errorf("load certificates: %w", err)
	}
	if err := n.finality.Restore(certs); err != nil {
		return err
	}

	var sink orchestrator.AuditSink
	if cfg.AuditDSN != "" {
		n.audit, err = audit.Open(cfg.AuditDSN)
		if err != nil {
			return err
		}
		sink = n.audit
	}

	slasher := slashing.NewEngine(n.epochs, registry, evidence.NewStore(n.db), logger)
	n.orch, err = orchestrator.New(orchestrator.Config{
		Signer:      key,
		Broadcaster: broadcaster,
		Ledger:      n.ledger,
		Epochs:      n.epochs,
		Slashing:    slasher,
		Finality:    n.finality,
		Advisory:    advisory.NewAggregator(n.epochs, logger),
		Audit:       sink,
		Registry:    n.store,
		Logger:      logger,
		QueueSize:   cfg.Orchestrator.QueueSize,
		Workers:     cfg.Orchestrator.Workers,
		CacheSize:   cfg.Orchestrator.CacheSize,
		PeerRate:    rate.Limit(cfg.Orchestrator.PeerRate),
		PeerBurst:   cfg.Orchestrator.PeerBurst,
	})
	return err
}

func genesisRegistry(genesis *config.Genesis) (*validator.Registry, error) {
	if genesis == nil {
		return nil, errors.New("no stored validator set and no genesis file")
	}
	identities, err := genesis.Identities()
	if err != nil {
		return nil, err
	}
	registry := validator.NewRegistry()
	for _, id := range identities {
		if err := registry.Register(id); err != nil {
			return nil, fmt.Errorf("register genesis validator %s: %w", id.ID, err)
		}
	}
	return registry, nil
}

// run drives the orchestrator until ctx is done or consensus halts.
func (n *node) run(ctx context.Context) error {
	err := n.orch.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
