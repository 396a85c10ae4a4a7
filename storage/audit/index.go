// Package audit mirrors consensus outcomes into a SQL database so operators
// can query certificates, epochs and slashing history without replaying the
// append-only logs.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Index implements orchestrator.AuditSink on top of gorm.
type Index struct {
	db *gorm.DB
}

// Open connects to a sqlite database at dsn and migrates the schema.
func Open(dsn string) (*Index, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dsn, err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Index, error) {
	if db == nil {
		return nil, errors.New("audit: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying connection pool.
func (x *Index) Close() error {
	sqlDB, err := x.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordCertificate stores cert and block. Replays of a height are ignored.
func (x *Index) RecordCertificate(ctx context.Context, cert *types.FinalityCertificate, block *types.Block) error {
	if cert == nil {
		return errors.New("audit: nil certificate")
	}
	row := Certificate{
		ID:         uuid.New(),
		Height:     cert.Height,
		Epoch:      cert.Epoch,
		View:       cert.View,
		Mode:       cert.Mode.String(),
		BlockHash:  cert.BlockHash.String(),
		Signatures: len(cert.Signatures),
		PoWNonce:   cert.PoWNonce,
	}
	if block != nil {
		row.Parent = block.Parent.String()
		row.Proposer = block.Proposer.String()
		row.Timestamp = block.Timestamp
	}
	return x.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// RecordEpoch stores the frozen epoch state.
func (x *Index) RecordEpoch(ctx context.Context, state *epoch.State) error {
	if state == nil {
		return errors.New("audit: nil epoch state")
	}
	row := Epoch{
		ID:               uuid.New(),
		Number:           state.Number(),
		Mode:             state.Mode().String(),
		Reason:           state.Reason(),
		StartHeight:      state.StartHeight(),
		EndHeight:        state.EndHeight(),
		StartTime:        state.StartTime(),
		QuorumBps:        state.QuorumBps(),
		TotalActiveStake: state.TotalActiveStake().Dec(),
		Validators:       len(state.Validators()),
		ActiveValidators: len(state.ActiveValidators()),
		Seed:             state.Seed().String(),
	}
	return x.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// RecordSlashing stores an applied slashing event.
func (x *Index) RecordSlashing(ctx context.Context, event *evidence.Event) error {
	if event == nil {
		return errors.New("audit: nil slashing event")
	}
	burned := "0"
	if event.Burned != nil {
		burned = event.Burned.String()
	}
	row := SlashingEvent{
		ID:            uuid.New(),
		Fingerprint:   event.Fingerprint.String(),
		Kind:          event.Kind.String(),
		Accused:       event.Accused.String(),
		Epoch:         event.Epoch,
		Height:        event.Height,
		AppliedEpoch:  event.AppliedEpoch,
		Burned:        burned,
		Status:        validator.StatusKind(event.StatusKind).String(),
		StatusEpoch:   event.StatusEpoch,
		ReputationBps: event.ReputationBps,
	}
	return x.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Certificates lists certificates with Height >= from in height order.
func (x *Index) Certificates(ctx context.Context, from uint64, limit int) ([]Certificate, error) {
	var rows []Certificate
	err := x.db.WithContext(ctx).
		Where("height >= ?", from).
		Order("height asc").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// Epochs lists the most recent epochs, newest first.
func (x *Index) Epochs(ctx context.Context, limit int) ([]Epoch, error) {
	var rows []Epoch
	err := x.db.WithContext(ctx).Order("number desc").Limit(clampLimit(limit)).Find(&rows).Error
	return rows, err
}

// SlashingEvents lists applied penalties, newest first. An empty accused
// matches every validator.
func (x *Index) SlashingEvents(ctx context.Context, accused string, limit int) ([]SlashingEvent, error) {
	query := x.db.WithContext(ctx).Order("epoch desc").Order("height desc")
	if accused != "" {
		query = query.Where("accused = ?", accused)
	}
	var rows []SlashingEvent
	err := query.Limit(clampLimit(limit)).Find(&rows).Error
	return rows, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
