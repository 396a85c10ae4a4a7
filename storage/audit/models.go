package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Certificate mirrors one finality certificate and the block it covers.
type Certificate struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Height     uint64    `gorm:"uniqueIndex;not null"`
	Epoch      uint64    `gorm:"index"`
	View       uint64
	Mode       string `gorm:"size:16;index"`
	BlockHash  string `gorm:"size:64;not null"`
	Parent     string `gorm:"size:64"`
	Proposer   string `gorm:"size:64;index"`
	Timestamp  uint64
	Signatures int
	PoWNonce   uint64
	CreatedAt  time.Time
}

// Epoch mirrors a frozen epoch state.
type Epoch struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Number           uint64    `gorm:"uniqueIndex;not null"`
	Mode             string    `gorm:"size:16;index"`
	Reason           string    `gorm:"size:64"`
	StartHeight      uint64
	EndHeight        uint64
	StartTime        uint64
	QuorumBps        uint64
	TotalActiveStake string `gorm:"size:80"`
	Validators       int
	ActiveValidators int
	Seed             string `gorm:"size:64"`
	CreatedAt        time.Time
}

// SlashingEvent mirrors an applied penalty.
type SlashingEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Fingerprint   string    `gorm:"size:64;uniqueIndex;not null"`
	Kind          string    `gorm:"size:32;index"`
	Accused       string    `gorm:"size:64;index"`
	Epoch         uint64    `gorm:"index"`
	Height        uint64
	AppliedEpoch  uint64
	Burned        string `gorm:"size:80"`
	Status        string `gorm:"size:16"`
	StatusEpoch   uint64
	ReputationBps uint64
	CreatedAt     time.Time
}

// AutoMigrate creates or updates the audit tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Certificate{}, &Epoch{}, &SlashingEvent{})
}
