package buildrecord

import (
	"time"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

// Record is one accepted build submission. A resubmitted identity gets a
// new row; the latest row is authoritative.
type Record struct {
	ID          uint   `gorm:"primaryKey"`
	BuildUUID   string `gorm:"index;not null"`
	Identity    string `gorm:"index;not null"`
	AppKey      string `gorm:"not null"`
	BuildNumber int    `gorm:"not null"`
	Backend     string
	Status      types.BuildStatus `gorm:"type:varchar(16);not null"`
	ExitCode    *int
	StartedAt   time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Record) TableName() string {
	return "build_records"
}

// Building reports whether no terminal status has been recorded yet.
func (r *Record) Building() bool {
	return !r.Status.Terminal()
}
