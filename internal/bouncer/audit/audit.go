// Package audit persists a row for every terminal bouncer verdict, so
// operators get the same audit visibility the teacher gives WAF/ACL
// decisions. Grounded directly on
// internal/services/security_service.go's SecurityService.LogDecision
// and internal/models/security_decision.go's SecurityDecision row
// shape, generalised from CrowdSec/WAF/RateLimit sources to the
// bouncer's own verdict kinds.
package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Decision is the audit row for one terminal bouncer verdict.
type Decision struct {
	ID         uint   `gorm:"primaryKey"`
	UUID       string `gorm:"uniqueIndex"`
	IP         string
	Verdict    string
	Scope      string
	DecisionID int64
	CreatedAt  time.Time
}

// Recorder persists Decision rows via GORM.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder wraps an already-migrated *gorm.DB.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Migrate creates the audit table if it doesn't already exist.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Decision{})
}

// Log records one terminal verdict. A logging failure must never fail
// the request it is auditing, so callers typically ignore its error
// beyond logging it themselves.
func (r *Recorder) Log(ip, verdict, scope string, decisionID int64) error {
	row := &Decision{
		UUID:       uuid.NewString(),
		IP:         ip,
		Verdict:    verdict,
		Scope:      scope,
		DecisionID: decisionID,
		CreatedAt:  time.Now(),
	}
	return r.db.Create(row).Error
}

// Recent returns the most recent audit rows, newest first.
func (r *Recorder) Recent(limit int) ([]Decision, error) {
	var rows []Decision
	err := r.db.Order("created_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}
