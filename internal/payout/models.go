package payout

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReportsPayout tracks one submitted gateway payout batch and the
// settlement reports it covers.
type ReportsPayout struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	ReportIDs []int64      `gorm:"serializer:json"`
	PayoutID  string       `gorm:"type:text;not null;uniqueIndex"`
	Status    string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ReportsPayout) TableName() string { return "reports_payouts" }

// ItemError is the last gateway error seen for one recipient.
type ItemError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ReportSemiPaid is the per-report partial-payment ledger. Created lazily
// on the first payout activity for a report, deleted once every recipient
// has been paid.
type ReportSemiPaid struct {
	ID       snowflake.ID         `gorm:"primaryKey"`
	ReportID int64                `gorm:"not null;uniqueIndex"`
	Failed   []string             `gorm:"serializer:json"`
	Success  []string             `gorm:"serializer:json"`
	Errors   map[string]ItemError `gorm:"serializer:json"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ReportSemiPaid) TableName() string { return "report_semi_paids" }

// MarkSuccess records a successful payout for the recipient and clears
// any previous failure state.
func (s *ReportSemiPaid) MarkSuccess(receiver string) {
	s.Failed = remove(s.Failed, receiver)
	delete(s.Errors, receiver)
	if !contains(s.Success, receiver) {
		s.Success = append(s.Success, receiver)
	}
}

// MarkFailure records a failed payout attempt for the recipient.
func (s *ReportSemiPaid) MarkFailure(receiver string, itemErr ItemError) {
	if contains(s.Success, receiver) {
		return
	}
	if !contains(s.Failed, receiver) {
		s.Failed = append(s.Failed, receiver)
	}
	if s.Errors == nil {
		s.Errors = map[string]ItemError{}
	}
	s.Errors[receiver] = itemErr
}

// Succeeded reports whether the recipient has already been paid.
func (s *ReportSemiPaid) Succeeded(receiver string) bool {
	return s != nil && contains(s.Success, receiver)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func remove(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
