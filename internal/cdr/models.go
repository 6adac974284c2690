package cdr

import (
	"time"

	"github.com/storewise/charging/internal/settlement"
)

// PlatformContext is the singleton bookkeeping row shared by the CDR
// generator and the payout engine. FailedCDRs holds batches whose
// dispatch failed and that await a resend.
type PlatformContext struct {
	ID         int64            `gorm:"primaryKey"`
	FailedCDRs []settlement.CDR `gorm:"serializer:json"`
	UpdatedAt  time.Time
}

func (PlatformContext) TableName() string { return "platform_contexts" }

// platformContextID is the fixed primary key of the singleton row.
const platformContextID = 1
