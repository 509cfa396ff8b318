package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Campaign models a coupon offer with a fixed quota and issue window.
type Campaign struct {
	ID    uuid.UUID
	Title string
	// TotalQuantity is nil for campaigns without a quota.
	TotalQuantity  *int64
	IssuedQuantity int64
	IssueStart     time.Time
	IssueEnd       time.Time
	IssueComplete  bool
	// LockFence is the highest lock fence that has written an issuance.
	LockFence      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Unlimited reports whether the campaign has no quota.
func (c *Campaign) Unlimited() bool {
	return c.TotalQuantity == nil
}

// Limit returns the quota, or math.MaxInt64 for unlimited campaigns.
func (c *Campaign) Limit() int64 {
	if c.TotalQuantity == nil {
		return math.MaxInt64
	}
	return *c.TotalQuantity
}

// WithinWindow reports whether now falls in [IssueStart, IssueEnd).
func (c *Campaign) WithinWindow(now time.Time) bool {
	return !now.Before(c.IssueStart) && now.Before(c.IssueEnd)
}

// IssuanceRecord is durable proof that a user received a coupon for a campaign.
type IssuanceRecord struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	UserID     string
	IssuedAt   time.Time
}

// IssuanceOutcome enumerates the terminal results of an issue attempt.
type IssuanceOutcome string

const (
	OutcomeIssued        IssuanceOutcome = "issued"
	OutcomeAlreadyIssued IssuanceOutcome = "already_issued"
	OutcomeExhausted     IssuanceOutcome = "exhausted"
	OutcomeExhaustedHint IssuanceOutcome = "exhausted_hint"
	OutcomeClosed        IssuanceOutcome = "closed"
	OutcomeNotFound      IssuanceOutcome = "not_found"
	OutcomeLockTimeout   IssuanceOutcome = "lock_timeout"
	OutcomeUnavailable   IssuanceOutcome = "unavailable"
	OutcomeInvalid       IssuanceOutcome = "invalid"
	OutcomeRequested     IssuanceOutcome = "requested"
)

// IssuanceEvent captures one issue attempt for the audit trail.
type IssuanceEvent struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	UserID     string
	RecordID   *uuid.UUID
	Outcome    IssuanceOutcome
	Error      string
	OccurredAt time.Time
}
