package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/coupon-issuance/internal/domain"
)

// IssueRequestMessage asks a worker to issue a coupon for a user.
type IssueRequestMessage struct {
	RequestID  uuid.UUID `json:"request_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	UserID     string    `json:"user_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RetryMessage represents a retry instruction for a request that failed transiently.
type RetryMessage struct {
	IssueRequestMessage
	MaxAttempts int       `json:"max_attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error,omitempty"`
}

// DeadLetterMessage records a request that ran out of attempts.
type DeadLetterMessage struct {
	IssueRequestMessage
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// IssuanceEventMessage is the wire form of domain.IssuanceEvent.
type IssuanceEventMessage struct {
	EventID    uuid.UUID  `json:"event_id"`
	CampaignID uuid.UUID  `json:"campaign_id"`
	UserID     string     `json:"user_id"`
	RecordID   *uuid.UUID `json:"record_id,omitempty"`
	Outcome    string     `json:"outcome"`
	Error      string     `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// EventMessageFrom converts a domain event to its wire form.
func EventMessageFrom(e domain.IssuanceEvent) IssuanceEventMessage {
	return IssuanceEventMessage{
		EventID:    e.ID,
		CampaignID: e.CampaignID,
		UserID:     e.UserID,
		RecordID:   e.RecordID,
		Outcome:    string(e.Outcome),
		Error:      e.Error,
		OccurredAt: e.OccurredAt,
	}
}

// ToDomain converts the message back into a domain event.
func (m IssuanceEventMessage) ToDomain() domain.IssuanceEvent {
	return domain.IssuanceEvent{
		ID:         m.EventID,
		CampaignID: m.CampaignID,
		UserID:     m.UserID,
		RecordID:   m.RecordID,
		Outcome:    domain.IssuanceOutcome(m.Outcome),
		Error:      m.Error,
		OccurredAt: m.OccurredAt,
	}
}
