package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/coupon-issuance/internal/domain"
)

// Schema of the audit table:
//
//	CREATE TABLE issuance_events_by_campaign (
//	  campaign_id text, bucket timestamp, occurred_at timestamp, event_id text,
//	  user_id text, outcome text, record_id text, error text,
//	  PRIMARY KEY ((campaign_id), bucket, occurred_at, event_id)
//	) WITH CLUSTERING ORDER BY (bucket DESC, occurred_at DESC, event_id ASC);

// IssuanceLog persists issuance events in Scylla.
type IssuanceLog struct {
	session *gocql.Session
}

// NewIssuanceLog creates a new issuance log.
func NewIssuanceLog(session *gocql.Session) *IssuanceLog {
	return &IssuanceLog{session: session}
}

// Append inserts an event. Replays of the same event id overwrite the same row.
func (s *IssuanceLog) Append(ctx context.Context, event domain.IssuanceEvent) error {
	var recordID *string
	if event.RecordID != nil {
		id := event.RecordID.String()
		recordID = &id
	}
	var errText *string
	if event.Error != "" {
		errText = &event.Error
	}

	if err := s.session.Query(`INSERT INTO issuance_events_by_campaign (campaign_id, bucket, occurred_at, event_id, user_id, outcome, record_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.CampaignID.String(), bucketDate(event.OccurredAt), event.OccurredAt, event.ID.String(),
		event.UserID, string(event.Outcome), recordID, errText,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("issuance log: insert: %w", err)
	}
	return nil
}

// ListByCampaign lists events for a campaign, newest first, with pagination.
func (s *IssuanceLog) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pageState []byte) ([]domain.IssuanceEvent, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT occurred_at, event_id, user_id, outcome, record_id, error
		FROM issuance_events_by_campaign WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pageState) > 0 {
		query = query.PageState(pageState)
	}

	iter := query.Iter()
	events := make([]domain.IssuanceEvent, 0, limit)

	var (
		occurred  time.Time
		eventID   string
		userID    string
		outcome   string
		recordID  *string
		errorText *string
	)

	for iter.Scan(&occurred, &eventID, &userID, &outcome, &recordID, &errorText) {
		id, err := uuid.Parse(eventID)
		if err != nil {
			continue
		}

		event := domain.IssuanceEvent{
			ID:         id,
			CampaignID: campaignID,
			UserID:     userID,
			Outcome:    domain.IssuanceOutcome(outcome),
			OccurredAt: occurred.UTC(),
		}
		if recordID != nil {
			if rid, err := uuid.Parse(*recordID); err == nil {
				event.RecordID = &rid
			}
		}
		if errorText != nil {
			event.Error = *errorText
		}
		events = append(events, event)
		recordID, errorText = nil, nil
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("issuance log: iter close: %w", err)
	}

	return events, iter.PageState(), nil
}

func bucketDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
