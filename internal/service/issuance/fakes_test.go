package issuance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/queue"
	"github.com/acme/coupon-issuance/internal/repository"
)

// memStore emulates the postgres store, including the fence and quota guards
// of TryInsertIssuance.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]*domain.Campaign
	records    map[uuid.UUID]map[string]domain.IssuanceRecord
	failInsert error
	findMisses int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: make(map[uuid.UUID]*domain.Campaign),
		records:   make(map[uuid.UUID]map[string]domain.IssuanceRecord),
	}
}

func (m *memStore) addCampaign(c domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = &c
	m.records[c.ID] = make(map[string]domain.IssuanceRecord)
}

func (m *memStore) GetCampaign(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListActiveCampaigns(_ context.Context, now time.Time, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range m.campaigns {
		if c.IssueComplete || !c.WithinWindow(now) {
			continue
		}
		if afterID != nil && c.ID.String() <= afterID.String() {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkIssueComplete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.IssueComplete = true
	return nil
}

func (m *memStore) CountIssued(_ context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records[id])), nil
}

func (m *memStore) TryInsertIssuance(_ context.Context, record domain.IssuanceRecord, fence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	c, ok := m.campaigns[record.CampaignID]
	if !ok {
		return repository.ErrNotFound
	}
	if c.LockFence > fence {
		return &repository.StaleFenceError{Fence: fence, Current: c.LockFence}
	}
	if c.TotalQuantity != nil && c.IssuedQuantity >= *c.TotalQuantity {
		return repository.ErrQuotaExceeded
	}
	if _, dup := m.records[record.CampaignID][record.UserID]; dup {
		return repository.ErrDuplicateKey
	}
	c.IssuedQuantity++
	c.LockFence = fence
	m.records[record.CampaignID][record.UserID] = record
	return nil
}

func (m *memStore) FindIssuance(_ context.Context, id uuid.UUID, userID string) (*domain.IssuanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findMisses > 0 {
		m.findMisses--
		return nil, repository.ErrNotFound
	}
	rec, ok := m.records[id][userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (m *memStore) ListIssuedUsers(_ context.Context, id uuid.UUID, after string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.records[id]))
	for u := range m.records[id] {
		if u > after {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// seed inserts a record directly, as if written by another instance.
func (m *memStore) seed(id uuid.UUID, userID string) domain.IssuanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := domain.IssuanceRecord{ID: uuid.New(), CampaignID: id, UserID: userID}
	m.records[id][userID] = rec
	m.campaigns[id].IssuedQuantity++
	return rec
}

func (m *memStore) setFailInsert(err error) {
	m.mu.Lock()
	m.failInsert = err
	m.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.IssuanceEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e domain.IssuanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) outcomes() []domain.IssuanceOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.IssuanceOutcome, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Outcome)
	}
	return out
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []queue.IssueRequestMessage
	err  error
}

func (d *recordingDispatcher) DispatchIssue(_ context.Context, msg queue.IssueRequestMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, msg)
	return nil
}
