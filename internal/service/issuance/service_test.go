package issuance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/repository"
	"github.com/acme/coupon-issuance/internal/service/lock"
	"github.com/acme/coupon-issuance/internal/service/quota"
	"github.com/acme/coupon-issuance/pkg/clock"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc        *Service
	store      *memStore
	quota      *quota.Cache
	locks      lock.Manager
	mr         *miniredis.Miniredis
	clock      *clock.Mock
	events     *recordingPublisher
	dispatcher *recordingDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 64})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewMock(testNow)
	store := newMemStore()
	q := quota.NewCache(client, "coupon:campaign")
	h := &harness{
		store:      store,
		quota:      q,
		locks:      lock.NewRedisManager(client, clk),
		mr:         mr,
		clock:      clk,
		events:     &recordingPublisher{},
		dispatcher: &recordingDispatcher{},
	}
	h.useLocks(h.locks)
	return h
}

// useLocks rebuilds the service around locks, with fresh campaign views.
func (h *harness) useLocks(locks lock.Manager) {
	h.svc = NewService(Deps{
		Campaigns:  h.store,
		Store:      h.store,
		Quota:      h.quota,
		Locks:      locks,
		Events:     h.events,
		Dispatcher: h.dispatcher,
		Clock:      h.clock,
	}, Options{LockLease: 10 * time.Second, LockWait: 10 * time.Second, ReseedBatch: 2})
}

func (h *harness) campaign(total *int64) uuid.UUID {
	id := uuid.New()
	h.store.addCampaign(domain.Campaign{
		ID:            id,
		Title:         "spring sale",
		TotalQuantity: total,
		IssueStart:    testNow.Add(-time.Hour),
		IssueEnd:      testNow.Add(time.Hour),
	})
	return id
}

func quantity(n int64) *int64 { return &n }

type tally struct {
	mu        sync.Mutex
	issued    []domain.IssuanceRecord
	exhausted int
	already   int
	other     []error
}

func (t *tally) add(rec *domain.IssuanceRecord, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err == nil:
		t.issued = append(t.issued, *rec)
	case errors.Is(err, apperrors.ErrQuotaExhausted):
		t.exhausted++
	case errors.Is(err, apperrors.ErrAlreadyIssued):
		t.already++
	default:
		t.other = append(t.other, err)
	}
}

func TestConcurrentIssueNeverExceedsQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const users, limit = 40, 10
	id := h.campaign(quantity(limit))

	var (
		wg  sync.WaitGroup
		res tally
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res.add(h.svc.IssueCoupon(ctx, id, fmt.Sprintf("user-%02d", i)))
		}(i)
	}
	wg.Wait()

	if len(res.other) > 0 {
		t.Fatalf("unexpected errors: %v", res.other)
	}
	if len(res.issued) != limit || res.exhausted != users-limit {
		t.Fatalf("expected %d issued and %d exhausted, got %d and %d", limit, users-limit, len(res.issued), res.exhausted)
	}
	if n, _ := h.store.CountIssued(ctx, id); n != limit {
		t.Fatalf("store holds %d records, want %d", n, limit)
	}
	if n, err := h.quota.GetCount(ctx, id); err != nil || n != limit {
		t.Fatalf("counter = %d (%v), want %d", n, err, limit)
	}
	if c, _ := h.store.GetCampaign(ctx, id); !c.IssueComplete {
		t.Fatalf("expected campaign to be flagged complete")
	}
}

func TestQuotaThreeFiveUsersThenWinnerRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(3))

	var (
		wg  sync.WaitGroup
		res tally
	)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res.add(h.svc.IssueCoupon(ctx, id, fmt.Sprintf("U%d", i)))
		}(i)
	}
	wg.Wait()

	if len(res.issued) != 3 || res.exhausted != 2 || len(res.other) != 0 {
		t.Fatalf("got issued=%d exhausted=%d other=%v", len(res.issued), res.exhausted, res.other)
	}

	winner := res.issued[0]
	again, err := h.svc.IssueCoupon(ctx, id, winner.UserID)
	if !errors.Is(err, apperrors.ErrAlreadyIssued) {
		t.Fatalf("expected AlreadyIssued for the winner, got %v", err)
	}
	if diff := cmp.Diff(winner, *again); diff != "" {
		t.Fatalf("retry returned a different record (-want +got):\n%s", diff)
	}
}

func TestRepeatedCallsReturnSameRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(5))

	var (
		wg  sync.WaitGroup
		res tally
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.add(h.svc.IssueCoupon(ctx, id, "same-user"))
		}()
	}
	wg.Wait()

	if len(res.issued) != 1 || res.already != 9 {
		t.Fatalf("expected one issue and nine duplicates, got %d and %d (%v)", len(res.issued), res.already, res.other)
	}

	for i := 0; i < 3; i++ {
		rec, err := h.svc.IssueCoupon(ctx, id, "same-user")
		if !errors.Is(err, apperrors.ErrAlreadyIssued) {
			t.Fatalf("call %d: expected AlreadyIssued, got %v", i, err)
		}
		if rec.ID != res.issued[0].ID {
			t.Fatalf("call %d: record id changed from %s to %s", i, res.issued[0].ID, rec.ID)
		}
	}
	if n, _ := h.quota.GetCount(ctx, id); n != 1 {
		t.Fatalf("duplicates must not consume quota, counter = %d", n)
	}
}

func TestClosedCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(5))

	for name, at := range map[string]time.Time{
		"before start": testNow.Add(-2 * time.Hour),
		"at end":       testNow.Add(time.Hour),
		"after end":    testNow.Add(48 * time.Hour),
	} {
		t.Run(name, func(t *testing.T) {
			h.clock.Set(at)
			if _, err := h.svc.IssueCoupon(ctx, id, "u1"); !errors.Is(err, apperrors.ErrCampaignClosed) {
				t.Fatalf("expected CampaignClosed, got %v", err)
			}
		})
	}
	if n, _ := h.store.CountIssued(ctx, id); n != 0 {
		t.Fatalf("closed campaign must not issue, got %d records", n)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(nil)

	cases := []struct {
		name     string
		campaign uuid.UUID
		user     string
		want     error
	}{
		{"nil campaign", uuid.Nil, "u1", apperrors.ErrValidation},
		{"empty user", id, "", apperrors.ErrValidation},
		{"unknown campaign", uuid.New(), "u1", apperrors.ErrCampaignNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.IssueCoupon(ctx, tc.campaign, tc.user); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestUnlimitedCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(nil)

	for i := 0; i < 25; i++ {
		if _, err := h.svc.IssueCoupon(ctx, id, fmt.Sprintf("u%d", i)); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	if exhausted, _ := h.quota.IsExhausted(ctx, id); exhausted {
		t.Fatalf("unlimited campaigns are never exhausted")
	}
}

func TestRecoveryAfterCacheLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(5))

	for _, u := range []string{"a", "b", "c"} {
		if _, err := h.svc.IssueCoupon(ctx, id, u); err != nil {
			t.Fatalf("issue %s: %v", u, err)
		}
	}

	h.mr.FlushAll()

	res, err := h.svc.Reconcile(ctx, id)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := &ReconcileResult{CampaignID: id, Count: 3}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("unexpected reconcile result (-want +got):\n%s", diff)
	}
	durable, _ := h.store.CountIssued(ctx, id)
	if n, err := h.quota.GetCount(ctx, id); err != nil || n != durable {
		t.Fatalf("counter = %d (%v), want durable count %d", n, err, durable)
	}
	if member, _ := h.quota.HasIssued(ctx, id, "b"); !member {
		t.Fatalf("reseed must restore the issued set")
	}

	var res2 tally
	for _, u := range []string{"d", "e", "f", "g", "h"} {
		res2.add(h.svc.IssueCoupon(ctx, id, u))
	}
	if len(res2.issued) != 2 || res2.exhausted != 3 || len(res2.other) != 0 {
		t.Fatalf("after reseed expected 2 issued and 3 exhausted, got %d, %d, %v", len(res2.issued), res2.exhausted, res2.other)
	}
	if rec, err := h.svc.IssueCoupon(ctx, id, "a"); !errors.Is(err, apperrors.ErrAlreadyIssued) || rec == nil {
		t.Fatalf("pre-loss winner must still be recognised, got %v", err)
	}
}

func TestCacheLossWithoutReconcileRecoversOnRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(3))

	for _, u := range []string{"a", "b"} {
		if _, err := h.svc.IssueCoupon(ctx, id, u); err != nil {
			t.Fatalf("issue %s: %v", u, err)
		}
	}
	h.mr.FlushAll()

	// The lock fence restarted with the cache, so the first writer is fenced
	// off by the store and told to retry.
	_, err := h.svc.IssueCoupon(ctx, id, "c")
	if !errors.Is(err, apperrors.ErrLockTimeout) || !apperrors.Retryable(err) {
		t.Fatalf("expected retryable lock timeout, got %v", err)
	}
	if _, err := h.svc.IssueCoupon(ctx, id, "c"); err != nil {
		t.Fatalf("retry after reseed: %v", err)
	}
	if _, err := h.svc.IssueCoupon(ctx, id, "d"); !errors.Is(err, apperrors.ErrQuotaExhausted) {
		t.Fatalf("expected quota to hold after recovery, got %v", err)
	}
	if n, _ := h.store.CountIssued(ctx, id); n != 3 {
		t.Fatalf("store holds %d records, want 3", n)
	}
}

func TestWinnerRecognisedAfterCacheLossOnDrainedCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(2))

	first, err := h.svc.IssueCoupon(ctx, id, "a")
	if err != nil {
		t.Fatalf("issue a: %v", err)
	}
	if _, err := h.svc.IssueCoupon(ctx, id, "b"); err != nil {
		t.Fatalf("issue b: %v", err)
	}
	h.mr.FlushAll()

	for i := 0; i < 3; i++ {
		rec, err := h.svc.IssueCoupon(ctx, id, "a")
		if !errors.Is(err, apperrors.ErrAlreadyIssued) {
			t.Fatalf("attempt %d: expected AlreadyIssued, got %v", i, err)
		}
		if rec == nil || rec.ID != first.ID {
			t.Fatalf("attempt %d: expected record %s, got %+v", i, first.ID, rec)
		}
	}
	if _, err := h.svc.IssueCoupon(ctx, id, "c"); !errors.Is(err, apperrors.ErrQuotaExhausted) {
		t.Fatalf("newcomer on a drained campaign: expected exhausted, got %v", err)
	}
	if n, _ := h.store.CountIssued(ctx, id); n != 2 {
		t.Fatalf("store holds %d records, want 2", n)
	}
}

func TestHolderRecognisedWhenReseedFindsCampaignFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(2))
	// Written by other instances; the counter was never seeded here.
	existing := h.store.seed(id, "a")
	h.store.seed(id, "b")

	rec, err := h.svc.IssueCoupon(ctx, id, "a")
	if !errors.Is(err, apperrors.ErrAlreadyIssued) {
		t.Fatalf("expected AlreadyIssued, got %v", err)
	}
	if rec == nil || rec.ID != existing.ID {
		t.Fatalf("expected record %s, got %+v", existing.ID, rec)
	}
	if n, err := h.quota.GetCount(ctx, id); err != nil || n != 2 {
		t.Fatalf("counter = %d (%v), want 2 after reseed", n, err)
	}
	if _, err := h.svc.IssueCoupon(ctx, id, "c"); !errors.Is(err, apperrors.ErrQuotaExhausted) {
		t.Fatalf("expected exhausted for a newcomer, got %v", err)
	}
}

// lapsingLocks lets the lease run out right after it is granted.
type lapsingLocks struct {
	lock.Manager
	clock *clock.Mock
}

func (l *lapsingLocks) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*lock.Handle, error) {
	h, err := l.Manager.Acquire(ctx, key, lease, wait)
	if err == nil {
		l.clock.Add(lease)
	}
	return h, err
}

// supersededLocks hands out a lease that was already lost: a newer holder
// took the key and wrote an issuance with its higher fence first.
type supersededLocks struct {
	lock.Manager
	store      *memStore
	campaignID uuid.UUID
	newerUser  string
	fired      bool
}

func (l *supersededLocks) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*lock.Handle, error) {
	stale, err := l.Manager.Acquire(ctx, key, lease, wait)
	if err != nil || l.fired {
		return stale, err
	}
	l.fired = true
	if err := l.Manager.Release(ctx, stale); err != nil {
		return nil, err
	}
	newer, err := l.Manager.Acquire(ctx, key, lease, wait)
	if err != nil {
		return nil, err
	}
	rec := domain.IssuanceRecord{ID: uuid.New(), CampaignID: l.campaignID, UserID: l.newerUser, IssuedAt: testNow}
	if err := l.store.TryInsertIssuance(ctx, rec, newer.Fence); err != nil {
		return nil, err
	}
	if err := l.Manager.Release(ctx, newer); err != nil {
		return nil, err
	}
	return stale, nil
}

func TestLeaseExpiredBeforeWriteIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(5))
	if _, err := h.svc.IssueCoupon(ctx, id, "u1"); err != nil {
		t.Fatalf("issue u1: %v", err)
	}

	h.useLocks(&lapsingLocks{Manager: h.locks, clock: h.clock})
	_, err := h.svc.IssueCoupon(ctx, id, "u2")
	if !errors.Is(err, apperrors.ErrLockTimeout) || !apperrors.Retryable(err) {
		t.Fatalf("expected retryable lock timeout, got %v", err)
	}
	if _, err := h.store.FindIssuance(ctx, id, "u2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expired holder must not write a record, got %v", err)
	}
	if n, err := h.quota.GetCount(ctx, id); err != nil || n != 1 {
		t.Fatalf("counter = %d (%v), want 1", n, err)
	}
}

func TestSupersededHolderIsFencedOff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(5))
	if _, err := h.svc.IssueCoupon(ctx, id, "u1"); err != nil {
		t.Fatalf("issue u1: %v", err)
	}

	h.useLocks(&supersededLocks{Manager: h.locks, store: h.store, campaignID: id, newerUser: "newer"})
	_, err := h.svc.IssueCoupon(ctx, id, "u2")
	if !errors.Is(err, apperrors.ErrLockTimeout) || !errors.Is(err, repository.ErrStaleFence) {
		t.Fatalf("expected lock timeout caused by a stale fence, got %v", err)
	}
	if _, err := h.store.FindIssuance(ctx, id, "u2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("stale holder must not write a record, got %v", err)
	}
	if n, err := h.quota.GetCount(ctx, id); err != nil || n != 1 {
		t.Fatalf("counter = %d (%v), want 1", n, err)
	}
	if n, _ := h.store.CountIssued(ctx, id); n != 2 {
		t.Fatalf("store holds %d records, want u1 and the newer holder's", n)
	}
}

func TestZeroOptionsUseDefaults(t *testing.T) {
	svc := NewService(Deps{}, Options{})
	if svc.opts.LockWait != defaultLockWait {
		t.Fatalf("lock wait = %s, want %s", svc.opts.LockWait, defaultLockWait)
	}
	if svc.opts.LockLease != defaultLockLease {
		t.Fatalf("lock lease = %s, want %s", svc.opts.LockLease, defaultLockLease)
	}
	if svc.opts.ReseedBatch != defaultReseedBatch {
		t.Fatalf("reseed batch = %d, want %d", svc.opts.ReseedBatch, defaultReseedBatch)
	}
}

func TestLastSlotContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(1))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.IssueCoupon(ctx, id, fmt.Sprintf("contender-%d", i))
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, apperrors.ErrQuotaExhausted):
			lost++
		default:
			t.Fatalf("loser must see QuotaExhausted, got %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected one winner and one loser, got %d and %d", won, lost)
	}
}

func TestStoreFailureLeavesCounterUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(5))

	if _, err := h.svc.IssueCoupon(ctx, id, "u1"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	h.store.setFailInsert(fmt.Errorf("issuance repo: insert: %w: connection reset", apperrors.ErrStoreUnavailable))
	_, err := h.svc.IssueCoupon(ctx, id, "u2")
	if !errors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if n, _ := h.quota.GetCount(ctx, id); n != 1 {
		t.Fatalf("counter moved on store failure: %d", n)
	}
	if member, _ := h.quota.HasIssued(ctx, id, "u2"); member {
		t.Fatalf("failed user must not enter the issued set")
	}

	h.store.setFailInsert(nil)
	if _, err := h.svc.IssueCoupon(ctx, id, "u2"); err != nil {
		t.Fatalf("issue after recovery: %v", err)
	}
	if n, _ := h.quota.GetCount(ctx, id); n != 2 {
		t.Fatalf("counter = %d, want 2", n)
	}
}

func TestDuplicateKeyReturnsExistingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(5))
	existing := h.store.seed(id, "u1")

	// Hide the record from the in-lock lookup so the insert races into the unique constraint.
	h.store.findMisses = 1
	rec, err := h.svc.IssueCoupon(ctx, id, "u1")
	if !errors.Is(err, apperrors.ErrAlreadyIssued) {
		t.Fatalf("expected AlreadyIssued, got %v", err)
	}
	if rec.ID != existing.ID {
		t.Fatalf("expected existing record %s, got %s", existing.ID, rec.ID)
	}
	if n, _ := h.quota.GetCount(ctx, id); n != 1 {
		t.Fatalf("duplicate must not move the counter, got %d", n)
	}
}

func TestExhaustedCampaignShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(2))

	for _, u := range []string{"a", "b"} {
		if _, err := h.svc.IssueCoupon(ctx, id, u); err != nil {
			t.Fatalf("issue %s: %v", u, err)
		}
	}
	_, err := h.svc.IssueCoupon(ctx, id, "c")
	if !errors.Is(err, apperrors.ErrQuotaExhaustedHint) {
		t.Fatalf("expected the cached hint once the campaign is complete, got %v", err)
	}

	got := h.events.outcomes()
	want := []domain.IssuanceOutcome{domain.OutcomeIssued, domain.OutcomeIssued, domain.OutcomeExhaustedHint}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
}

func TestDescribeAndDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(4))

	drifted, err := h.svc.Drifted(ctx, id)
	if err != nil || !drifted {
		t.Fatalf("unseeded counter must count as drift, got %v, %v", drifted, err)
	}
	if _, err := h.svc.IssueCoupon(ctx, id, "a"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if drifted, _ := h.svc.Drifted(ctx, id); drifted {
		t.Fatalf("counter should agree with the store")
	}

	h.store.seed(id, "written-elsewhere")
	if drifted, _ := h.svc.Drifted(ctx, id); !drifted {
		t.Fatalf("expected drift after an out-of-band write")
	}

	state, err := h.svc.Describe(ctx, id)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if state.CachedCount == nil || *state.CachedCount != 1 || state.Exhausted {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := h.svc.Describe(ctx, uuid.New()); !errors.Is(err, apperrors.ErrCampaignNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRequestIssue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.campaign(quantity(1))

	reqID, err := h.svc.RequestIssue(ctx, id, "u1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(h.dispatcher.sent) != 1 {
		t.Fatalf("expected one dispatched message, got %d", len(h.dispatcher.sent))
	}
	msg := h.dispatcher.sent[0]
	if msg.RequestID != reqID || msg.CampaignID != id || msg.UserID != "u1" || msg.Attempt != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}

	if _, err := h.svc.RequestIssue(ctx, id, "u1"); !errors.Is(err, apperrors.ErrAlreadyIssued) {
		t.Fatalf("expected repeat request to be rejected, got %v", err)
	}
	if _, err := h.svc.RequestIssue(ctx, id, "u2"); !errors.Is(err, apperrors.ErrQuotaExhausted) {
		t.Fatalf("expected full reservation set to reject, got %v", err)
	}

	h.svc.ReleaseReservation(ctx, id, "u1")
	h.dispatcher.err = errors.New("broker down")
	_, err = h.svc.RequestIssue(ctx, id, "u2")
	if !apperrors.Retryable(err) {
		t.Fatalf("dispatch failure should be retryable, got %v", err)
	}
	h.dispatcher.err = nil
	if _, err := h.svc.RequestIssue(ctx, id, "u2"); err != nil {
		t.Fatalf("reservation must be released after a failed dispatch: %v", err)
	}
}

func TestOutcomeOf(t *testing.T) {
	cases := []struct {
		err  error
		want domain.IssuanceOutcome
	}{
		{nil, domain.OutcomeIssued},
		{apperrors.ErrAlreadyIssued, domain.OutcomeAlreadyIssued},
		{apperrors.ErrQuotaExhaustedHint, domain.OutcomeExhaustedHint},
		{fmt.Errorf("wrapped: %w", apperrors.ErrQuotaExhausted), domain.OutcomeExhausted},
		{apperrors.ErrCampaignClosed, domain.OutcomeClosed},
		{apperrors.ErrCampaignNotFound, domain.OutcomeNotFound},
		{apperrors.ErrLockTimeout, domain.OutcomeLockTimeout},
		{apperrors.ErrValidation, domain.OutcomeInvalid},
		{apperrors.ErrCacheUnavailable, domain.OutcomeUnavailable},
	}
	for _, tc := range cases {
		if got := OutcomeOf(tc.err); got != tc.want {
			t.Errorf("OutcomeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
