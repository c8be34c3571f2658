package entitlement

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shoplist/internal/types"
)

// countingFetcher is a Fetcher that counts calls and serves a swappable
// record. An optional gate blocks fetches until released.
type countingFetcher struct {
	mu     sync.Mutex
	record *types.EntitlementRecord
	err    error
	calls  atomic.Int64
	gate   chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context) (*types.EntitlementRecord, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec := *f.record
	return &rec, nil
}

func (f *countingFetcher) set(rec *types.EntitlementRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record = rec
}

func premiumRecord() *types.EntitlementRecord {
	return &types.EntitlementRecord{
		UserID:               "user_1",
		StripeSubscriptionID: "sub_123",
		RawStatus:            types.SubStatusActive,
		DisplayStatus:        types.DisplayActive,
		AccessGranted:        true,
		Plan:                 types.PlanPremium,
		LastEventAt:          time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPoller_RefreshUpdatesCurrent(t *testing.T) {
	fetcher := &countingFetcher{record: premiumRecord()}
	p := NewPoller(fetcher, Config{})

	if p.Current() != nil {
		t.Fatal("expected nil record before first fetch")
	}

	rec, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rec.Plan != types.PlanPremium {
		t.Errorf("expected premium plan, got %q", rec.Plan)
	}
	if got := p.Current(); got == nil || got.UserID != "user_1" {
		t.Errorf("expected cached record for user_1, got %+v", got)
	}
}

func TestPoller_StalenessWindowServesCache(t *testing.T) {
	fetcher := &countingFetcher{record: premiumRecord()}
	p := NewPoller(fetcher, Config{Staleness: time.Minute})

	if _, err := p.refresh(context.Background(), false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// Inside the window the cached record is served without a fetch.
	if _, err := p.refresh(context.Background(), false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}

	// A forced refresh bypasses the window.
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Errorf("expected 2 fetches after forced refresh, got %d", got)
	}
}

func TestPoller_ConcurrentRefreshesCollapse(t *testing.T) {
	fetcher := &countingFetcher{
		record: premiumRecord(),
		gate:   make(chan struct{}),
	}
	p := NewPoller(fetcher, Config{})

	const callers = 8
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh: %v", err)
			}
		}()
	}

	// Let the callers pile up behind the in-flight fetch, then release.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("expected concurrent refreshes to share 1 fetch, got %d", got)
	}
}

func TestPoller_OnUpdateFiresOnChange(t *testing.T) {
	fetcher := &countingFetcher{record: premiumRecord()}

	var updates []*types.EntitlementRecord
	p := NewPoller(fetcher, Config{}, WithOnUpdate(func(rec *types.EntitlementRecord) {
		updates = append(updates, rec)
	}))

	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update after first fetch, got %d", len(updates))
	}

	// Same visible state with a newer event stamp must not re-fire.
	bumped := premiumRecord()
	bumped.LastEventAt = bumped.LastEventAt.Add(time.Hour)
	fetcher.set(bumped)
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected no update for unchanged visible state, got %d", len(updates))
	}

	// A real state change fires.
	revoked := premiumRecord()
	revoked.RawStatus = types.SubStatusCanceled
	revoked.DisplayStatus = types.DisplayInactive
	revoked.AccessGranted = false
	revoked.Plan = types.PlanFree
	fetcher.set(revoked)
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates after state change, got %d", len(updates))
	}
	if updates[1].AccessGranted {
		t.Error("expected access revoked in final update")
	}
}

func TestPoller_NudgeAfterCommand(t *testing.T) {
	fetcher := &countingFetcher{record: premiumRecord()}
	p := NewPoller(fetcher, Config{
		NudgeDelays: []time.Duration{5 * time.Millisecond, 20 * time.Millisecond},
	})

	p.NudgeAfterCommand(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for fetcher.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Errorf("expected 2 nudge fetches, got %d", got)
	}
}

func TestPoller_RefreshError(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("api unavailable")}
	p := NewPoller(fetcher, Config{})

	if _, err := p.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from failed fetch")
	}
	if p.Current() != nil {
		t.Error("expected no cached record after failed fetch")
	}
}

func TestPoller_StartAndStop(t *testing.T) {
	fetcher := &countingFetcher{record: premiumRecord()}
	p := NewPoller(fetcher, Config{Interval: time.Hour})

	p.Start(context.Background())
	p.Start(context.Background()) // second call is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for fetcher.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fetcher.calls.Load() == 0 {
		t.Fatal("expected initial fetch after Start")
	}

	p.Stop()
	p.Stop() // repeated Stop is a no-op

	if got := p.Current(); got == nil || got.UserID != "user_1" {
		t.Errorf("expected record cached by background loop, got %+v", got)
	}
}

func TestPoller_StopBeforeStart(t *testing.T) {
	p := NewPoller(&countingFetcher{record: premiumRecord()}, Config{})
	p.Stop()
}

func TestRecordsEqual(t *testing.T) {
	a := premiumRecord()
	b := premiumRecord()
	if !recordsEqual(a, b) {
		t.Error("expected identical records to compare equal")
	}

	b.LastEventAt = b.LastEventAt.Add(time.Hour)
	if !recordsEqual(a, b) {
		t.Error("stamp-only differences must compare equal")
	}

	b.CancelAtPeriodEnd = true
	if recordsEqual(a, b) {
		t.Error("flag change must compare unequal")
	}

	if recordsEqual(nil, a) || recordsEqual(a, nil) {
		t.Error("nil vs record must compare unequal")
	}
	if !recordsEqual(nil, nil) {
		t.Error("nil vs nil must compare equal")
	}
}

// ---------------------------------------------------------------------------
// APIClient
// ---------------------------------------------------------------------------

func TestAPIClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/billing/entitlement" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok_abc" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"user_id":"user_1","display_status":"active","access_granted":true,"plan":"premium"}}`))
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL, "tok_abc", nil)
	rec, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.UserID != "user_1" || !rec.AccessGranted || rec.Plan != types.PlanPremium {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestAPIClient_Fetch_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"auth_token_invalid","message":"token expired"}}`))
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL, "tok_expired", nil)
	if _, err := client.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
