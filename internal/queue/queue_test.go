package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seqIDs() Option {
	var n int
	var mu sync.Mutex
	return WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("item-%d", n)
	})
}

func TestQueue_EnqueueDepth(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	if q.Depth() != 0 {
		t.Fatalf("Depth = %d, want 0", q.Depth())
	}
	id1 := q.Enqueue("a")
	id2 := q.Enqueue("b")
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("ids must be unique and non-empty: %q %q", id1, id2)
	}
	if q.Depth() != 2 {
		t.Errorf("Depth = %d, want 2", q.Depth())
	}
	if q.ProcessingCount() != 0 {
		t.Errorf("ProcessingCount = %d, want 0", q.ProcessingCount())
	}
	it, ok := q.Get(id1)
	if !ok {
		t.Fatal("Get returned false for enqueued item")
	}
	if it.Status != StatusPending || it.Payload != "a" {
		t.Errorf("item = %+v, want pending payload a", it)
	}
}

func TestQueue_ClaimNextFIFO(t *testing.T) {
	t.Parallel()
	q := New[int]("test")
	for i := range 5 {
		q.Enqueue(i)
	}
	for want := range 5 {
		it, ok := q.ClaimNext()
		if !ok {
			t.Fatalf("ClaimNext returned false at %d", want)
		}
		if it.Payload != want {
			t.Errorf("claimed payload %d, want %d", it.Payload, want)
		}
		if it.Status != StatusProcessing || it.StartedAt == nil || it.Attempts != 1 {
			t.Errorf("claimed item bookkeeping wrong: %+v", it)
		}
	}
	if _, ok := q.ClaimNext(); ok {
		t.Error("ClaimNext on empty queue returned true")
	}
	if q.ProcessingCount() != 5 {
		t.Errorf("ProcessingCount = %d, want 5", q.ProcessingCount())
	}
}

func TestQueue_PriorityBeforeFIFO(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	q.Enqueue("low-1")
	q.EnqueueWithPriority("high", 10)
	q.Enqueue("low-2")

	want := []string{"high", "low-1", "low-2"}
	for _, w := range want {
		it, _ := q.ClaimNext()
		if it.Payload != w {
			t.Errorf("claimed %q, want %q", it.Payload, w)
		}
	}
}

func TestQueue_ClaimWhere(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	q.Enqueue("world-a")
	q.Enqueue("world-b")

	it, ok := q.ClaimWhere(func(s string) bool { return s == "world-b" })
	if !ok || it.Payload != "world-b" {
		t.Fatalf("ClaimWhere = %+v, %v", it, ok)
	}
	if _, ok := q.ClaimWhere(func(s string) bool { return s == "world-c" }); ok {
		t.Error("ClaimWhere matched nothing but returned true")
	}
	if q.Depth() != 1 {
		t.Errorf("Depth = %d, want 1", q.Depth())
	}
}

func TestQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()
	q := New[int]("test")
	const n = 500
	for i := range n {
		q.Enqueue(i)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, ok := q.ClaimNext()
				if !ok {
					return
				}
				mu.Lock()
				seen[it.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("claimed %d distinct items, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("item %s claimed %d times", id, c)
		}
	}
}

func TestQueue_CompleteAndFail(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	a := q.Enqueue("a")
	b := q.Enqueue("b")

	if err := q.Complete(a, "x"); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Complete on pending: err = %v, want ErrNotClaimed", err)
	}

	q.ClaimNext()
	q.ClaimNext()

	if err := q.Complete(a, "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Fail(b, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	ia, _ := q.Get(a)
	if ia.Status != StatusCompleted || ia.Result != "done" || ia.CompletedAt == nil {
		t.Errorf("completed item = %+v", ia)
	}
	ib, _ := q.Get(b)
	if ib.Status != StatusFailed || ib.Error != "boom" {
		t.Errorf("failed item = %+v", ib)
	}
}

func TestQueue_TerminalTransitionsAreIdempotent(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	id := q.Enqueue("a")
	q.ClaimNext()
	if err := q.Complete(id, "first"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Complete(id, "second"); err != nil {
		t.Errorf("second Complete: err = %v, want nil", err)
	}
	if err := q.Fail(id, errors.New("late")); err != nil {
		t.Errorf("Fail after Complete: err = %v, want nil", err)
	}
	it, _ := q.Get(id)
	if it.Status != StatusCompleted || it.Result != "first" {
		t.Errorf("item changed after terminal state: %+v", it)
	}
}

func TestQueue_UnknownID(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	if err := q.Complete("nope", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete: err = %v, want ErrNotFound", err)
	}
	if err := q.Fail("nope", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fail: err = %v, want ErrNotFound", err)
	}
	if _, err := q.Claim("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Claim: err = %v, want ErrNotFound", err)
	}
}

func TestQueue_ClaimByID(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	q.Enqueue("a")
	id := q.Enqueue("b")

	it, err := q.Claim(id)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if it.Payload != "b" || it.Status != StatusProcessing {
		t.Errorf("claimed = %+v", it)
	}
	if _, err := q.Claim(id); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second Claim: err = %v, want ErrAlreadyClaimed", err)
	}
	next, _ := q.ClaimNext()
	if next.Payload != "a" {
		t.Errorf("ClaimNext = %q, want a", next.Payload)
	}
}

func TestQueue_ListByStatusIsSnapshot(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	q.Enqueue("a")
	q.Enqueue("b")

	pending := q.ListByStatus(StatusPending)
	if len(pending) != 2 || pending[0].Payload != "a" || pending[1].Payload != "b" {
		t.Fatalf("pending = %+v", pending)
	}

	q.ClaimNext()
	if pending[0].Status != StatusPending {
		t.Error("snapshot mutated by later claim")
	}
	if got := len(q.ListByStatus(StatusProcessing)); got != 1 {
		t.Errorf("processing = %d, want 1", got)
	}
}

func TestQueue_ExactlyOneStatus(t *testing.T) {
	t.Parallel()
	q := New[int]("test")
	for i := range 8 {
		q.Enqueue(i)
	}
	for i := range 6 {
		it, _ := q.ClaimNext()
		switch i % 3 {
		case 0:
			_ = q.Complete(it.ID, "")
		case 1:
			_ = q.Fail(it.ID, errors.New("x"))
		}
	}

	counts := make(map[string]int)
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		for _, it := range q.ListByStatus(s) {
			counts[it.ID]++
		}
	}
	if len(counts) != 8 {
		t.Fatalf("items across statuses = %d, want 8", len(counts))
	}
	for id, c := range counts {
		if c != 1 {
			t.Errorf("item %s appears in %d statuses", id, c)
		}
	}
}

func TestQueue_ReclaimExpired(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	q := New[string]("test", WithClock(clk.Now), WithLeaseTimeout(time.Minute), seqIDs())
	q.Enqueue("a")
	q.Enqueue("b")

	first, _ := q.ClaimNext()
	if first.LeaseExpiresAt == nil {
		t.Fatal("claim without lease expiry")
	}

	if n := q.ReclaimExpired(clk.Now()); n != 0 {
		t.Errorf("reclaimed %d before expiry, want 0", n)
	}

	clk.Advance(time.Minute)
	if n := q.ReclaimExpired(clk.Now()); n != 1 {
		t.Fatalf("reclaimed %d at expiry, want 1", n)
	}

	// The reclaimed item keeps its place ahead of later items.
	again, _ := q.ClaimNext()
	if again.ID != first.ID {
		t.Errorf("reclaimed item %s not claimed first (got %s)", first.ID, again.ID)
	}
	if again.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", again.Attempts)
	}
}

func TestQueue_StaleClaimCannotFinish(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	q := New[string]("test", WithClock(clk.Now), WithLeaseTimeout(time.Minute), seqIDs())
	q.Enqueue("a")

	stale, _ := q.ClaimNext()
	clk.Advance(time.Minute)
	q.ReclaimExpired(clk.Now())

	if err := q.CompleteClaim(stale, "late"); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("finish while pending again: err = %v, want ErrNotClaimed", err)
	}

	current, _ := q.ClaimNext()
	if err := q.CompleteClaim(stale, "late"); !errors.Is(err, ErrStaleClaim) {
		t.Errorf("CompleteClaim by old holder: err = %v, want ErrStaleClaim", err)
	}
	if err := q.FailClaim(stale, errors.New("late")); !errors.Is(err, ErrStaleClaim) {
		t.Errorf("FailClaim by old holder: err = %v, want ErrStaleClaim", err)
	}
	if it, _ := q.Get(current.ID); it.Status != StatusProcessing {
		t.Fatalf("status after stale finish = %s, want processing", it.Status)
	}

	if err := q.CompleteClaim(current, "fresh"); err != nil {
		t.Fatalf("CompleteClaim by current holder: %v", err)
	}
	if it, _ := q.Get(current.ID); it.Status != StatusCompleted || it.Result != "fresh" {
		t.Errorf("item = %+v, want completed with the current holder's result", it)
	}
	// Terminal items stay idempotent for the current holder only.
	if err := q.CompleteClaim(current, "again"); err != nil {
		t.Errorf("repeat CompleteClaim: %v", err)
	}
	if err := q.CompleteClaim(stale, "late"); !errors.Is(err, ErrStaleClaim) {
		t.Errorf("old holder after completion: err = %v, want ErrStaleClaim", err)
	}
}

func TestQueue_NoLeaseNeverReclaims(t *testing.T) {
	t.Parallel()
	q := New[string]("test")
	q.Enqueue("a")
	q.ClaimNext()
	if n := q.ReclaimExpired(time.Now().Add(24 * time.Hour)); n != 0 {
		t.Errorf("reclaimed %d without lease, want 0", n)
	}
	if q.ProcessingCount() != 1 {
		t.Errorf("ProcessingCount = %d, want 1", q.ProcessingCount())
	}
}

func TestQueue_Prune(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	q := New[string]("test", WithClock(clk.Now))
	done := q.Enqueue("done")
	q.Enqueue("open")
	q.ClaimNext()
	_ = q.Complete(done, "")

	clk.Advance(time.Hour)
	if n := q.Prune(clk.Now()); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	if _, ok := q.Get(done); ok {
		t.Error("pruned item still present")
	}
	if q.Depth() != 1 {
		t.Errorf("Depth = %d, want 1", q.Depth())
	}
}

func TestSet_Report(t *testing.T) {
	t.Parallel()
	s := NewSet()
	s.PlayerActions.Enqueue(PlayerAction{Kind: ActionEnterRegion, WorldID: "w1", SessionID: "s1"})
	s.PlayerActions.Enqueue(PlayerAction{Kind: ActionEnterRegion, WorldID: "w1", SessionID: "s2"})
	s.LLMRequests.Enqueue(LLMRequest{Kind: LLMStagingSuggestions, WorldID: "w2"})
	s.DMApprovals.Enqueue(DMApproval{Kind: ApprovalStaging, WorldID: "w1"})
	s.DMApprovals.ClaimNext()

	r := s.Report()
	if r.TotalPending != 3 {
		t.Errorf("TotalPending = %d, want 3", r.TotalPending)
	}
	if r.TotalProcessing != 1 {
		t.Errorf("TotalProcessing = %d, want 1", r.TotalProcessing)
	}
	pa := r.Queues[NamePlayerActions]
	if pa.Pending != 2 || pa.BySession["s1"] != 1 || pa.BySession["s2"] != 1 || pa.ByWorld["w1"] != 2 {
		t.Errorf("player_actions stats = %+v", pa)
	}
	if got := r.Queues[NameDMApprovals]; got.Processing != 1 || got.ByWorld["w1"] != 1 {
		t.Errorf("dm_approvals stats = %+v", got)
	}
	if _, ok := r.Queues[NameAssetGeneration]; !ok {
		t.Error("asset_generation missing from report")
	}
}

func TestWorker_ProcessesItems(t *testing.T) {
	t.Parallel()
	q := New[int]("test")
	ok := q.Enqueue(1)
	bad := q.Enqueue(2)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	w := NewWorker(q, func(_ context.Context, it Item[int]) (string, error) {
		defer wg.Done()
		if it.Payload == 2 {
			return "", errors.New("even")
		}
		return "odd", nil
	}, WorkerConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	wg.Wait()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	if it, _ := q.Get(ok); it.Status != StatusCompleted || it.Result != "odd" {
		t.Errorf("ok item = %+v", it)
	}
	if it, _ := q.Get(bad); it.Status != StatusFailed || it.Error != "even" {
		t.Errorf("bad item = %+v", it)
	}
}

func TestWorker_ExpiredLeaseDoesNotFinishSuccessor(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	q := New[string]("test", WithClock(clk.Now), WithLeaseTimeout(time.Minute))
	id := q.Enqueue("slow")

	started := make(chan struct{})
	release := make(chan struct{})
	w := NewWorker(q, func(_ context.Context, it Item[string]) (string, error) {
		close(started)
		<-release
		return "from expired lease", nil
	}, WorkerConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	clk.Advance(time.Minute)
	if n := q.ReclaimExpired(clk.Now()); n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	successor, ok := q.ClaimNext()
	if !ok || successor.ID != id {
		t.Fatalf("successor claim = %+v %v", successor, ok)
	}

	close(release)
	cancel()
	<-done

	it, _ := q.Get(id)
	if it.Status != StatusProcessing || it.Attempts != 2 {
		t.Fatalf("item after expired holder returned = %+v, want processing attempt 2", it)
	}
	if err := q.CompleteClaim(successor, "from successor"); err != nil {
		t.Fatalf("successor CompleteClaim: %v", err)
	}
	if it, _ := q.Get(id); it.Result != "from successor" {
		t.Errorf("Result = %q, want the successor's", it.Result)
	}
}
