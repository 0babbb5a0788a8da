package imports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
)

type fakeCreator struct {
	mu      sync.Mutex
	calls   int
	create  func(call int, input notes.CreateInput) error
	current atomic.Int64
	peak    atomic.Int64
}

func (creator *fakeCreator) CreateNote(ctx context.Context, input notes.CreateInput) (notes.Note, error) {
	active := creator.current.Add(1)
	defer creator.current.Add(-1)
	for {
		peak := creator.peak.Load()
		if active <= peak || creator.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	creator.mu.Lock()
	creator.calls++
	call := creator.calls
	creator.mu.Unlock()

	if creator.create != nil {
		if err := creator.create(call, input); err != nil {
			return notes.Note{}, err
		}
	}
	return notes.Note{NoteID: fmt.Sprintf("note-%d", call), Description: input.Description}, nil
}

func storageFailure() error {
	return notes.NewServiceError("notes.create", "storage_failed", notes.ErrStorage, errors.New("database down"))
}

func newTestProcessor(t *testing.T, creator NoteCreator, cfg ProcessorConfig) (*Processor, *MemoryJobStore) {
	t.Helper()
	store := NewMemoryJobStore()
	cfg.Creator = creator
	cfg.Store = store
	processor, err := NewProcessor(cfg)
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = processor.Close(ctx)
	})
	return processor, store
}

func makeItems(count int) []Item {
	items := make([]Item, 0, count)
	for index := 0; index < count; index++ {
		items = append(items, Item{
			Latitude:    float64(index % 80),
			Longitude:   float64(index % 170),
			Description: fmt.Sprintf("item %d", index),
		})
	}
	return items
}

func waitForTerminal(t *testing.T, processor *Processor, id JobID) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := processor.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("unexpected status error: %v", err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", id)
	return Job{}
}

func assertAccounting(t *testing.T, job Job) {
	t.Helper()
	if job.Succeeded+job.Failed != job.Total {
		t.Fatalf("terminal job must account for every item: %d+%d != %d", job.Succeeded, job.Failed, job.Total)
	}
	if len(job.Results) != job.Total {
		t.Fatalf("expected %d results, got %d", job.Total, len(job.Results))
	}
	for index, result := range job.Results {
		if result.Index != index {
			t.Fatalf("results must be ordered by index, got %d at %d", result.Index, index)
		}
	}
	if job.CompletedAt == nil {
		t.Fatalf("terminal job must carry completed_at")
	}
}

func TestNewProcessorRequiresDependencies(t *testing.T) {
	if _, err := NewProcessor(ProcessorConfig{Store: NewMemoryJobStore()}); err == nil {
		t.Fatalf("expected error without creator")
	}
	if _, err := NewProcessor(ProcessorConfig{Creator: &fakeCreator{}}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestSubmitValidatesBatch(t *testing.T) {
	processor, _ := newTestProcessor(t, &fakeCreator{}, ProcessorConfig{MaxItems: 3})
	ctx := context.Background()

	if _, err := processor.Submit(ctx, "u1", nil); !errors.Is(err, notes.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}
	if _, err := processor.Submit(ctx, "u1", makeItems(4)); !errors.Is(err, notes.ErrValidation) {
		t.Fatalf("expected validation error for oversized batch, got %v", err)
	}
}

type failingIDProvider struct{}

func (failingIDProvider) NewID() (string, error) {
	return "", errors.New("entropy unavailable")
}

func TestSubmitReportsIDFailureAsStorage(t *testing.T) {
	processor, _ := newTestProcessor(t, &fakeCreator{}, ProcessorConfig{IDProvider: failingIDProvider{}})
	_, err := processor.Submit(context.Background(), "u1", makeItems(1))
	if kind := notes.KindOf(err); kind != notes.KindStorage {
		t.Fatalf("expected storage kind, got %s (%v)", kind, err)
	}
}

func TestJobCompletesWhenEveryItemSucceeds(t *testing.T) {
	processor, _ := newTestProcessor(t, &fakeCreator{}, ProcessorConfig{})
	id, err := processor.Submit(context.Background(), "u1", makeItems(25))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	job := waitForTerminal(t, processor, id)
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.Succeeded != 25 || job.Failed != 0 {
		t.Fatalf("unexpected counts %d/%d", job.Succeeded, job.Failed)
	}
	assertAccounting(t, job)
	for _, result := range job.Results {
		if result.Outcome != OutcomeSucceeded || result.NoteID == "" {
			t.Fatalf("unexpected result %+v", result)
		}
	}
}

func TestFailedItemsAreIsolated(t *testing.T) {
	creator := &fakeCreator{create: func(_ int, input notes.CreateInput) error {
		if input.Latitude > 90 {
			return notes.NewServiceError("notes.create", "invalid_coordinates", notes.ErrValidation, errors.New("latitude"))
		}
		return nil
	}}
	processor, _ := newTestProcessor(t, creator, ProcessorConfig{WorkerConcurrency: 4})

	items := makeItems(10)
	invalid := []int{1, 4, 7}
	for _, index := range invalid {
		items[index].Latitude = 120
	}

	id, err := processor.Submit(context.Background(), "u1", items)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	job := waitForTerminal(t, processor, id)
	if job.Status != StatusPartiallyCompleted {
		t.Fatalf("expected partially-completed, got %s", job.Status)
	}
	if job.Succeeded != 7 || job.Failed != 3 {
		t.Fatalf("expected 7 succeeded and 3 failed, got %d/%d", job.Succeeded, job.Failed)
	}
	assertAccounting(t, job)
	for _, index := range invalid {
		result := job.Results[index]
		if result.Outcome != OutcomeFailed || result.ErrorCode != string(notes.KindValidation) {
			t.Fatalf("expected validation failure at %d, got %+v", index, result)
		}
		if result.Item == nil || result.Item.Latitude != 120 {
			t.Fatalf("failed item must carry its original payload, got %+v", result.Item)
		}
	}
}

func TestStorageOutageBeforeAnySuccessFailsJob(t *testing.T) {
	creator := &fakeCreator{create: func(int, notes.CreateInput) error {
		return storageFailure()
	}}
	processor, _ := newTestProcessor(t, creator, ProcessorConfig{WorkerConcurrency: 1})

	id, err := processor.Submit(context.Background(), "u1", makeItems(5))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	job := waitForTerminal(t, processor, id)
	if job.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	assertAccounting(t, job)
	if creator.calls != 1 {
		t.Fatalf("items after the outage must be skipped, got %d calls", creator.calls)
	}
	for _, result := range job.Results {
		if result.ErrorCode != string(notes.KindStorage) {
			t.Fatalf("expected storage_unavailable, got %+v", result)
		}
	}
}

func TestStorageOutageAfterSuccessIsPartial(t *testing.T) {
	creator := &fakeCreator{create: func(call int, _ notes.CreateInput) error {
		if call > 2 {
			return storageFailure()
		}
		return nil
	}}
	processor, _ := newTestProcessor(t, creator, ProcessorConfig{WorkerConcurrency: 1})

	id, err := processor.Submit(context.Background(), "u1", makeItems(6))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	job := waitForTerminal(t, processor, id)
	if job.Status != StatusPartiallyCompleted {
		t.Fatalf("expected partially-completed, got %s", job.Status)
	}
	if job.Succeeded != 2 || job.Failed != 4 {
		t.Fatalf("expected 2 succeeded and 4 failed, got %d/%d", job.Succeeded, job.Failed)
	}
	assertAccounting(t, job)
}

func TestCancelStopsRemainingItems(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	creator := &fakeCreator{create: func(call int, _ notes.CreateInput) error {
		if call == 1 {
			close(started)
			<-release
		}
		return nil
	}}
	processor, _ := newTestProcessor(t, creator, ProcessorConfig{WorkerConcurrency: 1})
	ctx := context.Background()

	id, err := processor.Submit(ctx, "u1", makeItems(5))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	snapshot, err := processor.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if !snapshot.CancelRequested {
		t.Fatalf("expected cancel flag on snapshot")
	}
	close(release)

	job := waitForTerminal(t, processor, id)
	if job.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if job.Succeeded != 1 || job.Failed != 4 {
		t.Fatalf("in-flight item must finish, got %d/%d", job.Succeeded, job.Failed)
	}
	assertAccounting(t, job)
	for _, result := range job.Results[1:] {
		if result.ErrorCode != CodeCancelled {
			t.Fatalf("expected cancelled items, got %+v", result)
		}
	}

	again, err := processor.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancelling a finished job must not fail: %v", err)
	}
	if again.Status != StatusCancelled {
		t.Fatalf("expected unchanged terminal status, got %s", again.Status)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	processor, _ := newTestProcessor(t, &fakeCreator{}, ProcessorConfig{})
	if _, err := processor.Cancel(context.Background(), "missing"); !errors.Is(err, notes.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := processor.Status(context.Background(), "missing"); !errors.Is(err, notes.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkerConcurrencyIsBounded(t *testing.T) {
	creator := &fakeCreator{create: func(int, notes.CreateInput) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}}
	processor, _ := newTestProcessor(t, creator, ProcessorConfig{WorkerConcurrency: 3, MaxInFlight: 100})

	id, err := processor.Submit(context.Background(), "u1", makeItems(30))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitForTerminal(t, processor, id)
	if peak := creator.peak.Load(); peak > 3 {
		t.Fatalf("expected at most 3 concurrent creations, got %d", peak)
	}
}

func TestInFlightLimitSpansJobs(t *testing.T) {
	creator := &fakeCreator{create: func(int, notes.CreateInput) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}}
	processor, _ := newTestProcessor(t, creator, ProcessorConfig{WorkerConcurrency: 4, MaxInFlight: 2})
	ctx := context.Background()

	first, err := processor.Submit(ctx, "u1", makeItems(12))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	second, err := processor.Submit(ctx, "u2", makeItems(12))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitForTerminal(t, processor, first)
	waitForTerminal(t, processor, second)
	if peak := creator.peak.Load(); peak > 2 {
		t.Fatalf("expected at most 2 creations in flight, got %d", peak)
	}
}

func TestStatusCountsNeverDecrease(t *testing.T) {
	creator := &fakeCreator{create: func(call int, _ notes.CreateInput) error {
		time.Sleep(time.Millisecond)
		if call%3 == 0 {
			return notes.NewServiceError("notes.create", "quota_exceeded", notes.ErrQuotaExceeded, nil)
		}
		return nil
	}}
	processor, _ := newTestProcessor(t, creator, ProcessorConfig{WorkerConcurrency: 2})
	ctx := context.Background()

	id, err := processor.Submit(ctx, "u1", makeItems(40))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	lastSucceeded, lastFailed := 0, 0
	for {
		job, err := processor.Status(ctx, id)
		if err != nil {
			t.Fatalf("unexpected status error: %v", err)
		}
		if job.Succeeded < lastSucceeded || job.Failed < lastFailed {
			t.Fatalf("counts went backwards: %d/%d after %d/%d", job.Succeeded, job.Failed, lastSucceeded, lastFailed)
		}
		if job.Succeeded+job.Failed > job.Total {
			t.Fatalf("counts exceed total: %d+%d > %d", job.Succeeded, job.Failed, job.Total)
		}
		lastSucceeded, lastFailed = job.Succeeded, job.Failed
		if job.Status.IsTerminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFinishedJobsAreServedFromStore(t *testing.T) {
	processor, store := newTestProcessor(t, &fakeCreator{}, ProcessorConfig{})
	ctx := context.Background()
	id, err := processor.Submit(ctx, "u1", makeItems(3))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitForTerminal(t, processor, id)

	deadline := time.Now().Add(2 * time.Second)
	for processor.lookup(id) != nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if processor.lookup(id) != nil {
		t.Fatalf("finished job should leave the active set")
	}
	record, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if record.Job.Status != StatusCompleted {
		t.Fatalf("expected stored completed job, got %s", record.Job.Status)
	}
	job, err := processor.Status(ctx, id)
	if err != nil || job.Status != StatusCompleted {
		t.Fatalf("expected completed status from store, got %s %v", job.Status, err)
	}
}

func TestRecoverFinalizesInterruptedJobs(t *testing.T) {
	processor, store := newTestProcessor(t, &fakeCreator{}, ProcessorConfig{})
	ctx := context.Background()
	items := makeItems(3)

	partial := Record{
		Job: Job{
			ID:        "job-partial",
			Status:    StatusRunning,
			Total:     3,
			Succeeded: 1,
			Results:   []ItemResult{{Index: 1, Outcome: OutcomeSucceeded, NoteID: "n1"}},
			CreatedAt: time.Unix(1700000000, 0).UTC(),
		},
		Items: items,
	}
	untouched := Record{
		Job:   Job{ID: "job-queued", Status: StatusQueued, Total: 3, CreatedAt: time.Unix(1700000000, 0).UTC()},
		Items: items,
	}
	for _, record := range []Record{partial, untouched} {
		if err := store.Save(ctx, record); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	recovered, err := processor.Recover(ctx)
	if err != nil {
		t.Fatalf("unexpected recover error: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("expected 2 recovered jobs, got %d", recovered)
	}

	job, err := processor.Status(ctx, "job-partial")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if job.Status != StatusPartiallyCompleted {
		t.Fatalf("expected partially-completed, got %s", job.Status)
	}
	assertAccounting(t, job)
	if job.Results[0].ErrorCode != CodeInterrupted || job.Results[0].Item == nil {
		t.Fatalf("expected interrupted item with payload, got %+v", job.Results[0])
	}

	job, err = processor.Status(ctx, "job-queued")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if job.Status != StatusFailed || job.Failed != 3 {
		t.Fatalf("expected failed job with 3 interrupted items, got %s %d", job.Status, job.Failed)
	}

	unfinished, err := store.ListUnfinished(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(unfinished) != 0 {
		t.Fatalf("expected no unfinished jobs, got %d", len(unfinished))
	}
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	processor, _ := newTestProcessor(t, &fakeCreator{}, ProcessorConfig{})
	if err := processor.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if _, err := processor.Submit(context.Background(), "u1", makeItems(1)); err == nil {
		t.Fatalf("expected submit to fail after close")
	}
}
