package imports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/metrics"
	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxItems          = 1000
	DefaultWorkerConcurrency = 8
	DefaultMaxInFlight       = 32

	progressSaveEvery = 50
)

const (
	opProcessorNew = "imports.processor.new"
	opSubmit       = "imports.submit"
	opStatus       = "imports.status"
	opCancel       = "imports.cancel"
	opRun          = "imports.run"
	opRecover      = "imports.recover"

	reasonMissingCreator    = "missing_creator"
	reasonMissingStore      = "missing_store"
	reasonEmptyBatch        = "empty_batch"
	reasonBatchTooLarge     = "batch_too_large"
	reasonInvalidID         = "invalid_id"
	reasonIDGeneration      = "id_generation_failed"
	reasonNotFound          = "not_found"
	reasonStoreFailed       = "store_failed"
	reasonProcessorStopping = "processor_stopping"
)

var (
	errMissingCreator = errors.New("note creator is required")
	errMissingStore   = errors.New("job store is required")
	errEmptyBatch     = errors.New("batch contains no items")
	errUnknownJob     = errors.New("unknown import job")
	errStopping       = errors.New("processor is shutting down")
	noOpLogger        = zap.NewNop()
)

// NoteCreator is the creation path every item goes through. *notes.Service satisfies it.
type NoteCreator interface {
	CreateNote(ctx context.Context, input notes.CreateInput) (notes.Note, error)
}

type ProcessorConfig struct {
	Creator           NoteCreator
	Store             JobStore
	MaxItems          int
	WorkerConcurrency int
	// MaxInFlight caps concurrent item creations across all jobs.
	MaxInFlight int64
	// ItemsPerSecond throttles item creation across all jobs; zero disables the throttle.
	ItemsPerSecond float64
	IDProvider     notes.IDProvider
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Processor accepts batches and drives them through the note creation path.
type Processor struct {
	creator  NoteCreator
	store    JobStore
	maxItems int
	workers  int
	inFlight *semaphore.Weighted
	limiter  *rate.Limiter
	ids      notes.IDProvider
	clock    func() time.Time
	logger   *zap.Logger

	baseCtx    context.Context
	stopRunner context.CancelFunc
	running    sync.WaitGroup

	mu       sync.RWMutex
	active   map[JobID]*jobState
	stopping bool
}

type jobState struct {
	mu     sync.Mutex
	job    Job
	items  []Item
	outage bool
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Creator == nil {
		return nil, notes.NewServiceError(opProcessorNew, reasonMissingCreator, nil, errMissingCreator)
	}
	if cfg.Store == nil {
		return nil, notes.NewServiceError(opProcessorNew, reasonMissingStore, nil, errMissingStore)
	}

	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	workers := cfg.WorkerConcurrency
	if workers <= 0 {
		workers = DefaultWorkerConcurrency
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.ItemsPerSecond > 0 {
		burst := max(1, int(cfg.ItemsPerSecond))
		limiter = rate.NewLimiter(rate.Limit(cfg.ItemsPerSecond), burst)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = notes.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	baseCtx, stopRunner := context.WithCancel(context.Background())
	return &Processor{
		creator:    cfg.Creator,
		store:      cfg.Store,
		maxItems:   maxItems,
		workers:    workers,
		inFlight:   semaphore.NewWeighted(maxInFlight),
		limiter:    limiter,
		ids:        ids,
		clock:      clock,
		logger:     logger,
		baseCtx:    baseCtx,
		stopRunner: stopRunner,
		active:     make(map[JobID]*jobState),
	}, nil
}

// Submit registers a queued job and starts processing it in the background.
func (p *Processor) Submit(ctx context.Context, submitter string, items []Item) (JobID, error) {
	if len(items) == 0 {
		return "", notes.NewServiceError(opSubmit, reasonEmptyBatch, notes.ErrValidation, errEmptyBatch)
	}
	if len(items) > p.maxItems {
		cause := fmt.Errorf("batch of %d items exceeds the limit of %d", len(items), p.maxItems)
		return "", notes.NewServiceError(opSubmit, reasonBatchTooLarge, notes.ErrValidation, cause)
	}

	if p.isStopping() {
		return "", notes.NewServiceError(opSubmit, reasonProcessorStopping, notes.ErrStorage, errStopping)
	}

	rawID, err := p.ids.NewID()
	if err != nil {
		p.logError(opSubmit, reasonIDGeneration, err)
		return "", notes.NewServiceError(opSubmit, reasonIDGeneration, notes.ErrStorage, err)
	}

	state := &jobState{
		job: Job{
			ID:        JobID(rawID),
			Submitter: submitter,
			Status:    StatusQueued,
			Total:     len(items),
			Results:   make([]ItemResult, 0, len(items)),
			CreatedAt: p.clock().UTC(),
		},
		items: append([]Item(nil), items...),
	}

	if err := p.store.Save(ctx, state.record()); err != nil {
		p.logError(opSubmit, reasonStoreFailed, err, zap.String("job_id", rawID))
		return "", notes.NewServiceError(opSubmit, reasonStoreFailed, notes.ErrStorage, err)
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return "", notes.NewServiceError(opSubmit, reasonProcessorStopping, notes.ErrStorage, errStopping)
	}
	p.active[state.job.ID] = state
	p.running.Add(1)
	p.mu.Unlock()

	p.logger.Info("import job queued", zap.String("job_id", rawID), zap.Int("items", len(items)))
	go p.run(state)
	return state.job.ID, nil
}

// Status returns a snapshot of the job. Counts never decrease between calls.
func (p *Processor) Status(ctx context.Context, id JobID) (Job, error) {
	if id == "" {
		return Job{}, notes.NewServiceError(opStatus, reasonInvalidID, notes.ErrValidation, errUnknownJob)
	}
	if state := p.lookup(id); state != nil {
		return state.snapshot(), nil
	}
	record, err := p.store.Load(ctx, id)
	if errors.Is(err, ErrJobMissing) {
		return Job{}, notes.NewServiceError(opStatus, reasonNotFound, notes.ErrNotFound, errUnknownJob)
	}
	if err != nil {
		p.logError(opStatus, reasonStoreFailed, err, zap.String("job_id", id.String()))
		return Job{}, notes.NewServiceError(opStatus, reasonStoreFailed, notes.ErrStorage, err)
	}
	return record.Job, nil
}

// Cancel asks the job to stop. Items already in flight finish; the rest are recorded as
// cancelled. Cancelling a finished job returns its final snapshot unchanged.
func (p *Processor) Cancel(ctx context.Context, id JobID) (Job, error) {
	if state := p.lookup(id); state != nil {
		state.mu.Lock()
		if !state.job.Status.IsTerminal() {
			state.job.CancelRequested = true
		}
		snapshot := state.job.clone()
		state.mu.Unlock()
		p.logger.Info("import job cancel requested", zap.String("job_id", id.String()))
		return snapshot, nil
	}
	job, err := p.Status(ctx, id)
	if notes.KindOf(err) == notes.KindNotFound {
		return Job{}, notes.NewServiceError(opCancel, reasonNotFound, notes.ErrNotFound, errUnknownJob)
	}
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// Recover finalizes jobs left unfinished by a previous process. Their unprocessed items
// are recorded as interrupted.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	records, err := p.store.ListUnfinished(ctx)
	if err != nil {
		p.logError(opRecover, reasonStoreFailed, err)
		return 0, notes.NewServiceError(opRecover, reasonStoreFailed, notes.ErrStorage, err)
	}

	recovered := 0
	for _, record := range records {
		if p.lookup(record.Job.ID) != nil {
			continue
		}
		state := &jobState{job: record.Job, items: record.Items}
		state.failRemaining(CodeInterrupted, "job interrupted by restart")
		state.job.Status = interruptedStatus(state.job)
		completedAt := p.clock().UTC()
		state.job.CompletedAt = &completedAt

		if err := p.store.Save(ctx, state.record()); err != nil {
			p.logError(opRecover, reasonStoreFailed, err, zap.String("job_id", record.Job.ID.String()))
			return recovered, notes.NewServiceError(opRecover, reasonStoreFailed, notes.ErrStorage, err)
		}
		metrics.ImportJobs.WithLabelValues(string(state.job.Status)).Inc()
		recovered++
		p.logger.Warn("import job finalized after restart",
			zap.String("job_id", record.Job.ID.String()),
			zap.String("status", string(state.job.Status)))
	}
	return recovered, nil
}

// Close stops dispatching new items and waits for running jobs to record their final state.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	p.stopRunner()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) run(state *jobState) {
	defer p.running.Done()

	ctx := p.baseCtx
	metrics.ImportJobsRunning.Inc()
	defer metrics.ImportJobsRunning.Dec()

	state.mu.Lock()
	startedAt := p.clock().UTC()
	state.job.Status = StatusRunning
	state.job.StartedAt = &startedAt
	jobID := state.job.ID
	state.mu.Unlock()
	p.persist(ctx, state)

	group := new(errgroup.Group)
	group.SetLimit(p.workers)
	for index, item := range state.items {
		group.Go(func() error {
			p.processItem(ctx, state, index, item)
			return nil
		})
	}
	_ = group.Wait()

	state.mu.Lock()
	state.sortResults()
	state.job.Status = terminalStatus(state.job, state.outage)
	completedAt := p.clock().UTC()
	state.job.CompletedAt = &completedAt
	final := state.job.clone()
	state.mu.Unlock()

	metrics.ImportJobs.WithLabelValues(string(final.Status)).Inc()
	p.logger.Info("import job finished",
		zap.String("job_id", jobID.String()),
		zap.String("status", string(final.Status)),
		zap.Int("succeeded", final.Succeeded),
		zap.Int("failed", final.Failed))

	if err := p.store.Save(context.WithoutCancel(ctx), state.record()); err != nil {
		p.logError(opRun, reasonStoreFailed, err, zap.String("job_id", jobID.String()))
		return
	}
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}

// processItem checks for cancellation before starting an item, never during one.
func (p *Processor) processItem(ctx context.Context, state *jobState, index int, item Item) {
	if code, message := state.skipReason(ctx); code != "" {
		state.recordFailure(index, item, code, message)
		return
	}

	if err := p.inFlight.Acquire(ctx, 1); err != nil {
		state.recordFailure(index, item, CodeInterrupted, err.Error())
		return
	}
	defer p.inFlight.Release(1)

	if err := p.limiter.Wait(ctx); err != nil {
		state.recordFailure(index, item, CodeInterrupted, err.Error())
		return
	}
	if code, message := state.skipReason(ctx); code != "" {
		state.recordFailure(index, item, code, message)
		return
	}

	note, err := p.creator.CreateNote(context.WithoutCancel(ctx), item.createInput())
	if err != nil {
		kind := notes.KindOf(err)
		if kind == notes.KindStorage {
			state.markOutage()
		}
		state.recordFailure(index, item, string(kind), err.Error())
		return
	}
	if state.recordSuccess(index, note.NoteID)%progressSaveEvery == 0 {
		p.persist(ctx, state)
	}
}

func (p *Processor) persist(ctx context.Context, state *jobState) {
	if err := p.store.Save(context.WithoutCancel(ctx), state.record()); err != nil {
		state.mu.Lock()
		jobID := state.job.ID
		state.mu.Unlock()
		p.logError(opRun, reasonStoreFailed, err, zap.String("job_id", jobID.String()))
	}
}

func (p *Processor) isStopping() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopping
}

func (p *Processor) lookup(id JobID) *jobState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active[id]
}

func (p *Processor) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("imports processor error", attrs...)
}

func (state *jobState) snapshot() Job {
	state.mu.Lock()
	defer state.mu.Unlock()
	snapshot := state.job.clone()
	sort.Slice(snapshot.Results, func(i, j int) bool {
		return snapshot.Results[i].Index < snapshot.Results[j].Index
	})
	return snapshot
}

func (state *jobState) record() Record {
	state.mu.Lock()
	defer state.mu.Unlock()
	return Record{Job: state.job.clone(), Items: state.items}
}

func (state *jobState) skipReason(ctx context.Context) (string, string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	switch {
	case state.job.CancelRequested:
		return CodeCancelled, "job cancelled before the item started"
	case state.outage:
		return string(notes.KindStorage), "skipped after a storage outage"
	case ctx.Err() != nil:
		return CodeInterrupted, "processor stopped before the item started"
	default:
		return "", ""
	}
}

func (state *jobState) markOutage() {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.outage = true
}

func (state *jobState) recordSuccess(index int, noteID string) int {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.job.Results = append(state.job.Results, ItemResult{
		Index:   index,
		Outcome: OutcomeSucceeded,
		NoteID:  noteID,
	})
	state.job.Succeeded++
	metrics.ImportItems.WithLabelValues(string(OutcomeSucceeded)).Inc()
	return state.job.Succeeded + state.job.Failed
}

func (state *jobState) recordFailure(index int, item Item, code, message string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.appendFailureLocked(index, item, code, message)
}

func (state *jobState) appendFailureLocked(index int, item Item, code, message string) {
	payload := item
	state.job.Results = append(state.job.Results, ItemResult{
		Index:        index,
		Outcome:      OutcomeFailed,
		ErrorCode:    code,
		ErrorMessage: message,
		Item:         &payload,
	})
	state.job.Failed++
	metrics.ImportItems.WithLabelValues(code).Inc()
}

// failRemaining records every item without a result as failed with code.
func (state *jobState) failRemaining(code, message string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	done := make(map[int]struct{}, len(state.job.Results))
	for _, result := range state.job.Results {
		done[result.Index] = struct{}{}
	}
	for index := 0; index < state.job.Total; index++ {
		if _, ok := done[index]; ok {
			continue
		}
		var item Item
		if index < len(state.items) {
			item = state.items[index]
		}
		state.appendFailureLocked(index, item, code, message)
	}
	state.sortResults()
}

func (state *jobState) sortResults() {
	sort.Slice(state.job.Results, func(i, j int) bool {
		return state.job.Results[i].Index < state.job.Results[j].Index
	})
}

// terminalStatus decides the final status once every item has a result.
func terminalStatus(job Job, outage bool) Status {
	switch {
	case job.CancelRequested && hasFailureCode(job, CodeCancelled):
		return StatusCancelled
	case hasFailureCode(job, CodeInterrupted):
		return interruptedStatus(job)
	case outage && job.Succeeded == 0:
		return StatusFailed
	case job.Failed == 0:
		return StatusCompleted
	default:
		return StatusPartiallyCompleted
	}
}

func interruptedStatus(job Job) Status {
	if job.Succeeded == 0 {
		return StatusFailed
	}
	return StatusPartiallyCompleted
}

func hasFailureCode(job Job, code string) bool {
	for _, result := range job.Results {
		if result.ErrorCode == code {
			return true
		}
	}
	return false
}
