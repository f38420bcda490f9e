// Package pipeline queues submitted cases and drives each one through
// session, search, download and extraction with a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/docketd/internal/blobstore"
	"github.com/kalambet/docketd/internal/caseerr"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/extract"
	"github.com/kalambet/docketd/internal/fetch"
	"github.com/kalambet/docketd/internal/session"
	"github.com/kalambet/docketd/internal/storage"
)

var (
	ErrQueueFull  = errors.New("queue is full")
	ErrDraining   = errors.New("pipeline is draining")
	ErrNoCase     = errors.New("case number is required")
	ErrNotStarted = errors.New("pipeline not started")
)

const (
	abandonReason   = "abandoned during shutdown"
	reconcileReason = "abandoned by previous process"
)

// Submission outcomes.
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
)

// Store is the case store the pipeline reads and writes.
type Store interface {
	fetch.Store
	UpsertCase(in storage.CaseInput) (storage.Case, error)
	GetCase(caseNumber string) (storage.CaseAggregate, error)
	UpdateStage(caseNumber string, to storage.Stage) error
	FailCase(caseNumber string, at storage.Stage, kind, reason string) error
	CompleteCase(caseNumber, outcome string, findings storage.Findings) error
	SaveFindings(caseNumber string, findings storage.Findings) error
	UpdateDocumentExtraction(id string, r storage.ExtractionResult) error
	ReconcileAbandoned(kind, reason string) (int, error)
}

// Sessions hands out the shared portal session.
type Sessions interface {
	EnsureValid(ctx context.Context, cfg config.Config) (*session.Handle, error)
	Invalidate(h *session.Handle)
	Valid() bool
}

// Extractor reads fields out of a document.
type Extractor interface {
	Extract(ctx context.Context, cfg config.LLMConfig, doc extract.Document, opts extract.Options) (extract.Result, error)
}

// entry is a queued or in-flight case.
type entry struct {
	reprocess bool
	// queued is false until the first write of the case has finished.
	queued   bool
	inFlight bool
	// writes tracks field updates of a queued case; the worker waits for
	// them before it starts.
	writes sync.WaitGroup
	// rerun is a reprocess request that arrived while the case was in flight.
	rerun *storage.CaseInput
}

// Pipeline is the processing queue and its workers.
type Pipeline struct {
	store     Store
	sessions  Sessions
	fetcher   *fetch.Fetcher
	extractor Extractor
	blobs     *blobstore.Store
	config    *config.Provider
	logger    *slog.Logger

	workers int
	queue   chan string

	mu       sync.Mutex
	entries  map[string]*entry
	reserved int
	started  bool
	draining bool
	active   atomic.Int32

	stop    chan struct{}
	workCtx context.Context
	abandon context.CancelFunc
	wg      sync.WaitGroup
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store     Store
	Sessions  Sessions
	Fetcher   *fetch.Fetcher
	Extractor Extractor
	Blobs     *blobstore.Store
	Config    *config.Provider
}

// New sizes the pool from the current configuration. Worker count and
// queue size are fixed until restart.
func New(d Deps) *Pipeline {
	cfg := d.Config.Snapshot()
	workCtx, abandon := context.WithCancel(context.Background())
	return &Pipeline{
		store:     d.Store,
		sessions:  d.Sessions,
		fetcher:   d.Fetcher,
		extractor: d.Extractor,
		blobs:     d.Blobs,
		config:    d.Config,
		logger:    slog.Default(),
		workers:   max(cfg.Pipeline.MaxWorkers, 1),
		queue:     make(chan string, max(cfg.Pipeline.QueueSize, 1)),
		entries:   make(map[string]*entry),
		stop:      make(chan struct{}),
		workCtx:   workCtx,
		abandon:   abandon,
	}
}

// Start fails cases a previous process left mid-pipeline, then starts the
// workers.
func (p *Pipeline) Start() error {
	n, err := p.store.ReconcileAbandoned(caseerr.KindAbandoned, reconcileReason)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Warn("reconciled abandoned cases", "count", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.started = true
	for i := range p.workers {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("pipeline started", "workers", p.workers, "queue_size", cap(p.queue))
	return nil
}

// Submit stores the case and queues it. A case that is already queued or in
// flight is not queued twice: the call reports StatusDuplicate, unless
// reprocess is set, in which case the queued entry is upgraded or the
// in-flight case runs again once it finishes.
func (p *Pipeline) Submit(in storage.CaseInput, reprocess bool) (string, error) {
	in.CaseNumber = strings.TrimSpace(in.CaseNumber)
	if in.CaseNumber == "" {
		return "", ErrNoCase
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return "", ErrDraining
	}

	if e, ok := p.entries[in.CaseNumber]; ok {
		status := StatusDuplicate
		switch {
		case reprocess && e.inFlight:
			e.rerun = &in
			status = StatusQueued
		case reprocess && !e.reprocess:
			e.reprocess = true
			status = StatusQueued
		}
		// A queued case is still SUBMITTED, so overwriting its fields cannot
		// roll the stage back.
		write := e.queued && !e.inFlight
		if write {
			e.writes.Add(1)
		}
		p.mu.Unlock()
		if !write {
			return status, nil
		}
		defer e.writes.Done()
		if _, err := p.store.UpsertCase(in); err != nil {
			return "", fmt.Errorf("storing case: %w", err)
		}
		return status, nil
	}

	if len(p.queue)+p.reserved >= cap(p.queue) {
		p.mu.Unlock()
		return "", ErrQueueFull
	}
	e := &entry{reprocess: reprocess}
	p.entries[in.CaseNumber] = e
	p.reserved++
	p.mu.Unlock()

	_, err := p.store.UpsertCase(in)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved--
	if err != nil {
		delete(p.entries, in.CaseNumber)
		return "", fmt.Errorf("storing case: %w", err)
	}
	e.queued = true
	// The reserved slot guarantees room.
	p.queue <- in.CaseNumber
	p.logger.Info("case queued", "case_number", in.CaseNumber, "reprocess", e.reprocess, "queue_depth", len(p.queue))
	return StatusQueued, nil
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case n := <-p.queue:
			p.runEntry(id, n)
		}
	}
}

func (p *Pipeline) runEntry(id int, caseNumber string) {
	p.mu.Lock()
	e := p.entries[caseNumber]
	if e == nil || p.draining {
		// Left SUBMITTED; the next start reconciles it.
		p.mu.Unlock()
		return
	}
	e.inFlight = true
	reprocess := e.reprocess
	p.mu.Unlock()
	e.writes.Wait()

	p.active.Add(1)
	defer p.active.Add(-1)

	for {
		p.process(p.workCtx, id, caseNumber, reprocess)

		p.mu.Lock()
		next := e.rerun
		e.rerun = nil
		if next != nil && p.draining {
			p.logger.Warn("reprocess request dropped by drain", "case_number", caseNumber)
		}
		if next == nil || p.draining {
			delete(p.entries, caseNumber)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if _, err := p.store.UpsertCase(*next); err != nil {
			p.logger.Error("resubmitting case failed", "case_number", caseNumber, "error", err)
			p.mu.Lock()
			delete(p.entries, caseNumber)
			p.mu.Unlock()
			return
		}
		reprocess = true
	}
}

// Health is the pool's monitoring signal.
type Health struct {
	SessionValid  bool `json:"session_valid"`
	QueueDepth    int  `json:"queue_depth"`
	ActiveWorkers int  `json:"active_workers"`
	MaxWorkers    int  `json:"max_workers"`
	Draining      bool `json:"draining"`
}

func (p *Pipeline) Health() Health {
	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()
	return Health{
		SessionValid:  p.sessions.Valid(),
		QueueDepth:    len(p.queue),
		ActiveWorkers: int(p.active.Load()),
		MaxWorkers:    p.workers,
		Draining:      draining,
	}
}

// Busy reports whether any case is queued or in flight.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) > 0
}

// Shutdown refuses new submissions and waits up to timeout for in-flight
// cases to finish. Cases still running after that are cancelled and
// recorded as FAILED; queued cases stay SUBMITTED for the next start.
func (p *Pipeline) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	started := p.started
	p.mu.Unlock()
	close(p.stop)

	if !started {
		p.abandon()
		return ErrNotStarted
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	p.logger.Info("draining pipeline", "active_workers", p.active.Load(), "timeout", timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.abandon()
		p.logger.Info("pipeline drained")
		return nil
	case <-timer.C:
	}

	p.abandon()
	<-done
	p.logger.Warn("drain timeout, in-flight cases abandoned")
	return fmt.Errorf("drain timed out after %s", timeout)
}
