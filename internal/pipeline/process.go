package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kalambet/docketd/internal/caseerr"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/extract"
	"github.com/kalambet/docketd/internal/fetch"
	"github.com/kalambet/docketd/internal/portal"
	"github.com/kalambet/docketd/internal/session"
	"github.com/kalambet/docketd/internal/storage"
)

// run is one pass of a case through the pipeline. cfg is read once when the
// pass starts.
type run struct {
	cfg       config.Config
	c         storage.Case
	reprocess bool
	handle    *session.Handle
	browser   *portal.Browser
	log       *slog.Logger
}

// stageError is a failure that ends the pass at stage.
type stageError struct {
	stage storage.Stage
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func (p *Pipeline) process(ctx context.Context, worker int, caseNumber string, reprocess bool) {
	log := p.logger.With("case_number", caseNumber, "worker", worker)
	agg, err := p.store.GetCase(caseNumber)
	if err != nil {
		log.Error("loading case failed", "error", err)
		return
	}
	r := &run{cfg: p.config.Snapshot(), c: agg.Case, reprocess: reprocess, log: log}

	start := time.Now()
	err = p.runStages(ctx, r)
	if err == nil {
		log.Info("case completed", "elapsed", time.Since(start).Round(time.Millisecond))
		return
	}

	at := r.c.Stage
	var se *stageError
	if errors.As(err, &se) {
		at = se.stage
		err = se.err
	}
	kind := caseerr.Kind(err)
	reason := err.Error()
	if kind == caseerr.KindAbandoned {
		reason = abandonReason
	}
	if ferr := p.store.FailCase(caseNumber, at, kind, reason); ferr != nil {
		log.Error("recording failure failed", "stage", at, "error", ferr)
		return
	}
	log.Warn("case failed", "stage", at, "kind", kind, "error", err)
}

func (p *Pipeline) runStages(ctx context.Context, r *run) error {
	if err := p.acquireSession(ctx, r); err != nil {
		return &stageError{storage.StageSessionReady, err}
	}
	if err := p.advance(r, storage.StageSessionReady); err != nil {
		return err
	}

	if err := p.advance(r, storage.StageSearching); err != nil {
		return err
	}
	var loc fetch.Located
	err := p.withRetry(ctx, r, storage.StageSearching, func(ctx context.Context) error {
		var err error
		loc, err = p.fetcher.Locate(ctx, r.browser, r.cfg, r.c)
		return err
	})
	if err != nil {
		return &stageError{storage.StageSearching, err}
	}
	if loc.AssociatedParties != nil {
		r.c.AssociatedParties = loc.AssociatedParties
	}

	if err := p.advance(r, storage.StageDownloading); err != nil {
		return err
	}
	if loc.VoluntaryDismissal {
		return p.completeDismissed(r)
	}
	var docs []storage.Document
	err = p.withRetry(ctx, r, storage.StageDownloading, func(ctx context.Context) error {
		var err error
		docs, err = p.fetcher.Download(ctx, r.browser, r.cfg, r.c, loc.Page, r.reprocess)
		return err
	})
	if err != nil {
		return &stageError{storage.StageDownloading, err}
	}

	if err := p.advance(r, storage.StageExtracting); err != nil {
		return err
	}
	docs, err = p.extractAll(ctx, r, docs)
	if err != nil {
		return &stageError{storage.StageExtracting, err}
	}

	findings := mergeFindings(r.c, docs)
	if worst := worstDocument(docs); worst != nil {
		if err := p.store.SaveFindings(r.c.CaseNumber, findings); err != nil {
			r.log.Error("saving partial findings failed", "error", err)
		}
		if err := p.store.FailCase(r.c.CaseNumber, worst.stage, worst.kind, worst.reason); err != nil {
			return fmt.Errorf("recording document failure: %w", err)
		}
		r.log.Warn("case failed on document", "stage", worst.stage, "kind", worst.kind, "reason", worst.reason)
		return nil
	}
	return p.store.CompleteCase(r.c.CaseNumber, outcome(r.c, findings), findings)
}

// advance records the case entering stage.
func (p *Pipeline) advance(r *run, stage storage.Stage) error {
	if err := p.store.UpdateStage(r.c.CaseNumber, stage); err != nil {
		return &stageError{stage, err}
	}
	r.c.Stage = stage
	r.log.Debug("stage", "stage", stage)
	return nil
}

func (p *Pipeline) completeDismissed(r *run) error {
	if err := p.advance(r, storage.StageExtracting); err != nil {
		return err
	}
	r.log.Info("voluntary dismissal on docket, skipping documents")
	return p.store.CompleteCase(r.c.CaseNumber, storage.OutcomeVoluntaryDismissal, storage.Findings{})
}

// acquireSession gets the shared session and opens this case's own browsing
// context from it.
func (p *Pipeline) acquireSession(ctx context.Context, r *run) error {
	h, err := p.sessions.EnsureValid(ctx, r.cfg)
	if err != nil {
		return err
	}
	b, err := h.NewBrowser(r.cfg)
	if err != nil {
		return fmt.Errorf("opening browsing context: %w", err)
	}
	r.handle, r.browser = h, b
	return nil
}

// withRetry runs fn until it succeeds, fails permanently or the attempt
// budget is spent. An expired session is replaced before the next attempt.
func (p *Pipeline) withRetry(ctx context.Context, r *run, stage storage.Stage, fn func(context.Context) error) error {
	attempts := max(r.cfg.Pipeline.MaxAttempts, 1)
	var err error
	for i := range attempts {
		if i > 0 {
			if werr := sleep(ctx, r.cfg.Pipeline.InitialBackoff<<(i-1)); werr != nil {
				return werr
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || !caseerr.IsTransient(err) {
			return err
		}
		r.log.Warn("stage attempt failed", "stage", stage, "attempt", i+1, "error", err)
		if errors.Is(err, caseerr.ErrSessionExpired) {
			p.sessions.Invalidate(r.handle)
			if serr := p.acquireSession(ctx, r); serr != nil {
				return serr
			}
		}
	}
	return err
}

// extractAll extracts the downloaded documents of the case, final judgments
// first. Documents extracted before are reused unless the case is
// reprocessed. Once the findings so far cover everything the case needs, the
// remaining documents are marked skipped without a model call. A failed
// extraction is recorded on its document and does not stop the others.
func (p *Pipeline) extractAll(ctx context.Context, r *run, docs []storage.Document) ([]storage.Document, error) {
	opts := extract.Options{
		CreditorName:       r.c.CreditorName,
		IsBusiness:         r.c.IsBusiness,
		AssociatedParties:  r.c.AssociatedParties,
		WantPartyAddresses: r.cfg.Features.ExtractAssociatedPartyAddresses,
		Reprocess:          r.reprocess,
	}
	out := slices.Clone(docs)
	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return kindOrder(out[a].Kind) - kindOrder(out[b].Kind)
	})

	// seen holds the documents already handled in this pass.
	var seen []storage.Document
	for _, i := range order {
		d := out[i]
		if !d.Downloaded() {
			continue
		}
		if !r.reprocess && d.ExtractionStatus == storage.ExtractionDone && len(d.Fields) > 0 {
			seen = append(seen, d)
			continue
		}

		var er storage.ExtractionResult
		if satisfied(r.c, mergeFindings(r.c, seen), opts.WantPartyAddresses) {
			er = storage.ExtractionResult{Status: storage.ExtractionSkipped, LastError: skipReason}
			r.log.Info("document extraction skipped", "title", d.Title, "reason", skipReason)
		} else {
			res, err := p.extractOne(ctx, r.cfg, d, opts)
			if err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			er = storage.ExtractionResult{Status: storage.ExtractionDone, Fields: res.Raw}
			if err != nil {
				er = storage.ExtractionResult{Status: storage.ExtractionFailed, ErrorKind: caseerr.Kind(err), LastError: err.Error()}
				r.log.Warn("document extraction failed", "title", d.Title, "error", err)
			}
		}
		if uerr := p.store.UpdateDocumentExtraction(d.ID, er); uerr != nil {
			return nil, uerr
		}
		out[i].ExtractionStatus, out[i].Fields = er.Status, er.Fields
		out[i].ErrorKind, out[i].LastError = er.ErrorKind, er.LastError
		seen = append(seen, out[i])
	}
	return out, nil
}

func (p *Pipeline) extractOne(ctx context.Context, cfg config.Config, d storage.Document, opts extract.Options) (extract.Result, error) {
	content, err := p.blobs.ReadAll(d.Checksum)
	if err != nil {
		return extract.Result{}, &caseerr.ExtractionError{Reason: "reading document", Err: err}
	}
	return p.extractor.Extract(ctx, cfg.LLM, extract.Document{
		Title:       d.Title,
		Kind:        d.Kind,
		ContentType: d.ContentType,
		Checksum:    d.Checksum,
		Content:     content,
	}, opts)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
