// Package fetch finds a case on the portal and transfers its judgment
// documents into blob storage.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docketd/internal/blobstore"
	"github.com/kalambet/docketd/internal/caseerr"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/portal"
	"github.com/kalambet/docketd/internal/storage"
)

// Store is the slice of the case store the fetcher writes to.
type Store interface {
	GetDocumentBySource(caseNumber, sourceID string) (storage.Document, error)
	RecordDocument(d storage.Document) (storage.Document, error)
	SetPortalMatch(caseNumber string, m storage.PortalMatch) error
}

// Browser is the portal navigation a fetch needs.
type Browser interface {
	Search(ctx context.Context, query string) ([]portal.SearchResult, error)
	OpenCase(ctx context.Context, caseURL string) (portal.CasePage, error)
	Download(ctx context.Context, docURL string) (io.ReadCloser, error)
}

type Fetcher struct {
	store  Store
	blobs  *blobstore.Store
	logger *slog.Logger
}

func New(store Store, blobs *blobstore.Store) *Fetcher {
	return &Fetcher{store: store, blobs: blobs, logger: slog.Default()}
}

// Located is a case matched on the portal.
type Located struct {
	Match              portal.SearchResult
	Page               portal.CasePage
	VoluntaryDismissal bool
	AssociatedParties  []string
}

// Locate searches by case number, falling back to name similarity, opens
// the matched case page and records what the portal reports for it.
func (f *Fetcher) Locate(ctx context.Context, b Browser, cfg config.Config, c storage.Case) (Located, error) {
	match, err := f.match(ctx, b, cfg, c)
	if err != nil {
		return Located{}, err
	}
	page, err := b.OpenCase(ctx, match.URL)
	if err != nil {
		return Located{}, err
	}

	loc := Located{Match: match, Page: page}
	if cfg.Features.CheckVoluntaryDismissal {
		loc.VoluntaryDismissal = HasVoluntaryDismissal(page.DocketEntries)
	}
	if cfg.Features.ExtractAssociatedParties {
		loc.AssociatedParties = AssociatedParties(page.Parties, c.CreditorType, c.CreditorName)
	}

	pm := storage.PortalMatch{
		CaseName:          firstNonEmpty(page.CaseName, match.CaseName),
		CaseNumber:        firstNonEmpty(page.CaseNumber, match.CaseNumber),
		URL:               page.URL,
		AssociatedParties: loc.AssociatedParties,
	}
	if err := f.store.SetPortalMatch(c.CaseNumber, pm); err != nil {
		return Located{}, fmt.Errorf("recording portal match: %w", err)
	}
	f.logger.Info("case located", "case_number", c.CaseNumber, "portal_case", pm.CaseNumber,
		"documents", len(page.Documents), "voluntary_dismissal", loc.VoluntaryDismissal)
	return loc, nil
}

func (f *Fetcher) match(ctx context.Context, b Browser, cfg config.Config, c storage.Case) (portal.SearchResult, error) {
	byNumber, err := b.Search(ctx, c.CaseNumber)
	if err != nil {
		return portal.SearchResult{}, err
	}
	if exact := exactMatches(byNumber, c.CaseNumber); len(exact) > 0 {
		return disambiguate(exact, c, cfg.Pipeline.Disambiguation, c.CaseNumber)
	}

	pool := byNumber
	if c.SearchName != "" {
		byName, err := b.Search(ctx, c.SearchName)
		if err != nil {
			return portal.SearchResult{}, err
		}
		if exact := exactMatches(byName, c.CaseNumber); len(exact) > 0 {
			return disambiguate(exact, c, cfg.Pipeline.Disambiguation, c.CaseNumber)
		}
		pool = appendUnique(pool, byName)
	}

	similar := similarMatches(pool, c.SearchName, cfg.Pipeline.NameSimilarity)
	if len(similar) == 0 {
		return portal.SearchResult{}, &caseerr.NotFoundError{What: "case " + c.CaseNumber}
	}
	return disambiguate(similar, c, cfg.Pipeline.Disambiguation, c.SearchName)
}

func appendUnique(dst, src []portal.SearchResult) []portal.SearchResult {
	seen := make(map[string]bool, len(dst))
	for _, r := range dst {
		seen[r.URL] = true
	}
	for _, r := range src {
		if !seen[r.URL] {
			seen[r.URL] = true
			dst = append(dst, r)
		}
	}
	return dst
}

// Download transfers every free judgment or complaint document listed on
// the case page. A failing document does not stop the others; its failure
// is recorded on the document. Documents already downloaded are reused
// unless reprocess is set.
//
// The returned error is stage-level: the page lists nothing retrievable, or
// the session expired mid-transfer and the stage should be retried.
func (f *Fetcher) Download(ctx context.Context, b Browser, cfg config.Config, c storage.Case, page portal.CasePage, reprocess bool) ([]storage.Document, error) {
	var (
		mu       sync.Mutex
		expired  error
		wanted   int
		transfer []int
	)
	docs := make([]storage.Document, len(page.Documents))

	for i, link := range page.Documents {
		kind := Categorize(link.Title, cfg.Documents)
		d := storage.Document{
			CaseNumber: c.CaseNumber,
			SourceID:   link.Key,
			SourceURL:  link.URL,
			Title:      link.Title,
			Kind:       kind,
		}
		switch {
		case kind == storage.KindUnknown:
			d.DownloadStatus = storage.DownloadSkipped
			d.ExtractionStatus = storage.ExtractionSkipped
		case !link.Free():
			d.DownloadStatus = storage.DownloadRequiresPayment
			d.ExtractionStatus = storage.ExtractionSkipped
			d.LastError = "document requires payment: " + link.Cost
		default:
			wanted++
			if prev, ok := f.reusable(c.CaseNumber, link.Key, reprocess); ok {
				docs[i] = prev
				continue
			}
			transfer = append(transfer, i)
			continue
		}
		rec, err := f.store.RecordDocument(d)
		if err != nil {
			return nil, fmt.Errorf("recording document %q: %w", link.Title, err)
		}
		docs[i] = rec
	}

	if wanted == 0 {
		return docs, &caseerr.NotFoundError{What: "retrievable judgment documents for " + c.CaseNumber}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Pipeline.DownloadConcurrency, 1))
	for _, i := range transfer {
		link := page.Documents[i]
		g.Go(func() error {
			d, dlErr, err := f.transfer(gctx, b, cfg, c.CaseNumber, link)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			docs[i] = d
			if errors.Is(dlErr, caseerr.ErrSessionExpired) && expired == nil {
				expired = dlErr
			}
			// A failed transfer is recorded on its document; siblings keep going.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return docs, err
	}
	return docs, expired
}

// reusable returns the stored document when it was downloaded before and
// its bytes are still in blob storage.
func (f *Fetcher) reusable(caseNumber, sourceID string, reprocess bool) (storage.Document, bool) {
	if reprocess {
		return storage.Document{}, false
	}
	prev, err := f.store.GetDocumentBySource(caseNumber, sourceID)
	if err != nil || !prev.Downloaded() || !f.blobs.Exists(prev.Checksum) {
		return storage.Document{}, false
	}
	f.logger.Debug("reusing downloaded document", "case_number", caseNumber, "source_id", sourceID)
	return prev, true
}

// transfer downloads one document with retries and records the outcome.
// dlErr is the transfer failure, already recorded on the returned document;
// err is a storage failure.
func (f *Fetcher) transfer(ctx context.Context, b Browser, cfg config.Config, caseNumber string, link portal.DocumentLink) (d storage.Document, dlErr, err error) {
	d = storage.Document{
		CaseNumber:       caseNumber,
		SourceID:         link.Key,
		SourceURL:        link.URL,
		Title:            link.Title,
		Kind:             Categorize(link.Title, cfg.Documents),
		ExtractionStatus: storage.ExtractionPending,
	}

	blob, dlErr := f.fetchWithRetry(ctx, b, cfg, link)
	if dlErr != nil {
		d.DownloadStatus = storage.DownloadFailed
		d.ExtractionStatus = storage.ExtractionSkipped
		d.ErrorKind = caseerr.Kind(dlErr)
		d.LastError = dlErr.Error()
		f.logger.Warn("document download failed", "case_number", caseNumber, "title", link.Title, "error", dlErr)
	} else {
		d.DownloadStatus = storage.DownloadDone
		d.BlobPath = blob.Path
		d.Checksum = blob.Checksum
		d.Size = blob.Size
		d.ContentType = blob.ContentType
		d.PageCount = blob.PageCount
		f.logger.Info("document downloaded", "case_number", caseNumber, "title", link.Title,
			"bytes", blob.Size, "checksum", blob.Checksum[:12], "dedup", blob.Existed)
	}

	d, err = f.store.RecordDocument(d)
	if err != nil {
		return d, dlErr, fmt.Errorf("recording document %q: %w", link.Title, err)
	}
	return d, dlErr, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, b Browser, cfg config.Config, link portal.DocumentLink) (blobstore.Blob, error) {
	attempts := max(cfg.Pipeline.MaxAttempts, 1)
	var err error
	for i := range attempts {
		if i > 0 {
			if werr := wait(ctx, cfg.Pipeline.InitialBackoff<<(i-1)); werr != nil {
				return blobstore.Blob{}, werr
			}
		}
		var blob blobstore.Blob
		blob, err = f.fetchOnce(ctx, b, cfg, link)
		if err == nil {
			return blob, nil
		}
		if errors.Is(err, caseerr.ErrSessionExpired) || !caseerr.IsTransient(err) {
			return blobstore.Blob{}, err
		}
	}
	return blobstore.Blob{}, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, b Browser, cfg config.Config, link portal.DocumentLink) (blobstore.Blob, error) {
	body, err := b.Download(ctx, link.URL)
	if err != nil {
		if errors.Is(err, caseerr.ErrSessionExpired) || errors.Is(err, context.Canceled) {
			return blobstore.Blob{}, err
		}
		return blobstore.Blob{}, &caseerr.DownloadError{Source: link.Title, Err: err, Permanent: !caseerr.IsTransient(err)}
	}
	defer body.Close()

	blob, err := f.blobs.Put(body, int64(cfg.Pipeline.MaxDocumentBytes))
	switch {
	case err == nil:
		return blob, nil
	case errors.Is(err, blobstore.ErrEmpty), errors.Is(err, blobstore.ErrUnsupportedFormat), errors.Is(err, blobstore.ErrTooLarge):
		return blobstore.Blob{}, &caseerr.DownloadError{Source: link.Title, Err: err, Permanent: true}
	default:
		// A body cut short mid-stream.
		return blobstore.Blob{}, &caseerr.DownloadError{Source: link.Title, Err: err}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func wait(ctx context.Context, d time.Duration) error {
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
