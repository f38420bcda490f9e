package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var documentColumns = []string{
	"id", "case_number", "source_id", "source_url", "title", "kind",
	"blob_path", "checksum", "size", "content_type", "page_count",
	"download_status", "extraction_status", "fields_json", "error_kind", "last_error",
	"created_at", "updated_at",
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		d                        Document
		kind, dlStatus, exStatus string
		fields                   sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(
		&d.ID, &d.CaseNumber, &d.SourceID, &d.SourceURL, &d.Title, &kind,
		&d.BlobPath, &d.Checksum, &d.Size, &d.ContentType, &d.PageCount,
		&dlStatus, &exStatus, &fields, &d.ErrorKind, &d.LastError,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	d.Kind = DocumentKind(kind)
	d.DownloadStatus = DownloadStatus(dlStatus)
	d.ExtractionStatus = ExtractionStatus(exStatus)
	if fields.Valid && fields.String != "" {
		d.Fields = json.RawMessage(fields.String)
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Document{}, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// RecordDocument inserts a document or, when the case already has one with
// the same source id, overwrites its descriptor and download state. The
// stored row is returned; its ID is stable across overwrites.
func (s *Store) RecordDocument(d Document) (Document, error) {
	if d.CaseNumber == "" || d.SourceID == "" {
		return Document{}, errors.New("document needs a case number and source id")
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Kind == "" {
		d.Kind = KindUnknown
	}
	if d.DownloadStatus == "" {
		d.DownloadStatus = DownloadPending
	}
	if d.ExtractionStatus == "" {
		d.ExtractionStatus = ExtractionPending
	}
	now := formatTime(time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return Document{}, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO documents (id, case_number, source_id, source_url, title, kind, blob_path, checksum, size,
			content_type, page_count, download_status, extraction_status, fields_json, error_kind, last_error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_number, source_id) DO UPDATE SET
			source_url = excluded.source_url,
			title = excluded.title,
			kind = excluded.kind,
			blob_path = excluded.blob_path,
			checksum = excluded.checksum,
			size = excluded.size,
			content_type = excluded.content_type,
			page_count = excluded.page_count,
			download_status = excluded.download_status,
			extraction_status = excluded.extraction_status,
			fields_json = excluded.fields_json,
			error_kind = excluded.error_kind,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		d.ID, d.CaseNumber, d.SourceID, d.SourceURL, d.Title, string(d.Kind), d.BlobPath, d.Checksum, d.Size,
		d.ContentType, d.PageCount, string(d.DownloadStatus), string(d.ExtractionStatus), nullableJSON(d.Fields),
		d.ErrorKind, d.LastError, now, now,
	)
	if err != nil {
		return Document{}, fmt.Errorf("recording document %s/%s: %w", d.CaseNumber, d.SourceID, err)
	}

	stored, err := getDocumentWhere(tx, squirrel.Eq{"case_number": d.CaseNumber, "source_id": d.SourceID})
	if err != nil {
		return Document{}, err
	}
	return stored, tx.Commit()
}

// ExtractionResult is the outcome of extracting one document.
type ExtractionResult struct {
	Status    ExtractionStatus
	Fields    json.RawMessage
	ErrorKind string
	LastError string
}

// UpdateDocumentExtraction records the extraction outcome for a document.
func (s *Store) UpdateDocumentExtraction(id string, r ExtractionResult) error {
	res, err := s.db.Exec(`
		UPDATE documents SET extraction_status = ?, fields_json = ?, error_kind = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), nullableJSON(r.Fields), r.ErrorKind, r.LastError, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating extraction for %s: %w", id, err)
	}
	return requireRow(res)
}

func getDocumentWhere(q querier, where squirrel.Eq) (Document, error) {
	query, args, err := squirrel.Select(documentColumns...).From("documents").Where(where).ToSql()
	if err != nil {
		return Document{}, err
	}
	d, err := scanDocument(q.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// GetDocument returns a document belonging to caseNumber.
func (s *Store) GetDocument(caseNumber, id string) (Document, error) {
	return getDocumentWhere(s.db, squirrel.Eq{"case_number": caseNumber, "id": id})
}

// GetDocumentBySource returns the document the portal identifies as sourceID.
func (s *Store) GetDocumentBySource(caseNumber, sourceID string) (Document, error) {
	return getDocumentWhere(s.db, squirrel.Eq{"case_number": caseNumber, "source_id": sourceID})
}

func listDocuments(q querier, caseNumbers []string) (map[string][]Document, error) {
	query, args, err := squirrel.Select(documentColumns...).From("documents").
		Where(squirrel.Eq{"case_number": caseNumbers}).
		OrderBy("created_at ASC", "source_id ASC").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Document)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out[d.CaseNumber] = append(out[d.CaseNumber], d)
	}
	return out, rows.Err()
}
