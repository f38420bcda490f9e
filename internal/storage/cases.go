package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
)

var caseColumns = []string{
	"case_number", "search_name", "creditor_name", "is_business", "creditor_type",
	"stage", "failed_stage", "error_kind", "last_error", "outcome",
	"portal_case_name", "portal_case_number", "portal_url",
	"associated_parties", "findings_json", "submitted_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (Case, error) {
	var (
		c                      Case
		stage, failedStage     string
		partiesJSON, findings  string
		submittedAt, updatedAt string
	)
	err := row.Scan(
		&c.CaseNumber, &c.SearchName, &c.CreditorName, &c.IsBusiness, &c.CreditorType,
		&stage, &failedStage, &c.ErrorKind, &c.LastError, &c.Outcome,
		&c.PortalCaseName, &c.PortalCaseNumber, &c.PortalURL,
		&partiesJSON, &findings, &submittedAt, &updatedAt,
	)
	if err != nil {
		return Case{}, err
	}
	c.Stage = Stage(stage)
	c.FailedStage = Stage(failedStage)
	if err := json.Unmarshal([]byte(partiesJSON), &c.AssociatedParties); err != nil {
		return Case{}, fmt.Errorf("decoding associated_parties for %s: %w", c.CaseNumber, err)
	}
	if err := json.Unmarshal([]byte(findings), &c.Findings); err != nil {
		return Case{}, fmt.Errorf("decoding findings for %s: %w", c.CaseNumber, err)
	}
	if c.SubmittedAt, err = parseTime("submitted_at", submittedAt); err != nil {
		return Case{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Case{}, err
	}
	return c, nil
}

// UpsertCase creates the case or, on resubmission, overwrites its mutable
// fields and resets it to SUBMITTED. Previous documents are kept so the
// pipeline can skip work that already succeeded.
func (s *Store) UpsertCase(in CaseInput) (Case, error) {
	if in.CaseNumber == "" {
		return Case{}, errors.New("case number is required")
	}
	now := formatTime(time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return Case{}, fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO cases (case_number, search_name, creditor_name, is_business, creditor_type, stage, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_number) DO UPDATE SET
			search_name = excluded.search_name,
			creditor_name = excluded.creditor_name,
			is_business = excluded.is_business,
			creditor_type = excluded.creditor_type,
			stage = excluded.stage,
			failed_stage = '',
			error_kind = '',
			last_error = '',
			outcome = '',
			submitted_at = excluded.submitted_at,
			updated_at = excluded.updated_at`,
		in.CaseNumber, in.SearchName, in.CreditorName, in.IsBusiness, in.CreditorType,
		string(StageSubmitted), now, now,
	)
	if err != nil {
		return Case{}, fmt.Errorf("upserting case %s: %w", in.CaseNumber, err)
	}

	c, err := getCase(tx, in.CaseNumber)
	if err != nil {
		return Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return Case{}, fmt.Errorf("committing upsert: %w", err)
	}
	return c, nil
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func getCase(q querier, caseNumber string) (Case, error) {
	query, args, err := squirrel.Select(caseColumns...).From("cases").
		Where(squirrel.Eq{"case_number": caseNumber}).ToSql()
	if err != nil {
		return Case{}, err
	}
	c, err := scanCase(q.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrNotFound
	}
	return c, err
}

// GetCase returns the case with all of its documents, read in one transaction.
func (s *Store) GetCase(caseNumber string) (CaseAggregate, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return CaseAggregate{}, err
	}
	defer tx.Rollback()

	c, err := getCase(tx, caseNumber)
	if err != nil {
		return CaseAggregate{}, err
	}
	docs, err := listDocuments(tx, []string{caseNumber})
	if err != nil {
		return CaseAggregate{}, err
	}
	return CaseAggregate{Case: c, Documents: nonNil(docs[caseNumber])}, tx.Commit()
}

// GetCases looks up many cases at once. Unknown numbers are skipped; the
// result preserves the order of numbers.
func (s *Store) GetCases(numbers []string) ([]CaseAggregate, error) {
	if len(numbers) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query, args, err := squirrel.Select(caseColumns...).From("cases").
		Where(squirrel.Eq{"case_number": numbers}).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cases: %w", err)
	}
	byNumber := make(map[string]Case, len(numbers))
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		byNumber[c.CaseNumber] = c
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	docs, err := listDocuments(tx, numbers)
	if err != nil {
		return nil, err
	}

	out := make([]CaseAggregate, 0, len(byNumber))
	seen := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		c, ok := byNumber[n]
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, CaseAggregate{Case: c, Documents: nonNil(docs[n])})
	}
	return out, tx.Commit()
}

// ListCases returns cases ordered by most recent update.
func (s *Store) ListCases(f ListFilter) ([]Case, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := squirrel.Select(caseColumns...).From("cases").
		OrderBy("updated_at DESC", "case_number ASC").
		Limit(uint64(limit)).
		Offset(uint64(max(f.Offset, 0)))
	if f.Stage != "" {
		q = q.Where(squirrel.Eq{"stage": string(f.Stage)})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateStage advances a case by exactly one stage. Any other move,
// including a repeat of the current stage, returns ErrStageTransition.
func (s *Store) UpdateStage(caseNumber string, to Stage) error {
	r := to.Rank()
	if r <= 0 || to == StageFailed {
		return fmt.Errorf("%w: cannot advance to %s", ErrStageTransition, to)
	}
	from := stageOrder[r-1]

	res, err := s.db.Exec(`UPDATE cases SET stage = ?, updated_at = ? WHERE case_number = ? AND stage = ?`,
		string(to), formatTime(time.Now()), caseNumber, string(from))
	if err != nil {
		return fmt.Errorf("updating stage for %s: %w", caseNumber, err)
	}
	return s.checkTransition(res, caseNumber, from, to)
}

func (s *Store) checkTransition(res sql.Result, caseNumber string, from, to Stage) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	c, err := getCase(s.db, caseNumber)
	if err != nil {
		return err
	}
	if from == "" {
		return fmt.Errorf("%w: %s is %s, cannot move to %s", ErrStageTransition, caseNumber, c.Stage, to)
	}
	return fmt.Errorf("%w: %s is %s, expected %s before %s", ErrStageTransition, caseNumber, c.Stage, from, to)
}

// FailCase moves a non-terminal case to FAILED, recording the stage it
// failed in and why.
func (s *Store) FailCase(caseNumber string, at Stage, kind, reason string) error {
	res, err := s.db.Exec(`
		UPDATE cases SET stage = ?, failed_stage = ?, error_kind = ?, last_error = ?, updated_at = ?
		WHERE case_number = ? AND stage NOT IN (?, ?)`,
		string(StageFailed), string(at), kind, reason, formatTime(time.Now()),
		caseNumber, string(StageCompleted), string(StageFailed),
	)
	if err != nil {
		return fmt.Errorf("failing case %s: %w", caseNumber, err)
	}
	return s.checkTransition(res, caseNumber, "", StageFailed)
}

// CompleteCase moves an EXTRACTING case to COMPLETED and stores the merged
// findings in the same statement.
func (s *Store) CompleteCase(caseNumber, outcome string, findings Findings) error {
	b, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("encoding findings: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE cases SET stage = ?, outcome = ?, findings_json = ?, updated_at = ?
		WHERE case_number = ? AND stage = ?`,
		string(StageCompleted), outcome, string(b), formatTime(time.Now()),
		caseNumber, string(StageExtracting),
	)
	if err != nil {
		return fmt.Errorf("completing case %s: %w", caseNumber, err)
	}
	return s.checkTransition(res, caseNumber, StageExtracting, StageCompleted)
}

// SaveFindings stores merged findings without changing the stage. Used when
// a case fails after some documents were extracted.
func (s *Store) SaveFindings(caseNumber string, findings Findings) error {
	b, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("encoding findings: %w", err)
	}
	res, err := s.db.Exec(`UPDATE cases SET findings_json = ?, updated_at = ? WHERE case_number = ?`,
		string(b), formatTime(time.Now()), caseNumber)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// PortalMatch is what the portal reported for the matched case.
type PortalMatch struct {
	CaseName          string
	CaseNumber        string
	URL               string
	AssociatedParties []string
}

func (s *Store) SetPortalMatch(caseNumber string, m PortalMatch) error {
	parties := m.AssociatedParties
	if parties == nil {
		parties = []string{}
	}
	b, err := json.Marshal(parties)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE cases SET portal_case_name = ?, portal_case_number = ?, portal_url = ?, associated_parties = ?, updated_at = ?
		WHERE case_number = ?`,
		m.CaseName, m.CaseNumber, m.URL, string(b), formatTime(time.Now()), caseNumber)
	if err != nil {
		return fmt.Errorf("recording portal match for %s: %w", caseNumber, err)
	}
	return requireRow(res)
}

// ReconcileAbandoned fails every case a previous process left mid-pipeline.
func (s *Store) ReconcileAbandoned(kind, reason string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE cases SET failed_stage = stage, stage = ?, error_kind = ?, last_error = ?, updated_at = ?
		WHERE stage NOT IN (?, ?)`,
		string(StageFailed), kind, reason, formatTime(time.Now()),
		string(StageCompleted), string(StageFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("reconciling abandoned cases: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountByStage returns the number of cases in each stage.
func (s *Store) CountByStage() (map[Stage]int, error) {
	rows, err := s.db.Query(`SELECT stage, COUNT(*) FROM cases GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Stage]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Stage(st)] = n
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(docs []Document) []Document {
	if docs == nil {
		return []Document{}
	}
	return docs
}
