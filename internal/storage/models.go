package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStageTransition is returned when a stage update would skip, repeat or
// roll back a stage.
var ErrStageTransition = errors.New("invalid stage transition")

// Stage is the pipeline position of a case.
type Stage string

const (
	StageSubmitted    Stage = "SUBMITTED"
	StageSessionReady Stage = "SESSION_READY"
	StageSearching    Stage = "SEARCHING"
	StageDownloading  Stage = "DOWNLOADING"
	StageExtracting   Stage = "EXTRACTING"
	StageCompleted    Stage = "COMPLETED"
	StageFailed       Stage = "FAILED"
)

var stageOrder = []Stage{
	StageSubmitted,
	StageSessionReady,
	StageSearching,
	StageDownloading,
	StageExtracting,
	StageCompleted,
}

// Rank is the position of s in the pipeline. FAILED ranks after every stage
// and unknown stages rank -1.
func (s Stage) Rank() int {
	if s == StageFailed {
		return len(stageOrder)
	}
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage following s, or "" when s is terminal.
func (s Stage) Next() Stage {
	r := s.Rank()
	if r < 0 || r >= len(stageOrder)-1 {
		return ""
	}
	return stageOrder[r+1]
}

// Terminal reports whether no worker will move the case further.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Rank() >= 0 }

// Case outcomes recorded on completion.
const (
	OutcomeAllData            = "all_data"
	OutcomeMissingData        = "missing_data"
	OutcomeVoluntaryDismissal = "voluntary_dismissal"
)

// CaseInput carries the caller-supplied, mutable fields of a case.
type CaseInput struct {
	CaseNumber   string `json:"case_number"`
	SearchName   string `json:"case_name"`
	CreditorName string `json:"creditor_name"`
	IsBusiness   bool   `json:"is_business"`
	CreditorType string `json:"creditor_type"`
}

type Case struct {
	CaseNumber   string `json:"case_number"`
	SearchName   string `json:"case_name"`
	CreditorName string `json:"creditor_name"`
	IsBusiness   bool   `json:"is_business"`
	CreditorType string `json:"creditor_type"`

	Stage       Stage  `json:"stage"`
	FailedStage Stage  `json:"failed_stage,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	Outcome     string `json:"outcome,omitempty"`

	PortalCaseName    string   `json:"portal_case_name,omitempty"`
	PortalCaseNumber  string   `json:"portal_case_number,omitempty"`
	PortalURL         string   `json:"portal_url,omitempty"`
	AssociatedParties []string `json:"associated_parties,omitempty"`
	Findings          Findings `json:"findings"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Findings are the case-level values merged from extracted documents.
// Each value carries the title of the document it came from.
type Findings struct {
	CreditorName            string  `json:"creditor_name,omitempty"`
	CreditorNameSource      string  `json:"creditor_name_source,omitempty"`
	CreditorAddress         string  `json:"creditor_address,omitempty"`
	CreditorAddressSource   string  `json:"creditor_address_source,omitempty"`
	RegistrationState       string  `json:"registration_state,omitempty"`
	RegistrationStateSource string  `json:"registration_state_source,omitempty"`
	JudgmentAmount          string  `json:"judgment_amount,omitempty"`
	JudgmentAmountSource    string  `json:"judgment_amount_source,omitempty"`
	JudgmentAwarded         string  `json:"judgment_awarded,omitempty"`
	JudgmentAwardedContext  string  `json:"judgment_awarded_context,omitempty"`
	Parties                 []Party `json:"parties,omitempty"`
}

type Party struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// DocumentKind is the category inferred from the document title.
type DocumentKind string

const (
	KindFinalJudgment DocumentKind = "final_judgment"
	KindComplaint     DocumentKind = "complaint"
	KindUnknown       DocumentKind = "unknown"
)

type DownloadStatus string

const (
	DownloadPending         DownloadStatus = "pending"
	DownloadDone            DownloadStatus = "downloaded"
	DownloadFailed          DownloadStatus = "failed"
	DownloadRequiresPayment DownloadStatus = "requires_payment"
	DownloadSkipped         DownloadStatus = "skipped"
)

type ExtractionStatus string

const (
	ExtractionPending ExtractionStatus = "pending"
	ExtractionDone    ExtractionStatus = "extracted"
	ExtractionFailed  ExtractionStatus = "failed"
	ExtractionSkipped ExtractionStatus = "skipped"
)

type Document struct {
	ID          string       `json:"id"`
	CaseNumber  string       `json:"case_number"`
	SourceID    string       `json:"source_id"`
	SourceURL   string       `json:"source_url"`
	Title       string       `json:"title"`
	Kind        DocumentKind `json:"kind"`
	BlobPath    string       `json:"-"`
	Checksum    string       `json:"checksum,omitempty"`
	Size        int64        `json:"size"`
	ContentType string       `json:"content_type,omitempty"`
	PageCount   int          `json:"page_count,omitempty"`

	DownloadStatus   DownloadStatus   `json:"download_status"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	Fields           json.RawMessage  `json:"fields,omitempty"`
	ErrorKind        string           `json:"error_kind,omitempty"`
	LastError        string           `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Downloaded reports whether the document bytes are in blob storage.
func (d Document) Downloaded() bool {
	return d.DownloadStatus == DownloadDone && d.Checksum != ""
}

// CaseAggregate is a case together with all of its documents.
type CaseAggregate struct {
	Case
	Documents []Document `json:"documents"`
}

// ListFilter narrows ListCases.
type ListFilter struct {
	Stage  Stage
	Limit  int
	Offset int
}
