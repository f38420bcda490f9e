// Package export renders case findings as an XLSX workbook.
package export

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/docketd/internal/storage"
)

const sheet = "Cases"

// pageSize bounds each ListCases call while walking the whole table.
const pageSize = 500

type CaseLister interface {
	ListCases(f storage.ListFilter) ([]storage.Case, error)
}

type Service struct {
	store  CaseLister
	logger *slog.Logger
}

func NewService(store CaseLister) *Service {
	return &Service{store: store, logger: slog.Default()}
}

var headers = []string{
	"Case Number",
	"Portal Case Name",
	"Stage",
	"Outcome",
	"Creditor (declared)",
	"Creditor (document)",
	"Creditor Address",
	"Registration State",
	"Judgment Amount",
	"Awarded to Creditor",
	"Associated Parties",
	"Error",
	"Updated",
}

// CasesXLSX returns a workbook with one row per case. An empty stage
// exports every case.
func (s *Service) CasesXLSX(stage storage.Stage) ([]byte, error) {
	start := time.Now()

	var cases []storage.Case
	for offset := 0; ; offset += pageSize {
		page, err := s.store.ListCases(storage.ListFilter{Stage: stage, Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("listing cases: %w", err)
		}
		cases = append(cases, page...)
		if len(page) < pageSize {
			break
		}
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(sheet, 1, 1, style)
	}

	for i, c := range cases {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, c.CaseNumber)
		write(2, c.PortalCaseName)
		write(3, string(c.Stage))
		write(4, c.Outcome)
		write(5, c.CreditorName)
		write(6, c.Findings.CreditorName)
		write(7, c.Findings.CreditorAddress)
		write(8, c.Findings.RegistrationState)
		write(9, c.Findings.JudgmentAmount)
		write(10, c.Findings.JudgmentAwarded)
		write(11, partyList(c.Findings.Parties))
		write(12, errorText(c))
		write(13, c.UpdatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetColWidth(sheet, "A", "A", 18)
	_ = f.SetColWidth(sheet, "B", "B", 36)
	_ = f.SetColWidth(sheet, "C", "D", 16)
	_ = f.SetColWidth(sheet, "E", "G", 32)
	_ = f.SetColWidth(sheet, "H", "J", 16)
	_ = f.SetColWidth(sheet, "K", "L", 48)
	_ = f.SetColWidth(sheet, "M", "M", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok", "rows", len(cases), "stage", stage, "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func partyList(parties []storage.Party) string {
	out := make([]string, len(parties))
	for i, p := range parties {
		out[i] = p.Name
		if p.Address != "" {
			out[i] += " (" + p.Address + ")"
		}
	}
	return strings.Join(out, "; ")
}

func errorText(c storage.Case) string {
	if c.Stage != storage.StageFailed {
		return ""
	}
	return fmt.Sprintf("%s at %s: %s", c.ErrorKind, c.FailedStage, c.LastError)
}
