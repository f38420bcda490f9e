package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/kalambet/docketd/internal/extract"
	"github.com/kalambet/docketd/internal/storage"
)

// kindOrder ranks document kinds for merging. Final judgments win.
func kindOrder(k storage.DocumentKind) int {
	switch k {
	case storage.KindFinalJudgment:
		return 0
	case storage.KindComplaint:
		return 1
	}
	return 2
}

// mergeFindings folds the extracted fields of docs into case findings. The
// first document to state a value wins, final judgments before complaints.
func mergeFindings(c storage.Case, docs []storage.Document) storage.Findings {
	ordered := slices.Clone(docs)
	slices.SortStableFunc(ordered, func(a, b storage.Document) int {
		return kindOrder(a.Kind) - kindOrder(b.Kind)
	})

	var f storage.Findings
	take := func(dst, src *string, val, title string) {
		if *dst == "" && val != "" {
			*dst, *src = val, title
		}
	}
	for _, d := range ordered {
		if d.ExtractionStatus != storage.ExtractionDone || len(d.Fields) == 0 {
			continue
		}
		var fields extract.Fields
		if err := json.Unmarshal(d.Fields, &fields); err != nil {
			continue
		}
		take(&f.CreditorName, &f.CreditorNameSource, fields.CreditorName, d.Title)
		take(&f.CreditorAddress, &f.CreditorAddressSource, fields.CreditorAddress, d.Title)
		if c.IsBusiness {
			take(&f.RegistrationState, &f.RegistrationStateSource, fields.RegistrationState, d.Title)
		}
		if d.Kind == storage.KindFinalJudgment {
			take(&f.JudgmentAmount, &f.JudgmentAmountSource, fields.JudgmentAmount, d.Title)
			if f.JudgmentAwarded == "" && fields.JudgmentAwarded != "" {
				f.JudgmentAwarded = fields.JudgmentAwarded
				f.JudgmentAwardedContext = fields.JudgmentAwardedContext
			}
		}
		f.Parties = mergeParties(f.Parties, fields.AssociatedParties)
	}
	return f
}

func mergeParties(have, add []storage.Party) []storage.Party {
	for _, p := range add {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		i := slices.IndexFunc(have, func(h storage.Party) bool { return strings.EqualFold(h.Name, name) })
		if i < 0 {
			have = append(have, storage.Party{Name: name, Address: p.Address})
			continue
		}
		if have[i].Address == "" {
			have[i].Address = p.Address
		}
	}
	return have
}

// outcome is all_data when every finding the case calls for was found.
func outcome(c storage.Case, f storage.Findings) string {
	missing := f.CreditorName == "" || f.CreditorAddress == "" || f.JudgmentAmount == ""
	if c.IsBusiness && f.RegistrationState == "" {
		missing = true
	}
	if missing {
		return storage.OutcomeMissingData
	}
	return storage.OutcomeAllData
}

const skipReason = "all case findings already found"

// satisfied reports whether f already holds every finding the case calls
// for, including associated party addresses when those are wanted.
func satisfied(c storage.Case, f storage.Findings, wantAddresses bool) bool {
	if outcome(c, f) != storage.OutcomeAllData {
		return false
	}
	if !wantAddresses {
		return true
	}
	for _, name := range c.AssociatedParties {
		i := slices.IndexFunc(f.Parties, func(p storage.Party) bool { return strings.EqualFold(p.Name, name) })
		if i < 0 || f.Parties[i].Address == "" {
			return false
		}
	}
	return true
}

// docFailure is the worst document outcome of a case.
type docFailure struct {
	stage  storage.Stage
	kind   string
	reason string
}

// worstDocument reduces document outcomes to the case outcome. A failed
// transfer outranks a failed extraction. Skipped and paid documents do not
// count.
func worstDocument(docs []storage.Document) *docFailure {
	var worst *docFailure
	for _, d := range docs {
		var f *docFailure
		switch {
		case d.DownloadStatus == storage.DownloadFailed:
			f = &docFailure{storage.StageDownloading, d.ErrorKind, fmt.Sprintf("document %q: %s", d.Title, d.LastError)}
		case d.ExtractionStatus == storage.ExtractionFailed:
			f = &docFailure{storage.StageExtracting, d.ErrorKind, fmt.Sprintf("document %q: %s", d.Title, d.LastError)}
		default:
			continue
		}
		if worst == nil || f.stage.Rank() < worst.stage.Rank() {
			worst = f
		}
	}
	return worst
}
