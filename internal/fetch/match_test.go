package fetch

import (
	"errors"
	"testing"

	"github.com/kalambet/docketd/internal/caseerr"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/portal"
	"github.com/kalambet/docketd/internal/storage"
)

func TestNormalizeCaseNumber(t *testing.T) {
	tests := []struct{ in, want string }{
		{"2023-cc-0042", "2023CC0042"},
		{" 2023 CC 0042 ", "2023CC0042"},
		{"CASE-001", "CASE001"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeCaseNumber(tt.in); got != tt.want {
			t.Errorf("NormalizeCaseNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		a, b    string
		wantMin float64
		wantMax float64
	}{
		{"Acme Bank v. John Doe", "ACME BANK VS JOHN DOE", 1, 1},
		{"Acme Bank v. John Doe", "ACME BANK VS JANE DOE", 0.5, 0.7},
		{"Acme Bank v. John Doe", "ZENITH LLC VS MARY ROE", 0, 0},
		{"", "ACME", 0, 0},
	}
	for _, tt := range tests {
		got := NameSimilarity(tt.a, tt.b)
		if got < tt.wantMin || got > tt.wantMax {
			t.Errorf("NameSimilarity(%q, %q) = %.2f, want [%.2f, %.2f]", tt.a, tt.b, got, tt.wantMin, tt.wantMax)
		}
	}
}

func TestCategorize(t *testing.T) {
	docs := config.Default().Documents
	tests := []struct {
		title string
		want  storage.DocumentKind
	}{
		{"FINAL JUDGMENT", storage.KindFinalJudgment},
		{"Final Default Judgment After Hearing", storage.KindFinalJudgment},
		{"Judgment on the pleadings", storage.KindUnknown},
		{"Amended Complaint", storage.KindComplaint},
		{"Notice of Hearing", storage.KindUnknown},
	}
	for _, tt := range tests {
		if got := Categorize(tt.title, docs); got != tt.want {
			t.Errorf("Categorize(%q) = %s, want %s", tt.title, got, tt.want)
		}
	}
}

func TestDisambiguate(t *testing.T) {
	cands := []portal.SearchResult{
		{CaseNumber: "CASE-9", CaseName: "ACME BANK VS JOHN DOE", URL: "/cases/1"},
		{CaseNumber: "CASE-9", CaseName: "ZENITH LLC VS JOHN DOE", URL: "/cases/2"},
		{CaseNumber: "CASE-9", CaseName: "MARY ROE VS JOHN DOE", URL: "/cases/3"},
	}

	tests := []struct {
		name    string
		c       storage.Case
		policy  string
		wantURL string
		wantErr bool
	}{
		{"creditor name decides", storage.Case{CreditorName: "Acme Bank"}, config.DisambiguationFail, "/cases/1", false},
		{"business flag decides", storage.Case{CreditorName: "Mary Roe", IsBusiness: false}, config.DisambiguationFail, "/cases/3", false},
		{"unknown creditor individual", storage.Case{CreditorName: "Nobody", IsBusiness: false}, config.DisambiguationFail, "/cases/3", false},
		{"unresolved fails", storage.Case{CreditorName: "Nobody", IsBusiness: true}, config.DisambiguationFail, "", true},
		{"unresolved first policy", storage.Case{CreditorName: "Nobody", IsBusiness: true}, config.DisambiguationFirst, "/cases/1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := disambiguate(cands, tt.c, tt.policy, "CASE-9")
			if tt.wantErr {
				var amb *caseerr.AmbiguousMatchError
				if !errors.As(err, &amb) {
					t.Fatalf("err = %v, want AmbiguousMatchError", err)
				}
				if len(amb.Candidates) != 2 {
					t.Errorf("Candidates = %v, want the two business cases", amb.Candidates)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.URL != tt.wantURL {
				t.Errorf("URL = %s, want %s", got.URL, tt.wantURL)
			}
		})
	}
}

func TestHasVoluntaryDismissal(t *testing.T) {
	if !HasVoluntaryDismissal([]string{"Complaint filed", "Notice of VOLUNTARY DISMISSAL without prejudice"}) {
		t.Error("dismissal not detected")
	}
	if HasVoluntaryDismissal([]string{"Dismissal for lack of prosecution"}) {
		t.Error("involuntary dismissal detected as voluntary")
	}
}

func TestAssociatedParties(t *testing.T) {
	parties := []portal.Party{
		{Name: "ACME BANK", Role: "Plaintiff"},
		{Name: "ACME HOLDINGS", Role: "Plaintiff"},
		{Name: "ACME HOLDINGS", Role: "Plaintiff"},
		{Name: "JOHN DOE", Role: "Defendant"},
	}
	got := AssociatedParties(parties, "plaintiff", "Acme Bank")
	if len(got) != 1 || got[0] != "ACME HOLDINGS" {
		t.Errorf("AssociatedParties = %v, want [ACME HOLDINGS]", got)
	}
	if got := AssociatedParties(parties, "", "Acme Bank"); got != nil {
		t.Errorf("AssociatedParties without creditor type = %v, want nil", got)
	}
}
