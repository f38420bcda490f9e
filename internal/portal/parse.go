package portal

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// SearchResult is one row of the portal's search results.
type SearchResult struct {
	CaseNumber string
	CaseName   string
	URL        string
}

type Party struct {
	Name string
	Role string
}

// DocumentLink is a document listed on a case page.
type DocumentLink struct {
	// Key identifies the document on the portal: the link's key query
	// parameter, or the absolute URL when there is none.
	Key   string
	Title string
	Cost  string
	URL   string
}

// Free reports whether the document can be downloaded without payment.
func (d DocumentLink) Free() bool {
	switch strings.ToLower(strings.TrimSpace(d.Cost)) {
	case "", "$0", "$0.00", "0", "0.00", "free", "n/a":
		return true
	}
	return false
}

type CasePage struct {
	URL           string
	CaseNumber    string
	CaseName      string
	DocketEntries []string
	Parties       []Party
	Documents     []DocumentLink
}

func parseResults(doc *html.Node, pageURL *url.URL, sel Selectors) []SearchResult {
	var out []SearchResult
	for _, n := range findAll(doc, byClass(sel.Result)) {
		r := SearchResult{
			CaseNumber: strings.TrimSpace(attr(n, "data-case-number")),
			CaseName:   strings.TrimSpace(attr(n, "data-case-name")),
		}
		href := attr(n, "href")
		if href == "" {
			if a := findFirst(n, isAnchor); a != nil {
				href = attr(a, "href")
				if r.CaseName == "" {
					r.CaseName = text(a)
				}
			}
		}
		if href == "" || (r.CaseNumber == "" && r.CaseName == "") {
			continue
		}
		r.URL = resolveAgainst(pageURL, href)
		out = append(out, r)
	}
	return out
}

func parseCasePage(doc *html.Node, pageURL *url.URL, sel Selectors) CasePage {
	cp := CasePage{URL: pageURL.String()}
	if root := findFirst(doc, byID("case")); root != nil {
		cp.CaseNumber = attr(root, "data-case-number")
		cp.CaseName = attr(root, "data-case-name")
	}
	for _, n := range findAll(doc, byClass(sel.DocketEntry)) {
		if t := text(n); t != "" {
			cp.DocketEntries = append(cp.DocketEntries, t)
		}
	}
	cp.Parties = parseParties(doc, sel)

	for _, n := range findAll(doc, byClass(sel.Document)) {
		link := findFirst(n, byClass(sel.DocumentLink))
		if link == nil || attr(link, "href") == "" {
			continue
		}
		d := DocumentLink{
			Title: strings.TrimSpace(attr(n, "data-title")),
			Cost:  attr(n, "data-cost"),
			URL:   resolveAgainst(pageURL, attr(link, "href")),
		}
		if d.Title == "" {
			d.Title = text(link)
		}
		d.Key = documentKey(d.URL)
		cp.Documents = append(cp.Documents, d)
	}
	return cp
}

func parseParties(doc *html.Node, sel Selectors) []Party {
	var out []Party
	for _, n := range findAll(doc, byClass(sel.Party)) {
		p := Party{Name: strings.TrimSpace(attr(n, "data-name")), Role: strings.TrimSpace(attr(n, "data-type"))}
		if p.Name == "" {
			p.Name = text(n)
		}
		if p.Name != "" {
			out = append(out, p)
		}
	}
	return out
}

func documentKey(abs string) string {
	u, err := url.Parse(abs)
	if err != nil {
		return abs
	}
	if k := u.Query().Get("key"); k != "" {
		return k
	}
	return abs
}

func isAnchor(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "a"
}
