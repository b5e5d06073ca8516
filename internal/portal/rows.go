package portal

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// minRowText filters rows too short to describe a document.
const minRowText = 10

// actionControl matches the per-row control that opens the download menu.
const actionControl = "button, a.dropdown-toggle, [data-toggle='dropdown'], [data-bs-toggle='dropdown'], a[href*='xml'], a[href*='XML']"

var (
	digitsOnly      = regexp.MustCompile(`^\d{1,15}$`)
	firstNumber     = regexp.MustCompile(`\b(\d{1,15})\b`)
	paginationWords = []string{
		"próxima", "proxima", "próximo", "proximo", "anterior", "primeira", "última", "ultima",
		"«", "»", "‹", "›", "<", ">", "...", "…",
	}
)

// Row is one genuine document row of the result table.
type Row struct {
	// Index is the 1-based position among all rows of the table, header
	// and pagination rows included, so it addresses the row in the live DOM.
	Index          int    `json:"index"`
	Text           string `json:"text"`
	DocumentNumber string `json:"document_number,omitempty"`
}

// ParseRows extracts document rows from the outer HTML of the result table.
// Markup that cannot be parsed yields no rows.
func ParseRows(tableHTML string) []Row {
	if strings.TrimSpace(tableHTML) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(tableHTML))
	if err != nil {
		return nil
	}
	var rows []Row
	doc.Find("tr").Each(func(i int, tr *goquery.Selection) {
		if !isDocumentRow(tr) {
			return
		}
		text := rowText(tr)
		rows = append(rows, Row{
			Index:          i + 1,
			Text:           text,
			DocumentNumber: documentNumber(tr, text),
		})
	})
	return rows
}

func isDocumentRow(tr *goquery.Selection) bool {
	if tr.Find("th").Length() > 0 || tr.ParentsFiltered("thead, tfoot").Length() > 0 {
		return false
	}
	if tr.Find(".pagination, .paginacao").Length() > 0 || tr.HasClass("pagination") {
		return false
	}
	text := rowText(tr)
	if len([]rune(text)) < minRowText {
		return false
	}
	if tr.Find(actionControl).Length() == 0 {
		return false
	}
	return !looksLikePagination(text)
}

// looksLikePagination reports rows made only of page numbers and navigation
// labels.
func looksLikePagination(text string) bool {
	for _, f := range strings.Fields(strings.ToLower(text)) {
		if !digitsOnly.MatchString(f) && !slices.Contains(paginationWords, f) {
			return false
		}
	}
	return true
}

// documentNumber prefers the first all-digit cell, then any number in text.
func documentNumber(tr *goquery.Selection, text string) string {
	var number string
	tr.Find("td").EachWithBreak(func(_ int, td *goquery.Selection) bool {
		cell := strings.TrimSpace(td.Text())
		if digitsOnly.MatchString(cell) {
			number = cell
			return false
		}
		return true
	})
	if number != "" {
		return number
	}
	if m := firstNumber.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// nextAvailable reports whether the pagination markup holds an enabled
// "next" link.
func nextAvailable(paginationHTML string) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(paginationHTML))
	if err != nil {
		return false, fmt.Errorf("parse pagination: %w", err)
	}
	found := false
	doc.Find("a, button").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !isNextLabel(s) {
			return true
		}
		if isDisabled(s) {
			return true
		}
		found = true
		return false
	})
	return found, nil
}

func isNextLabel(s *goquery.Selection) bool {
	label := strings.ToLower(normalizeSpace(s.Text()))
	if aria, ok := s.Attr("aria-label"); ok && label == "" {
		label = strings.ToLower(aria)
	}
	switch label {
	case "»", ">", "›", "próxima", "proxima", "próximo", "proximo", "next":
		return true
	}
	return strings.HasPrefix(label, "próxima") || strings.HasPrefix(label, "proxima")
}

func isDisabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if v, ok := s.Attr("aria-disabled"); ok && v == "true" {
		return true
	}
	return s.HasClass("disabled") || s.ParentsFiltered("li.disabled").Length() > 0
}

// rowText joins the cell texts with single spaces.
func rowText(tr *goquery.Selection) string {
	cells := tr.Find("td")
	if cells.Length() == 0 {
		return normalizeSpace(tr.Text())
	}
	parts := make([]string, 0, cells.Length())
	cells.Each(func(_ int, td *goquery.Selection) {
		if t := normalizeSpace(td.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
