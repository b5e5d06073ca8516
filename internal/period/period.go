// Package period splits search windows into calendar months and maps months to
// destination buckets on disk.
package period

import (
	"fmt"
	"path/filepath"
	"time"
)

// Period is one calendar-month-aligned slice of a search window. Start and End
// are inclusive and normalized to midnight UTC.
type Period struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
}

// Label renders the period as yyyy-mm.
func (p Period) Label() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Contains reports whether day falls within [Start, End].
func (p Period) Contains(day time.Time) bool {
	d := Day(day)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Split clips [start, end] to calendar-month boundaries. The first period begins
// at start, the last ends at end, and every day in between belongs to exactly
// one period.
func Split(start, end time.Time) ([]Period, error) {
	start, end = Day(start), Day(end)
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("start and end dates are required")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s is before start date %s",
			end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	var periods []Period
	for cur := start; !cur.After(end); {
		monthEnd := time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
		pEnd := monthEnd
		if end.Before(pEnd) {
			pEnd = end
		}
		periods = append(periods, Period{
			Year:  cur.Year(),
			Month: cur.Month(),
			Start: cur,
			End:   pEnd,
		})
		cur = pEnd.AddDate(0, 0, 1)
	}
	return periods, nil
}

// Bucket scopes one destination directory and one duplicate-detection universe.
type Bucket struct {
	CNPJ  string
	Year  int
	Month time.Month
}

// BucketOf returns the bucket of p for the given identity.
func (p Period) BucketOf(cnpj string) Bucket {
	return Bucket{CNPJ: cnpj, Year: p.Year, Month: p.Month}
}

// BucketAt returns the bucket holding documents issued on day.
func BucketAt(cnpj string, day time.Time) Bucket {
	return Bucket{CNPJ: cnpj, Year: day.Year(), Month: day.Month()}
}

// Dir is root/<yyyy>/<mm>/<cnpj>.
func (b Bucket) Dir(root string) string {
	return filepath.Join(root, fmt.Sprintf("%04d", b.Year), fmt.Sprintf("%02d", int(b.Month)), b.CNPJ)
}

func (b Bucket) String() string {
	return fmt.Sprintf("%s@%04d-%02d", b.CNPJ, b.Year, int(b.Month))
}
