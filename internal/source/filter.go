package source

import (
	"context"
	"time"
)

// rawDateFormats lists the date layouts seen in raw feed and archive rows.
var rawDateFormats = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02-Jan-2006",
	time.RFC3339,
}

// DateFilter wraps a PageSource and drops records whose arrival date falls
// outside [From, To]. A zero bound is open. Records with unparseable dates
// pass through so the normalizer can reject and count them.
type DateFilter struct {
	src  PageSource
	from time.Time
	to   time.Time
}

// NewDateFilter restricts src to the given date range.
func NewDateFilter(src PageSource, from, to time.Time) *DateFilter {
	return &DateFilter{src: src, from: from, to: to}
}

func (f *DateFilter) FetchPage(ctx context.Context, cursor string, pageSize int) (*Page, error) {
	for {
		page, err := f.src.FetchPage(ctx, cursor, pageSize)
		if err != nil {
			return nil, err
		}

		kept := page.Records[:0:0]
		for _, r := range page.Records {
			if f.inRange(r.ArrivalDate) {
				kept = append(kept, r)
			}
		}

		// A page that filtered down to nothing is skipped, not returned,
		// so callers see empty pages only at end of feed.
		if len(kept) > 0 || page.Next == "" {
			return &Page{Records: kept, Next: page.Next}, nil
		}
		cursor = page.Next
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (f *DateFilter) inRange(arrivalDate string) bool {
	var day time.Time
	parsed := false
	for _, layout := range rawDateFormats {
		if t, err := time.Parse(layout, arrivalDate); err == nil {
			day = t
			parsed = true
			break
		}
	}
	if !parsed {
		return true
	}
	if !f.from.IsZero() && day.Before(f.from) {
		return false
	}
	if !f.to.IsZero() && day.After(f.to) {
		return false
	}
	return true
}
