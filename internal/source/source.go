// Package source provides paginated access to upstream mandi price records,
// from the reporting API or from local archive files.
package source

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
)

// RawRecord is one price row as reported upstream, before normalization.
// Numeric fields arrive as strings; the normalizer owns parsing them.
type RawRecord struct {
	State       string `json:"state"`
	District    string `json:"district"`
	Market      string `json:"market"`
	Commodity   string `json:"commodity"`
	Variety     string `json:"variety"`
	ArrivalDate string `json:"arrival_date"`
	MinPrice    string `json:"min_price"`
	MaxPrice    string `json:"max_price"`
	ModalPrice  string `json:"modal_price"`
	Unit        string `json:"unit"`
	RecordID    string `json:"record_id"`
}

// Page is one page of raw records. Next is the cursor for the following
// page, empty when this is the last page.
type Page struct {
	Records []RawRecord
	Next    string
}

// PageSource streams raw records page by page.
type PageSource interface {
	FetchPage(ctx context.Context, cursor string, pageSize int) (*Page, error)
}

func parseOffset(cursor string) (int, error) {
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, eris.Errorf("source: invalid cursor %q", cursor)
	}
	return n, nil
}

func formatOffset(n int) string {
	return strconv.Itoa(n)
}
