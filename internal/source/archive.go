package source

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Archive is a PageSource over a local CSV or XLSX price dump, used for
// historical backfills. All records are loaded up front; FetchPage slices
// them so the backfill flows through the same pipeline as the API source.
type Archive struct {
	records []RawRecord
}

// OpenArchive loads an archive file, dispatching on the file extension.
func OpenArchive(path string) (*Archive, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return openCSV(path)
	case ".xlsx":
		return openXLSX(path)
	default:
		return nil, eris.Errorf("source: unsupported archive format %q", filepath.Ext(path))
	}
}

// Len returns the number of records in the archive.
func (a *Archive) Len() int {
	return len(a.records)
}

// FetchPage returns the page of records at the given cursor.
func (a *Archive) FetchPage(ctx context.Context, cursor string, pageSize int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "source: archive page")
	}

	offset := 0
	if cursor != "" {
		n, err := parseOffset(cursor)
		if err != nil {
			return nil, err
		}
		offset = n
	}
	if offset >= len(a.records) {
		return &Page{}, nil
	}

	end := offset + pageSize
	if end > len(a.records) {
		end = len(a.records)
	}

	page := &Page{Records: a.records[offset:end]}
	if end < len(a.records) {
		page.Next = formatOffset(end)
	}
	return page, nil
}

func openCSV(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open archive %s", path)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // allow variable fields

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "source: read archive %s", path)
	}
	return archiveFromRows(rows)
}

func openXLSX(path string) (*Archive, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open archive %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("source: archive %s has no sheets", path)
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return archiveFromRows(rows)
}

// archiveFromRows maps a header row plus data rows into raw records. Header
// names are matched case-insensitively with a few upstream aliases.
func archiveFromRows(rows [][]string) (*Archive, error) {
	if len(rows) == 0 {
		return nil, eris.New("source: archive is empty")
	}

	idx := headerIndex(rows[0])
	if _, ok := idx["commodity"]; !ok {
		return nil, eris.New("source: archive missing commodity column")
	}

	a := &Archive{records: make([]RawRecord, 0, len(rows)-1)}
	for _, row := range rows[1:] {
		cell := func(name string) string {
			i, ok := idx[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		a.records = append(a.records, RawRecord{
			State:       cell("state"),
			District:    cell("district"),
			Market:      cell("market"),
			Commodity:   cell("commodity"),
			Variety:     cell("variety"),
			ArrivalDate: cell("arrival_date"),
			MinPrice:    cell("min_price"),
			MaxPrice:    cell("max_price"),
			ModalPrice:  cell("modal_price"),
			Unit:        cell("unit"),
			RecordID:    cell("record_id"),
		})
	}
	return a, nil
}

// headerAliases maps source column spellings to canonical names.
var headerAliases = map[string]string{
	"crop":        "commodity",
	"price_date":  "arrival_date",
	"date":        "arrival_date",
	"min":         "min_price",
	"max":         "max_price",
	"modal":       "modal_price",
	"modal_price": "modal_price",
	"id":          "record_id",
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		name = strings.ReplaceAll(name, " ", "_")
		if canonical, ok := headerAliases[name]; ok {
			name = canonical
		}
		if _, exists := idx[name]; !exists {
			idx[name] = i
		}
	}
	return idx
}
