package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource pages through fixed records, two per page.
type sliceSource struct {
	records []RawRecord
}

func (s *sliceSource) FetchPage(ctx context.Context, cursor string, pageSize int) (*Page, error) {
	offset := 0
	if cursor != "" {
		var err error
		offset, err = parseOffset(cursor)
		if err != nil {
			return nil, err
		}
	}
	if offset >= len(s.records) {
		return &Page{}, nil
	}
	end := offset + pageSize
	if end > len(s.records) {
		end = len(s.records)
	}
	page := &Page{Records: s.records[offset:end]}
	if end < len(s.records) {
		page.Next = formatOffset(end)
	}
	return page, nil
}

func datedRecord(date string) RawRecord {
	return RawRecord{Commodity: "Wheat", Market: "Azadpur", State: "Delhi", ArrivalDate: date}
}

func TestDateFilter_KeepsInRange(t *testing.T) {
	src := &sliceSource{records: []RawRecord{
		datedRecord("2024-01-01"),
		datedRecord("2024-01-15"),
		datedRecord("2024-02-01"),
	}}

	f := NewDateFilter(src,
		time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))

	page, err := f.FetchPage(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "2024-01-15", page.Records[0].ArrivalDate)
}

func TestDateFilter_OpenBounds(t *testing.T) {
	src := &sliceSource{records: []RawRecord{
		datedRecord("2024-01-01"),
		datedRecord("2024-02-01"),
	}}

	// Only a lower bound.
	f := NewDateFilter(src, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), time.Time{})
	page, err := f.FetchPage(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "2024-02-01", page.Records[0].ArrivalDate)
}

func TestDateFilter_SkipsFullyFilteredPages(t *testing.T) {
	src := &sliceSource{records: []RawRecord{
		datedRecord("2023-12-01"),
		datedRecord("2023-12-02"),
		datedRecord("2024-01-05"),
		datedRecord("2024-01-06"),
	}}

	f := NewDateFilter(src,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Time{})

	// First underlying page is entirely out of range; the filter advances
	// to the next page instead of returning an empty one.
	page, err := f.FetchPage(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "2024-01-05", page.Records[0].ArrivalDate)
}

func TestDateFilter_UnparseableDatePassesThrough(t *testing.T) {
	src := &sliceSource{records: []RawRecord{datedRecord("soon")}}

	f := NewDateFilter(src,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))

	page, err := f.FetchPage(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1, "normalizer owns rejection of bad dates")
}
