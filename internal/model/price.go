package model

import (
	"fmt"
	"time"
)

// DefaultVariety is used when the upstream source omits the variety field.
const DefaultVariety = "All"

// DefaultUnit is the reporting unit assumed when the source omits it.
const DefaultUnit = "Quintal"

// NaturalKey uniquely identifies a price record. Two records with the same
// key refer to the same (crop, variety, market, day) observation and the
// later write wins.
type NaturalKey struct {
	Crop      string
	Variety   string
	Market    string
	PriceDate time.Time
}

// String returns a stable textual form of the key, used for logging and
// in-memory dedup.
func (k NaturalKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Crop, k.Variety, k.Market, k.PriceDate.Format("2006-01-02"))
}

// PriceRecord is the canonical unit of ingested data. All string fields are
// already trimmed and canonically cased by the normalizer; PriceDate is at
// day granularity in UTC.
type PriceRecord struct {
	Crop       string    `json:"crop"`
	Variety    string    `json:"variety"`
	Market     string    `json:"market"`
	State      string    `json:"state"`
	PriceDate  time.Time `json:"price_date"`
	MinPrice   float64   `json:"min_price"`
	MaxPrice   float64   `json:"max_price"`
	ModalPrice float64   `json:"modal_price"`
	Unit       string    `json:"unit"`
	SourceRef  string    `json:"source_ref,omitempty"`
}

// Key returns the natural key of the record.
func (p PriceRecord) Key() NaturalKey {
	return NaturalKey{
		Crop:      p.Crop,
		Variety:   p.Variety,
		Market:    p.Market,
		PriceDate: p.PriceDate,
	}
}

// Day truncates t to UTC midnight. Price dates are stored at day granularity.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
