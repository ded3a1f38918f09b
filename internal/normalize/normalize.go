// Package normalize maps raw upstream price rows into canonical price
// records, rejecting malformed rows instead of failing the batch.
package normalize

import (
	_ "embed"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/agridata/mandisync/internal/model"
	"github.com/agridata/mandisync/internal/source"
)

// Reason classifies why a raw record was rejected.
type Reason string

const (
	ReasonMissingCrop   Reason = "missing_crop"
	ReasonMissingMarket Reason = "missing_market"
	ReasonMissingState  Reason = "missing_state"
	ReasonMissingDate   Reason = "missing_price_date"
	ReasonBadDate       Reason = "bad_price_date"
	ReasonBadPrice      Reason = "bad_price"
	ReasonNegativePrice Reason = "negative_price"
)

// Rejection describes a record that could not be normalized. Rejections are
// counted and logged; they never abort a batch.
type Rejection struct {
	Reason Reason `json:"reason"`
	Field  string `json:"field"`
	Detail string `json:"detail,omitempty"`
}

//go:embed states.yaml
var statesYAML []byte

// acceptedDateFormats lists the date layouts observed across source feeds
// and archive dumps.
var acceptedDateFormats = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02-Jan-2006",
	time.RFC3339,
}

// Normalizer converts raw records to canonical PriceRecords. It is
// deterministic: the same raw input always yields the same canonical key.
type Normalizer struct {
	caser        cases.Caser
	stateAliases map[string]string
}

// New creates a Normalizer with the packaged state-alias table.
func New() *Normalizer {
	var table struct {
		Aliases map[string]string `yaml:"aliases"`
	}
	// The table is embedded and validated by tests; a decode failure here
	// would only disable aliasing, not normalization.
	_ = yaml.Unmarshal(statesYAML, &table)

	return &Normalizer{
		caser:        cases.Title(language.English),
		stateAliases: table.Aliases,
	}
}

// Normalize validates and canonicalizes one raw record. Exactly one of the
// returned values is non-nil.
func (n *Normalizer) Normalize(raw source.RawRecord) (*model.PriceRecord, *Rejection) {
	crop := n.canonical(raw.Commodity)
	if crop == "" {
		return nil, &Rejection{Reason: ReasonMissingCrop, Field: "commodity"}
	}

	market := n.canonical(raw.Market)
	if market == "" {
		return nil, &Rejection{Reason: ReasonMissingMarket, Field: "market"}
	}

	state := n.canonicalState(raw.State)
	if state == "" {
		return nil, &Rejection{Reason: ReasonMissingState, Field: "state"}
	}

	dateStr := strings.TrimSpace(raw.ArrivalDate)
	if dateStr == "" {
		return nil, &Rejection{Reason: ReasonMissingDate, Field: "arrival_date"}
	}
	priceDate, ok := parseDate(dateStr)
	if !ok {
		return nil, &Rejection{Reason: ReasonBadDate, Field: "arrival_date", Detail: dateStr}
	}

	modal, rej := parsePrice(raw.ModalPrice, "modal_price", true)
	if rej != nil {
		return nil, rej
	}

	// Min/max default to the modal price when the source omits them.
	minPrice, rej := parsePriceOr(raw.MinPrice, "min_price", modal)
	if rej != nil {
		return nil, rej
	}
	maxPrice, rej := parsePriceOr(raw.MaxPrice, "max_price", modal)
	if rej != nil {
		return nil, rej
	}

	variety := n.canonical(raw.Variety)
	if variety == "" {
		variety = model.DefaultVariety
	}

	unit := n.canonical(raw.Unit)
	if unit == "" {
		unit = model.DefaultUnit
	}

	return &model.PriceRecord{
		Crop:       crop,
		Variety:    variety,
		Market:     market,
		State:      state,
		PriceDate:  priceDate,
		MinPrice:   minPrice,
		MaxPrice:   maxPrice,
		ModalPrice: modal,
		Unit:       unit,
		SourceRef:  strings.TrimSpace(raw.RecordID),
	}, nil
}

// canonical trims and title-cases a source string so key matching is stable
// across source formatting variance ("WHEAT" and "wheat" both become "Wheat").
func (n *Normalizer) canonical(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return n.caser.String(strings.ToLower(s))
}

func (n *Normalizer) canonicalState(s string) string {
	key := strings.ToLower(strings.Join(strings.Fields(s), " "))
	if key == "" {
		return ""
	}
	if canonical, ok := n.stateAliases[key]; ok {
		return canonical
	}
	return n.caser.String(key)
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range acceptedDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return model.Day(t), true
		}
	}
	return time.Time{}, false
}

// parsePrice parses a non-negative decimal price. Thousands separators are
// tolerated. When required is false the caller handles the empty case.
func parsePrice(s, field string, required bool) (float64, *Rejection) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" || strings.EqualFold(s, "NR") {
		if required {
			return 0, &Rejection{Reason: ReasonBadPrice, Field: field, Detail: "missing"}
		}
		return 0, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &Rejection{Reason: ReasonBadPrice, Field: field, Detail: s}
	}
	if v < 0 {
		return 0, &Rejection{Reason: ReasonNegativePrice, Field: field, Detail: s}
	}
	return v, nil
}

func parsePriceOr(s, field string, fallback float64) (float64, *Rejection) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if trimmed == "" || strings.EqualFold(trimmed, "NR") {
		return fallback, nil
	}
	return parsePrice(s, field, false)
}
