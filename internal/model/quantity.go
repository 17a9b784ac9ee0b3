package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// QuantitySource identifies where a quantity observation came from.
type QuantitySource string

const (
	SourceEBSXImport        QuantitySource = "EBSX_IMPORT"
	SourcePlanSummary       QuantitySource = "PLAN_SUMMARY"
	SourceContractorTakeoff QuantitySource = "CONTRACTOR_TAKEOFF"
	SourceSpecialProvision  QuantitySource = "SPECIAL_PROVISION"
	SourceAddendum          QuantitySource = "ADDENDUM"
)

// QuantitySources lists every known source. The order is display order only
// and carries no governance meaning.
var QuantitySources = []QuantitySource{
	SourceEBSXImport,
	SourcePlanSummary,
	SourceContractorTakeoff,
	SourceSpecialProvision,
	SourceAddendum,
}

// ParseQuantitySource accepts the canonical name in any case, with dashes or
// underscores (e.g. "contractor-takeoff").
func ParseQuantitySource(s string) (QuantitySource, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for _, src := range QuantitySources {
		if string(src) == norm {
			return src, nil
		}
	}
	return "", wrapKind(ErrInvalidSource, "unknown quantity source %q", s)
}

// Immutable reports whether records from this source may only be written by
// the bid import path.
func (s QuantitySource) Immutable() bool {
	return s == SourceEBSXImport
}

// QuantityRecord is one source's observation of a line item's quantity.
type QuantityRecord struct {
	ID              string         `json:"id"`
	LineItemID      string         `json:"line_item_id"`
	Source          QuantitySource `json:"source"`
	Quantity        float64        `json:"quantity"`
	Unit            string         `json:"unit"`
	SourceReference string         `json:"source_reference,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	IsGoverning     bool           `json:"is_governing"`
	Confidence      *int           `json:"confidence,omitempty"`
	EnteredBy       string         `json:"entered_by,omitempty"`
	EnteredAt       time.Time      `json:"entered_at"`
}

// RecordInput carries the caller-supplied fields of AddOrUpdateRecord.
type RecordInput struct {
	Source          QuantitySource `json:"source"`
	Quantity        float64        `json:"quantity"`
	Unit            string         `json:"unit"`
	SourceReference string         `json:"source_reference,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	Confidence      *int           `json:"confidence,omitempty"`
	EnteredBy       string         `json:"entered_by,omitempty"`
}

// Validate checks the fields that do not depend on the line item.
func (in RecordInput) Validate() error {
	if _, err := ParseQuantitySource(string(in.Source)); err != nil {
		return err
	}
	if in.Quantity < 0 {
		return wrapKind(ErrInvalidQuantity, "quantity %g is negative", in.Quantity)
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 100) {
		return wrapKind(ErrInvalidConfidence, "record confidence %d outside 0-100", *in.Confidence)
	}
	return nil
}

var unitCaser = cases.Upper(language.Und)

// NormalizeUnit canonicalizes a unit code for comparison ("sy " -> "SY").
func NormalizeUnit(unit string) string {
	return unitCaser.String(strings.Join(strings.Fields(unit), " "))
}

// SameUnit reports whether two unit codes name the same unit.
func SameUnit(a, b string) bool {
	return NormalizeUnit(a) == NormalizeUnit(b)
}

// FindBySource returns the record for src, or nil.
func FindBySource(records []QuantityRecord, src QuantitySource) *QuantityRecord {
	for i := range records {
		if records[i].Source == src {
			return &records[i]
		}
	}
	return nil
}

// FindByID returns the record with the given ID, or nil.
func FindByID(records []QuantityRecord, id string) *QuantityRecord {
	for i := range records {
		if records[i].ID == id {
			return &records[i]
		}
	}
	return nil
}

// Governing returns the governing record, or nil when none is marked.
func Governing(records []QuantityRecord) *QuantityRecord {
	for i := range records {
		if records[i].IsGoverning {
			return &records[i]
		}
	}
	return nil
}

// CountGoverning returns how many records are marked governing.
func CountGoverning(records []QuantityRecord) int {
	n := 0
	for _, r := range records {
		if r.IsGoverning {
			n++
		}
	}
	return n
}
