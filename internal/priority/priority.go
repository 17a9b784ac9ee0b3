// Package priority derives the reviewer worklist: line items whose variance
// warrants an unbalancing decision that has not been made yet.
package priority

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/store"
	"github.com/sells-group/bidgov/internal/strategy"
)

// Item is one row of the worklist.
type Item struct {
	LineItemID        string               `json:"line_item_id"`
	ProjectID         string               `json:"project_id"`
	ItemNumber        string               `json:"item_number"`
	Description       string               `json:"description,omitempty"`
	Unit              string               `json:"unit"`
	Significance      model.Significance   `json:"significance"`
	Direction         model.Direction      `json:"direction"`
	VariancePct       float64              `json:"variance_pct"`
	GoverningSource   model.QuantitySource `json:"governing_source"`
	GoverningQuantity float64              `json:"governing_quantity"`
	ReferenceQuantity *float64             `json:"reference_quantity"`
	Recommendation    model.Recommendation `json:"recommendation"`
}

// Actionable filters items to MAJOR or CRITICAL variance that are not yet
// unbalanced, most severe first: by tier, then by |variance %|, then by item
// number.
func Actionable(items []model.LineItem) []Item {
	out := make([]Item, 0)
	for i := range items {
		it := &items[i]
		v := it.Variance
		if v == nil || !v.HasData() || !v.Significance.Actionable() || it.Unbalance.IsUnbalanced {
			continue
		}
		out = append(out, Item{
			LineItemID:        it.ID,
			ProjectID:         it.ProjectID,
			ItemNumber:        it.ItemNumber,
			Description:       it.Description,
			Unit:              it.Unit,
			Significance:      v.Significance,
			Direction:         v.Direction,
			VariancePct:       *v.VariancePct,
			GoverningSource:   v.GoverningSource,
			GoverningQuantity: v.GoverningQuantity,
			ReferenceQuantity: v.ReferenceQuantity,
			Recommendation:    strategy.Recommend(*v),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Significance.Rank(), b.Significance.Rank(); ra != rb {
			return ra > rb
		}
		if pa, pb := abs(a.VariancePct), abs(b.VariancePct); pa != pb {
			return pa > pb
		}
		if a.ItemNumber != b.ItemNumber {
			return a.ItemNumber < b.ItemNumber
		}
		return a.LineItemID < b.LineItemID
	})
	return out
}

// Lister is the store surface the view reads.
type Lister interface {
	ListLineItems(ctx context.Context, filter store.LineItemFilter) ([]model.LineItem, error)
}

// View computes the worklist on demand. It owns no state.
type View struct {
	store    Lister
	pageSize int
}

// NewView creates a View over st.
func NewView(st Lister) *View {
	return &View{store: st, pageSize: 500}
}

// ListActionableItems returns the ordered worklist of a project.
func (v *View) ListActionableItems(ctx context.Context, projectID string) ([]Item, error) {
	var all []model.LineItem
	for offset := 0; ; offset += v.pageSize {
		page, err := v.store.ListLineItems(ctx, store.LineItemFilter{
			ProjectID: projectID,
			Limit:     v.pageSize,
			Offset:    offset,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "priority: list line items for %s", projectID)
		}
		all = append(all, page...)
		if len(page) < v.pageSize {
			break
		}
	}
	return Actionable(all), nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
