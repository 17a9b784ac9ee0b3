package variance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bidgov/internal/model"
)

func ptr(f float64) *float64 { return &f }

func TestClassify_ReferenceHundred(t *testing.T) {
	t.Parallel()
	c := Default()

	tests := []struct {
		name      string
		governing float64
		wantDir   model.Direction
		wantSig   model.Significance
		wantPct   float64
	}{
		{name: "exact match", governing: 100, wantDir: model.DirectionMatch, wantSig: model.SignificanceMatch, wantPct: 0},
		{name: "minor over", governing: 103, wantDir: model.DirectionOver, wantSig: model.SignificanceMinor, wantPct: 3},
		{name: "moderate over", governing: 110, wantDir: model.DirectionOver, wantSig: model.SignificanceModerate, wantPct: 10},
		{name: "major over", governing: 120, wantDir: model.DirectionOver, wantSig: model.SignificanceMajor, wantPct: 20},
		{name: "critical over", governing: 135, wantDir: model.DirectionOver, wantSig: model.SignificanceCritical, wantPct: 35},
		{name: "moderate under", governing: 90, wantDir: model.DirectionUnder, wantSig: model.SignificanceModerate, wantPct: -10},
		{name: "major under at lower bound", governing: 85, wantDir: model.DirectionUnder, wantSig: model.SignificanceMajor, wantPct: -15},
		{name: "critical under", governing: 50, wantDir: model.DirectionUnder, wantSig: model.SignificanceCritical, wantPct: -50},
		{name: "within match band", governing: 101.5, wantDir: model.DirectionOver, wantSig: model.SignificanceMatch, wantPct: 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := c.Classify(tt.governing, ptr(100))
			require.NotNil(t, res.VariancePct)
			assert.InDelta(t, tt.wantPct, *res.VariancePct, 1e-9)
			assert.Equal(t, tt.wantDir, res.Direction)
			assert.Equal(t, tt.wantSig, res.Significance)
			assert.InDelta(t, 100, *res.ReferenceQuantity, 1e-9)
		})
	}
}

func TestClassify_InsufficientData(t *testing.T) {
	t.Parallel()
	c := Default()

	noRef := c.Classify(140, nil)
	assert.Nil(t, noRef.VariancePct)
	assert.Nil(t, noRef.ReferenceQuantity)
	assert.Equal(t, model.DirectionMatch, noRef.Direction)
	assert.Equal(t, model.SignificanceMatch, noRef.Significance)
	assert.False(t, noRef.HasData())

	zeroRef := c.Classify(140, ptr(0))
	assert.Nil(t, zeroRef.VariancePct)
	require.NotNil(t, zeroRef.ReferenceQuantity)
	assert.Zero(t, *zeroRef.ReferenceQuantity)
	assert.Equal(t, model.SignificanceMatch, zeroRef.Significance)
}

func TestThresholds_Tier(t *testing.T) {
	t.Parallel()
	th := DefaultThresholds()

	tests := []struct {
		pct  float64
		want model.Significance
	}{
		{0, model.SignificanceMatch},
		{1.99, model.SignificanceMatch},
		{2, model.SignificanceMinor},
		{4.99, model.SignificanceMinor},
		{5, model.SignificanceModerate},
		{14.99, model.SignificanceModerate},
		{15, model.SignificanceMajor},
		{29.99, model.SignificanceMajor},
		{30, model.SignificanceCritical},
		{250, model.SignificanceCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Tier(tt.pct), "Tier(%g)", tt.pct)
	}
}

func TestClassify_BoundaryVariances(t *testing.T) {
	t.Parallel()
	c := Default()

	assert.Equal(t, model.SignificanceMinor, c.Classify(102, ptr(100)).Significance)
	assert.Equal(t, model.SignificanceModerate, c.Classify(95, ptr(100)).Significance)
	assert.Equal(t, model.SignificanceMajor, c.Classify(115, ptr(100)).Significance)
	assert.Equal(t, model.SignificanceCritical, c.Classify(260, ptr(200)).Significance)
}

func TestNewClassifier_CustomThresholds(t *testing.T) {
	t.Parallel()

	c, err := NewClassifier(Thresholds{MinorPct: 1, ModeratePct: 3, MajorPct: 8, CriticalPct: 20})
	require.NoError(t, err)
	assert.Equal(t, model.SignificanceMajor, c.Classify(110, ptr(100)).Significance)
	assert.Equal(t, model.SignificanceCritical, c.Classify(125, ptr(100)).Significance)
	assert.InDelta(t, 8, c.Thresholds().MajorPct, 1e-9)
}

func TestNewClassifier_RejectsBadThresholds(t *testing.T) {
	t.Parallel()

	_, err := NewClassifier(Thresholds{MinorPct: 5, ModeratePct: 2, MajorPct: 15, CriticalPct: 30})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ascending")

	_, err = NewClassifier(Thresholds{MinorPct: -1, ModeratePct: 2, MajorPct: 15, CriticalPct: 30})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestSelectReference(t *testing.T) {
	t.Parallel()

	ebsx := model.QuantityRecord{ID: "e", Source: model.SourceEBSXImport, Quantity: 100}
	plan := model.QuantityRecord{ID: "p", Source: model.SourcePlanSummary, Quantity: 95}
	takeoff := model.QuantityRecord{ID: "t", Source: model.SourceContractorTakeoff, Quantity: 140, IsGoverning: true}

	assert.Equal(t, "p", SelectReference([]model.QuantityRecord{ebsx, plan, takeoff}).ID)
	assert.Equal(t, "e", SelectReference([]model.QuantityRecord{ebsx, takeoff}).ID)
	assert.Nil(t, SelectReference([]model.QuantityRecord{takeoff}))

	// Reference choice ignores which record governs.
	planGoverning := plan
	planGoverning.IsGoverning = true
	assert.Equal(t, "p", SelectReference([]model.QuantityRecord{ebsx, planGoverning}).ID)

	assert.True(t, FeedsReference(model.SourcePlanSummary))
	assert.True(t, FeedsReference(model.SourceEBSXImport))
	assert.False(t, FeedsReference(model.SourceAddendum))
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	c := Default()

	records := []model.QuantityRecord{
		{Source: model.SourceEBSXImport, Quantity: 100},
		{Source: model.SourcePlanSummary, Quantity: 100},
		{Source: model.SourceContractorTakeoff, Quantity: 140, IsGoverning: true},
	}
	res := c.Evaluate(records)
	require.NotNil(t, res)
	require.NotNil(t, res.VariancePct)
	assert.InDelta(t, 40, *res.VariancePct, 1e-9)
	assert.Equal(t, model.DirectionOver, res.Direction)
	assert.Equal(t, model.SignificanceCritical, res.Significance)
	assert.Equal(t, model.SourceContractorTakeoff, res.GoverningSource)
	assert.Equal(t, model.SourcePlanSummary, res.ReferenceSource)

	assert.Nil(t, c.Evaluate([]model.QuantityRecord{{Source: model.SourcePlanSummary, Quantity: 1}}))
}
