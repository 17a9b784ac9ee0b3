package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bidgov/internal/model"
)

func withFormat(t *testing.T, f string) {
	t.Helper()
	prev := outputFormat
	outputFormat = f
	t.Cleanup(func() { outputFormat = prev })
}

func TestRender_Formats(t *testing.T) {
	pct := 12.5
	v := model.VarianceResult{
		GoverningQuantity: 112.5,
		GoverningSource:   model.SourceContractorTakeoff,
		VariancePct:       &pct,
		Direction:         model.DirectionOver,
		Significance:      model.SignificanceModerate,
	}

	var buf bytes.Buffer
	withFormat(t, formatYAML)
	require.NoError(t, render(&buf, v, func(io.Writer) { t.Fatal("table called") }))
	assert.Contains(t, buf.String(), "governing_source: CONTRACTOR_TAKEOFF")
	assert.Contains(t, buf.String(), "variance_pct: 12.5")

	buf.Reset()
	withFormat(t, formatJSON)
	require.NoError(t, render(&buf, v, func(io.Writer) { t.Fatal("table called") }))
	assert.Contains(t, buf.String(), `"significance": "MODERATE"`)

	buf.Reset()
	withFormat(t, formatTable)
	require.NoError(t, render(&buf, v, func(w io.Writer) { writeVariance(w, &v) }))
	assert.Contains(t, buf.String(), "+12.50%")

	withFormat(t, "xml")
	assert.Error(t, render(&buf, v, func(io.Writer) {}))
}

func TestWriteVariance_InsufficientData(t *testing.T) {
	var buf bytes.Buffer
	writeVariance(&buf, &model.VarianceResult{GoverningQuantity: 10, Direction: model.DirectionMatch, Significance: model.SignificanceMatch})
	assert.Contains(t, buf.String(), "n/a")
	assert.Contains(t, buf.String(), "insufficient data")

	buf.Reset()
	writeVariance(&buf, nil)
	assert.Contains(t, buf.String(), "none")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("1234567890abcdef"))
	assert.Equal(t, "short", truncateID("short"))
}
