package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/bidgov/internal/model"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// render writes v in the selected format. table draws the human view.
func render(w io.Writer, v any, table func(w io.Writer)) error {
	switch outputFormat {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		// Go through JSON so YAML keys match the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "encode output")
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return eris.Wrap(err, "encode output")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return eris.Wrap(err, "encode output")
		}
		return enc.Close()
	case formatTable, "":
		table(w)
		return nil
	default:
		return eris.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
	}
}

// warnRecalc tells the operator a committed change did not reach pricing.
func warnRecalc(o model.RecalcOutcome) {
	if !o.Failed() {
		return
	}
	msg := "warning: pricing recalculation failed: " + o.Error
	if o.Queued {
		msg += " (queued for retry, run `bidgov recalc drain`)"
	}
	fmt.Fprintln(os.Stderr, msg)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatPct(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", *p)
}

func formatQty(q *float64) string {
	if q == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *q)
}

func writeVariance(w io.Writer, v *model.VarianceResult) {
	tw := newTable(w)
	if v == nil {
		_, _ = fmt.Fprintln(tw, "Variance:\tnone")
		_ = tw.Flush()
		return
	}
	_, _ = fmt.Fprintf(tw, "Governing:\t%g (%s)\n", v.GoverningQuantity, v.GoverningSource)
	_, _ = fmt.Fprintf(tw, "Reference:\t%s (%s)\n", formatQty(v.ReferenceQuantity), v.ReferenceSource)
	_, _ = fmt.Fprintf(tw, "Variance:\t%s\n", formatPct(v.VariancePct))
	_, _ = fmt.Fprintf(tw, "Direction:\t%s\n", v.Direction)
	_, _ = fmt.Fprintf(tw, "Significance:\t%s\n", v.Significance)
	if !v.HasData() {
		_, _ = fmt.Fprintln(tw, "Note:\tinsufficient data (no usable reference quantity)")
	}
	_ = tw.Flush()
}

func writeRecords(w io.Writer, records []model.QuantityRecord) {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "ID\tSOURCE\tQUANTITY\tUNIT\tGOVERNING\tENTERED_BY\tENTERED")
	_, _ = fmt.Fprintln(tw, "--\t------\t--------\t----\t---------\t----------\t-------")
	for _, r := range records {
		gov := ""
		if r.IsGoverning {
			gov = "*"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%g\t%s\t%s\t%s\t%s\n",
			r.ID, r.Source, r.Quantity, r.Unit, gov, r.EnteredBy,
			r.EnteredAt.Format("2006-01-02 15:04"),
		)
	}
	_ = tw.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
