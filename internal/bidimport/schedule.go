// Package bidimport reads bid schedules (CSV or XLSX) and ingests each line
// item through the governance engine.
package bidimport

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidgov/internal/model"
)

// Column keys of a bid schedule.
const (
	ColItemNumber  = "item_number"
	ColDescription = "description"
	ColUnit        = "unit"
	ColQuantity    = "quantity"
)

// headerAliases maps normalized header text to a column key.
var headerAliases = map[string]string{
	"item_number":  ColItemNumber,
	"item":         ColItemNumber,
	"item_no":      ColItemNumber,
	"item_num":     ColItemNumber,
	"pay_item":     ColItemNumber,
	"description":  ColDescription,
	"desc":         ColDescription,
	"item_desc":    ColDescription,
	"unit":         ColUnit,
	"units":        ColUnit,
	"uom":          ColUnit,
	"quantity":     ColQuantity,
	"qty":          ColQuantity,
	"bid_quantity": ColQuantity,
	"bid_qty":      ColQuantity,
}

// Item is one parsed schedule row. Row is 1-based and counts the header.
type Item struct {
	Row   int                 `json:"row"`
	Input model.LineItemInput `json:"input"`
}

// RowError is a schedule row that could not be parsed.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// Schedule is a parsed bid schedule.
type Schedule struct {
	Items  []Item     `json:"items"`
	Errors []RowError `json:"errors,omitempty"`
}

// ReadFile parses a .csv or .xlsx schedule for projectID.
func ReadFile(ctx context.Context, path, projectID string) (*Schedule, error) {
	var rows [][]string
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, openErr := os.Open(path) //nolint:gosec // operator-supplied path
		if openErr != nil {
			return nil, eris.Wrap(openErr, "bidimport: open file")
		}
		defer f.Close() //nolint:errcheck
		rows, err = ReadCSV(ctx, f, CSVOptions{})
	case ".xlsx":
		rows, err = ReadXLSX(path, XLSXOptions{})
	default:
		return nil, eris.Errorf("bidimport: unsupported file type %q (want .csv or .xlsx)", filepath.Ext(path))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "bidimport: read %s", filepath.Base(path))
	}
	return Parse(rows, projectID)
}

// Parse maps raw rows to line item inputs. The first non-empty row is the
// header; header lookup is case-insensitive. Bad rows are collected in
// Schedule.Errors and do not stop the parse.
func Parse(rows [][]string, projectID string) (*Schedule, error) {
	headerIdx := -1
	for i, row := range rows {
		if !blank(row) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, eris.New("bidimport: schedule is empty")
	}

	cols := make(map[string]int)
	for i, h := range rows[headerIdx] {
		if key, ok := headerAliases[normalizeHeader(h)]; ok {
			if _, dup := cols[key]; !dup {
				cols[key] = i
			}
		}
	}
	for _, req := range []string{ColItemNumber, ColUnit, ColQuantity} {
		if _, ok := cols[req]; !ok {
			return nil, eris.Errorf("bidimport: missing required column %q", req)
		}
	}

	sched := &Schedule{}
	for i := headerIdx + 1; i < len(rows); i++ {
		row := rows[i]
		if blank(row) {
			continue
		}
		rowNum := i + 1

		in := model.LineItemInput{
			ProjectID:   projectID,
			ItemNumber:  cell(row, cols, ColItemNumber),
			Description: cell(row, cols, ColDescription),
			Unit:        cell(row, cols, ColUnit),
		}
		qty, err := parseQuantity(cell(row, cols, ColQuantity))
		if err != nil {
			sched.Errors = append(sched.Errors, RowError{Row: rowNum, Err: err.Error()})
			continue
		}
		in.BaseQuantity = qty
		if err := in.Validate(); err != nil {
			sched.Errors = append(sched.Errors, RowError{Row: rowNum, Err: err.Error()})
			continue
		}
		sched.Items = append(sched.Items, Item{Row: rowNum, Input: in})
	}
	return sched, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_", "#", "no").Replace(h)
}

func cell(row []string, cols map[string]int, key string) string {
	i, ok := cols[key]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseQuantity(s string) (float64, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if clean == "" {
		return 0, model.Errorf(model.ErrInvalidQuantity, "quantity is empty")
	}
	qty, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, model.Errorf(model.ErrInvalidQuantity, "quantity %q is not a number", s)
	}
	return qty, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
