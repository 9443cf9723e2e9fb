// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package provisioner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

type column struct {
	name     string
	dataType string
}

func (c column) numeric() bool {
	switch c.dataType {
	case "smallint", "integer", "bigint", "numeric", "decimal", "real", "double precision", "boolean":
		return true
	}
	return false
}

// frame is an ingested table: numeric feature columns plus an optional target.
type frame struct {
	features []string
	values   [][]float64
	// target holds one entry per row when a target column was asked for.
	target        []targetValue
	targetNumeric bool
}

type targetValue struct {
	num   float64
	label string
}

func parseLocator(locator string) (schema, table string, err error) {
	parts := strings.Split(strings.TrimSpace(locator), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &model.ValidationError{Param: "source", Value: locator, Reason: "expected schema.table"}
	}
	return parts[0], parts[1], nil
}

func loadColumns(ctx context.Context, db store.DBTX, schema, table string) ([]column, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.name, &c.dataType); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, &model.ValidationError{Param: "source", Value: schema + "." + table, Reason: "table not found"}
	}
	return cols, nil
}

// loadTable reads up to limit rows of the numeric columns and the target.
func loadTable(ctx context.Context, db store.DBTX, locator, target string, limit int) (*frame, error) {
	schema, table, err := parseLocator(locator)
	if err != nil {
		return nil, err
	}
	all, err := loadColumns(ctx, db, schema, table)
	if err != nil {
		return nil, err
	}

	var (
		cols      []column
		hasTarget bool
	)
	for _, c := range all {
		if c.name == target {
			hasTarget = true
			continue
		}
		if c.numeric() {
			cols = append(cols, c)
		}
	}
	if target != "" {
		if !hasTarget {
			return nil, &model.ValidationError{Param: "target", Value: target, Reason: "column not found in " + locator}
		}
		cols = append(cols, column{name: target, dataType: "target"})
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c.name)
	}
	if len(quoted) == 0 {
		return nil, fmt.Errorf("%s has no numeric columns: %w", locator, model.ErrNotEnoughVariables)
	}
	query := fmt.Sprintf("SELECT %s FROM %s.%s LIMIT $1",
		strings.Join(quoted, ", "), pq.QuoteIdentifier(schema), pq.QuoteIdentifier(table))
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", locator, err)
	}
	defer rows.Close()

	var raw [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		raw = append(raw, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return prepareFrame(cols, raw, target != "")
}

// prepareFrame converts raw rows into a frame. Rows with a null in any used
// column are dropped; booleans become 0/1. The last column is the target when
// withTarget is set.
func prepareFrame(cols []column, raw [][]any, withTarget bool) (*frame, error) {
	nFeatures := len(cols)
	if withTarget {
		nFeatures--
	}
	f := &frame{targetNumeric: true}
	for _, c := range cols[:nFeatures] {
		f.features = append(f.features, c.name)
	}

rows:
	for _, row := range raw {
		values := make([]float64, nFeatures)
		for i := 0; i < nFeatures; i++ {
			v, ok, err := toFloat(row[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", cols[i].name, err)
			}
			if !ok {
				continue rows
			}
			values[i] = v
		}
		if withTarget {
			tv := row[nFeatures]
			if tv == nil {
				continue
			}
			var t targetValue
			if v, ok, err := toFloat(tv); err == nil && ok {
				t.num = v
				t.label = strconv.FormatFloat(v, 'g', -1, 64)
			} else {
				f.targetNumeric = false
				t.label = toString(tv)
			}
			f.target = append(f.target, t)
		}
		f.values = append(f.values, values)
	}
	return f, nil
}

// toFloat reports ok=false for SQL NULL.
func toFloat(v any) (float64, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return x, true, nil
	case float32:
		return float64(x), true, nil
	case int64:
		return float64(x), true, nil
	case int:
		return float64(x), true, nil
	case bool:
		if x {
			return 1, true, nil
		}
		return 0, true, nil
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil, err
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil, err
	}
	return 0, false, fmt.Errorf("unsupported value type %T", v)
}

func toString(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

// predictionClasses returns the distinct target labels, in first-seen order, when
// the target is categorical or a 0/1 numeric column. Continuous targets get none.
func (f *frame) predictionClasses() []string {
	if len(f.target) == 0 {
		return nil
	}
	if f.targetNumeric {
		for _, t := range f.target {
			if t.num != 0 && t.num != 1 {
				return nil
			}
		}
	}
	seen := map[string]bool{}
	var classes []string
	for _, t := range f.target {
		if !seen[t.label] {
			seen[t.label] = true
			classes = append(classes, t.label)
		}
	}
	return classes
}
