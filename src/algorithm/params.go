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

package algorithm

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"grafanamlworker/src/model"
)

func invalid(param string, value any, format string, args ...any) error {
	return &model.ValidationError{Param: param, Value: value, Reason: fmt.Sprintf(format, args...)}
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// intParam returns p[name] as an int of at least min, or def when absent.
func intParam(p model.Parameters, name string, def, min int) (int, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := number(v)
	if !ok || f != math.Trunc(f) {
		return 0, invalid(name, v, "must be an integer")
	}
	if int(f) < min {
		return 0, invalid(name, v, "must be at least %d", min)
	}
	return int(f), nil
}

// openUnitParam returns p[name] as a number strictly between 0 and 1.
func openUnitParam(p model.Parameters, name string, def float64) (float64, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := number(v)
	if !ok {
		return 0, invalid(name, v, "must be a number")
	}
	if f <= 0 || f >= 1 {
		return 0, invalid(name, v, "must be between 0 and 1, exclusive")
	}
	return f, nil
}

func positiveParam(p model.Parameters, name string, def float64) (float64, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := number(v)
	if !ok || f <= 0 {
		return 0, invalid(name, v, "must be a positive number")
	}
	return f, nil
}

func stringParam(p model.Parameters, name, def string, allowed ...string) (string, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(name, v, "must be a string")
	}
	s = strings.ToLower(s)
	if len(allowed) > 0 && !slices.Contains(allowed, s) {
		return "", invalid(name, v, "must be one of %s", strings.Join(allowed, ", "))
	}
	return s, nil
}
