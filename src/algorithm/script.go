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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

// ErrSandboxDisabled is returned by script units when no Runner is configured.
var ErrSandboxDisabled = errors.New("script sandbox is disabled")

// Runner executes an algorithm script against a JSON payload and returns its stdout.
type Runner interface {
	Run(ctx context.Context, code string, payload []byte) (string, error)
}

// ScriptsFromDir loads <dir>/<name>.py.
func ScriptsFromDir(dir string) func(string) (string, error) {
	return func(name string) (string, error) {
		b, err := os.ReadFile(filepath.Join(dir, name+".py"))
		if err != nil {
			return "", fmt.Errorf("load script %s: %w", name, err)
		}
		return string(b), nil
	}
}

// Script is a unit computed by an external script in the sandbox. Parameters
// are checked here so a bad task fails before a container is touched.
type Script struct {
	Deps
	Name string
	// Supervised scripts get the target labels in their payload.
	Supervised bool
	// Validate returns the normalized parameters sent to the script.
	Validate func(model.Parameters) (model.Parameters, error)
}

type scriptPayload struct {
	Algorithm  string           `json:"algorithm"`
	Parameters model.Parameters `json:"parameters"`
	Data       any              `json:"data"`
}

func (u *Script) Execute(ctx context.Context, db store.DBTX, task model.CreateModelTask) (int64, error) {
	p, err := task.Params()
	if err != nil {
		return 0, err
	}
	if u.Validate != nil {
		if p, err = u.Validate(p); err != nil {
			return 0, err
		}
	}
	if u.Runner == nil {
		return 0, fmt.Errorf("%s: %w", u.Name, ErrSandboxDisabled)
	}

	var data any
	if u.Supervised {
		data, err = u.Data.Supervised(ctx, db, task.SourceID)
	} else {
		data, err = u.Data.Numeric(ctx, db, task.SourceID)
	}
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(scriptPayload{Algorithm: u.Name, Parameters: p, Data: data})
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", u.Name, err)
	}
	code, err := u.Scripts(u.Name)
	if err != nil {
		return 0, err
	}

	out, err := u.Runner.Run(ctx, code, payload)
	if err != nil {
		return 0, fmt.Errorf("run %s script: %w", u.Name, err)
	}
	output := json.RawMessage(bytes.TrimSpace([]byte(out)))
	if !json.Valid(output) {
		return 0, fmt.Errorf("%s script returned invalid JSON: %.200s", u.Name, out)
	}

	id, err := u.Results.CreateModel(ctx, db, task.SourceID, task.Algorithm, task.Parameters)
	if err != nil {
		return 0, err
	}
	if err := u.Results.SaveScriptOutput(ctx, db, id, output); err != nil {
		return 0, err
	}
	return id, nil
}

// Delete needs no sandbox.
func (u *Script) Delete(ctx context.Context, db store.DBTX, modelID int64) error {
	return u.Results.DeleteModel(ctx, db, modelID, "grafana_ml_model_script_output")
}

func ValidateKMedoids(p model.Parameters) (model.Parameters, error) {
	k, err := intParam(p, "n_clusters", 3, 2)
	if err != nil {
		return nil, err
	}
	metric, err := stringParam(p, "metric", "euclidean", "euclidean", "manhattan", "cosine")
	if err != nil {
		return nil, err
	}
	method, err := stringParam(p, "method", "alternate", "alternate", "pam")
	if err != nil {
		return nil, err
	}
	seeding, err := stringParam(p, "init", "k-medoids++", "random", "heuristic", "k-medoids++", "build")
	if err != nil {
		return nil, err
	}
	maxIter, err := intParam(p, "max_iter", 300, 1)
	if err != nil {
		return nil, err
	}
	return model.Parameters{"n_clusters": k, "metric": metric, "method": method, "init": seeding, "max_iter": maxIter}, nil
}

func ValidateHierarchical(p model.Parameters) (model.Parameters, error) {
	k, err := intParam(p, "n_clusters", 2, 2)
	if err != nil {
		return nil, err
	}
	metric, err := stringParam(p, "metric", "euclidean", "euclidean", "manhattan", "cosine", "l1", "l2")
	if err != nil {
		return nil, err
	}
	name := "method"
	if _, ok := p[name]; !ok {
		name = "linkage"
	}
	method, err := stringParam(p, name, "ward", "ward", "complete", "average", "single")
	if err != nil {
		return nil, err
	}
	if method == "ward" && metric != "euclidean" {
		return nil, invalid("metric", metric, "ward linkage requires the euclidean metric")
	}
	return model.Parameters{"n_clusters": k, "metric": metric, "method": method}, nil
}

func ValidateLogistic(p model.Parameters) (model.Parameters, error) {
	maxIter, err := intParam(p, "max_iter", 100, 1)
	if err != nil {
		return nil, err
	}
	c, err := positiveParam(p, "C", 1)
	if err != nil {
		return nil, err
	}
	return model.Parameters{"max_iter": maxIter, "C": c}, nil
}

func ValidateAssociationRules(p model.Parameters) (model.Parameters, error) {
	support, err := openUnitParam(p, "min_support", 0.5)
	if err != nil {
		return nil, err
	}
	confidence, err := openUnitParam(p, "min_confidence", 0.7)
	if err != nil {
		return nil, err
	}
	return model.Parameters{"min_support": support, "min_confidence": confidence}, nil
}

func ValidateDecisionTree(p model.Parameters) (model.Parameters, error) {
	out := model.Parameters{}
	if _, ok := p["max_depth"]; ok {
		depth, err := intParam(p, "max_depth", 0, 1)
		if err != nil {
			return nil, err
		}
		out["max_depth"] = depth
	}
	if w, ok := p["class_weight"]; ok && w != nil {
		if err := checkClassWeight(w); err != nil {
			return nil, err
		}
		out["class_weight"] = w
	}
	criterion, err := stringParam(p, "criterion", "gini", "gini", "entropy", "log_loss")
	if err != nil {
		return nil, err
	}
	out["criterion"] = criterion
	return out, nil
}

// checkClassWeight accepts "balanced", a {class: weight} object or a list of them.
func checkClassWeight(w any) error {
	switch v := w.(type) {
	case string:
		if v == "balanced" {
			return nil
		}
	case map[string]any:
		return checkWeights(v)
	case []any:
		if len(v) == 0 {
			break
		}
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return invalid("class_weight", w, "list items must be objects of class weights")
			}
			if err := checkWeights(m); err != nil {
				return err
			}
		}
		return nil
	}
	return invalid("class_weight", w, `must be "balanced", an object of class weights or a list of them`)
}

func checkWeights(m map[string]any) error {
	for class, v := range m {
		if f, ok := number(v); !ok || f < 0 {
			return invalid("class_weight", v, "weight of class %q must be a non-negative number", class)
		}
	}
	return nil
}
