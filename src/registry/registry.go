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

package registry

import (
	"sort"

	"grafanamlworker/src/algorithm"
	"grafanamlworker/src/model"
)

// Algorithm names as stored in task and model rows.
const (
	KMeans           = "a_kmedias"
	KMedoids         = "a_kmedoides"
	Hierarchical     = "a_jerarquico"
	Pearson          = "c_pearson"
	Spearman         = "c_spearman"
	LinearRegression = "r_lineal"
	LogisticRegr     = "r_logistica"
	AssociationRules = "reglas_asociacion"
	DecisionTree     = "arbol_decision"
)

// Registry maps algorithm names to units. It is built once and never changes.
type Registry struct {
	units map[string]algorithm.Unit
}

func New(deps algorithm.Deps) *Registry {
	return NewWith(map[string]algorithm.Unit{
		KMeans:           &algorithm.KMeans{Deps: deps},
		Pearson:          &algorithm.Correlation{Deps: deps},
		Spearman:         &algorithm.Correlation{Deps: deps, Rank: true},
		LinearRegression: &algorithm.LinearRegression{Deps: deps},
		KMedoids:         &algorithm.Script{Deps: deps, Name: KMedoids, Validate: algorithm.ValidateKMedoids},
		Hierarchical:     &algorithm.Script{Deps: deps, Name: Hierarchical, Validate: algorithm.ValidateHierarchical},
		LogisticRegr:     &algorithm.Script{Deps: deps, Name: LogisticRegr, Validate: algorithm.ValidateLogistic, Supervised: true},
		AssociationRules: &algorithm.Script{Deps: deps, Name: AssociationRules, Validate: algorithm.ValidateAssociationRules},
		DecisionTree:     &algorithm.Script{Deps: deps, Name: DecisionTree, Validate: algorithm.ValidateDecisionTree, Supervised: true},
	})
}

// NewWith builds a registry over a fixed set of units.
func NewWith(units map[string]algorithm.Unit) *Registry {
	r := &Registry{units: make(map[string]algorithm.Unit, len(units))}
	for name, u := range units {
		r.units[name] = u
	}
	return r
}

func (r *Registry) Lookup(name string) (algorithm.Unit, error) {
	u, ok := r.units[name]
	if !ok {
		return nil, &model.UnsupportedAlgorithmError{Name: name}
	}
	return u, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
