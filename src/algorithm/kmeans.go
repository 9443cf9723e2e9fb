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
	"context"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

type ClusterResult struct {
	K int
	// Labels holds the cluster index of each point.
	Labels    []int
	Centroids [][]float64
	// Inertia and Silhouette are per cluster.
	Inertia    []float64
	Silhouette []float64

	TotalInertia    float64
	TotalSilhouette float64
	DaviesBouldin   float64
}

type KMeansOptions struct {
	K       int
	MaxIter int
	NInit   int
	// Init is "k-means++" or "random".
	Init string
	Seed uint64
	Tol  float64
}

// Cluster runs Lloyd's algorithm NInit times and keeps the run with the lowest
// inertia. len(points) must be at least opt.K.
func Cluster(points [][]float64, opt KMeansOptions) *ClusterResult {
	if opt.NInit < 1 {
		opt.NInit = 1
	}
	if opt.Tol == 0 {
		opt.Tol = 1e-4
	}
	rng := rand.New(rand.NewPCG(opt.Seed, opt.Seed))

	var (
		bestLabels    []int
		bestCentroids [][]float64
		bestInertia   = math.Inf(1)
	)
	for run := 0; run < opt.NInit; run++ {
		var centroids [][]float64
		if opt.Init == "random" {
			centroids = initRandom(points, opt.K, rng)
		} else {
			centroids = initPlusPlus(points, opt.K, rng)
		}
		labels, centroids, inertia := lloyd(points, centroids, opt.MaxIter, opt.Tol)
		if inertia < bestInertia {
			bestLabels, bestCentroids, bestInertia = labels, centroids, inertia
		}
	}

	r := &ClusterResult{K: opt.K, Labels: bestLabels, Centroids: bestCentroids, TotalInertia: bestInertia}
	r.Inertia = make([]float64, opt.K)
	for i, p := range points {
		r.Inertia[bestLabels[i]] += sqDist(p, bestCentroids[bestLabels[i]])
	}
	r.Silhouette, r.TotalSilhouette = silhouette(points, bestLabels, opt.K)
	r.DaviesBouldin = daviesBouldin(points, bestLabels, bestCentroids)
	return r
}

func initRandom(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	for _, i := range rng.Perm(len(points))[:k] {
		centroids = append(centroids, append([]float64(nil), points[i]...))
	}
	return centroids
}

func initPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := [][]float64{append([]float64(nil), points[rng.IntN(len(points))]...)}
	d2 := make([]float64, len(points))
	for len(centroids) < k {
		for i, p := range points {
			d2[i] = sqDist(p, centroids[0])
			for _, c := range centroids[1:] {
				d2[i] = math.Min(d2[i], sqDist(p, c))
			}
		}
		total := floats.Sum(d2)
		next := rng.IntN(len(points))
		if total > 0 {
			target := rng.Float64() * total
			for i, w := range d2 {
				if target < w {
					next = i
					break
				}
				target -= w
			}
		}
		centroids = append(centroids, append([]float64(nil), points[next]...))
	}
	return centroids
}

func lloyd(points, centroids [][]float64, maxIter int, tol float64) ([]int, [][]float64, float64) {
	k, dim := len(centroids), len(points[0])
	labels := make([]int, len(points))
	for iter := 0; iter < maxIter; iter++ {
		assign(points, centroids, labels)

		next := make([][]float64, k)
		counts := make([]int, k)
		for j := range next {
			next[j] = make([]float64, dim)
		}
		for i, p := range points {
			floats.Add(next[labels[i]], p)
			counts[labels[i]]++
		}
		for j := range next {
			if counts[j] == 0 {
				// Reseed an empty cluster with the point furthest from its centroid.
				far := farthest(points, centroids, labels)
				copy(next[j], points[far])
				labels[far] = j
				continue
			}
			floats.Scale(1/float64(counts[j]), next[j])
		}

		shift := 0.0
		for j := range next {
			shift = math.Max(shift, sqDist(next[j], centroids[j]))
		}
		centroids = next
		if shift <= tol {
			break
		}
	}
	inertia := assign(points, centroids, labels)
	return labels, centroids, inertia
}

// assign labels every point with its nearest centroid and returns the inertia.
func assign(points, centroids [][]float64, labels []int) float64 {
	inertia := 0.0
	for i, p := range points {
		best, bestD := 0, math.Inf(1)
		for j, c := range centroids {
			if d := sqDist(p, c); d < bestD {
				best, bestD = j, d
			}
		}
		labels[i] = best
		inertia += bestD
	}
	return inertia
}

func farthest(points, centroids [][]float64, labels []int) int {
	far, farD := 0, -1.0
	for i, p := range points {
		if d := sqDist(p, centroids[labels[i]]); d > farD {
			far, farD = i, d
		}
	}
	return far
}

// silhouette returns the mean silhouette per cluster and over all points.
// Points alone in their cluster score 0.
func silhouette(points [][]float64, labels []int, k int) ([]float64, float64) {
	n := len(points)
	sizes := make([]int, k)
	for _, l := range labels {
		sizes[l]++
	}
	perCluster := make([]float64, k)
	total := 0.0
	sums := make([]float64, k)
	for i := 0; i < n; i++ {
		for j := range sums {
			sums[j] = 0
		}
		for j := 0; j < n; j++ {
			if i != j {
				sums[labels[j]] += floats.Distance(points[i], points[j], 2)
			}
		}
		own := labels[i]
		s := 0.0
		if sizes[own] > 1 {
			a := sums[own] / float64(sizes[own]-1)
			b := math.Inf(1)
			for c := 0; c < k; c++ {
				if c != own && sizes[c] > 0 {
					b = math.Min(b, sums[c]/float64(sizes[c]))
				}
			}
			if m := math.Max(a, b); m > 0 && !math.IsInf(b, 1) {
				s = (b - a) / m
			}
		}
		perCluster[own] += s
		total += s
	}
	for c := range perCluster {
		if sizes[c] > 0 {
			perCluster[c] /= float64(sizes[c])
		}
	}
	return perCluster, total / float64(n)
}

func daviesBouldin(points [][]float64, labels []int, centroids [][]float64) float64 {
	k := len(centroids)
	scatter := make([]float64, k)
	sizes := make([]int, k)
	for i, p := range points {
		scatter[labels[i]] += floats.Distance(p, centroids[labels[i]], 2)
		sizes[labels[i]]++
	}
	for c := range scatter {
		if sizes[c] > 0 {
			scatter[c] /= float64(sizes[c])
		}
	}
	total := 0.0
	for i := 0; i < k; i++ {
		worst := 0.0
		for j := 0; j < k; j++ {
			if i == j {
				continue
			}
			d := floats.Distance(centroids[i], centroids[j], 2)
			if d == 0 {
				continue
			}
			worst = math.Max(worst, (scatter[i]+scatter[j])/d)
		}
		total += worst
	}
	return total / float64(k)
}

func sqDist(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

// KMeans is the a_kmedias unit.
type KMeans struct {
	Deps
}

var kmeansTables = []string{
	"grafana_ml_model_kmeans_point",
	"grafana_ml_model_kmeans_centroid",
	"grafana_ml_model_clustering_cluster",
	"grafana_ml_model_clustering_metrics",
}

func (u *KMeans) options(p model.Parameters) (KMeansOptions, error) {
	var (
		opt KMeansOptions
		err error
	)
	if opt.K, err = intParam(p, "n_clusters", 3, 2); err != nil {
		return opt, err
	}
	if opt.MaxIter, err = intParam(p, "max_iter", 300, 1); err != nil {
		return opt, err
	}
	if opt.NInit, err = intParam(p, "n_init", 10, 1); err != nil {
		return opt, err
	}
	if opt.Init, err = stringParam(p, "init", "k-means++", "k-means++", "random"); err != nil {
		return opt, err
	}
	seed, err := intParam(p, "random_state", 42, 0)
	if err != nil {
		return opt, err
	}
	opt.Seed = uint64(seed)
	return opt, nil
}

func (u *KMeans) Execute(ctx context.Context, db store.DBTX, task model.CreateModelTask) (int64, error) {
	p, err := task.Params()
	if err != nil {
		return 0, err
	}
	opt, err := u.options(p)
	if err != nil {
		return 0, err
	}
	m, err := u.Data.Numeric(ctx, db, task.SourceID)
	if err != nil {
		return 0, err
	}
	if opt.K > len(m.Points) {
		return 0, invalid("n_clusters", opt.K, "source %d has only %d points", task.SourceID, len(m.Points))
	}

	r := Cluster(m.Points, opt)

	id, err := u.Results.CreateModel(ctx, db, task.SourceID, task.Algorithm, task.Parameters)
	if err != nil {
		return 0, err
	}
	if err := u.Results.SaveClusters(ctx, db, id, m, r); err != nil {
		return 0, err
	}
	return id, nil
}

func (u *KMeans) Delete(ctx context.Context, db store.DBTX, modelID int64) error {
	return u.Results.DeleteModel(ctx, db, modelID, kmeansTables...)
}
