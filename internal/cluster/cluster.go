// Package cluster groups analyzed samples by acoustic similarity.
package cluster

import (
	"errors"
	"fmt"
	"sort"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"

	"github.com/kalambet/crate/internal/classify"
	"github.com/kalambet/crate/internal/features"
	"github.com/kalambet/crate/internal/similarity"
	"github.com/kalambet/crate/internal/storage"
)

// restarts is how many k-means runs are tried; the tightest one wins.
const restarts = 5

// ErrInvalidK is returned for k <= 0.
var ErrInvalidK = errors.New("cluster count must be positive")

// Group is one cluster.
type Group struct {
	Label    string            `json:"label"`
	Members  []string          `json:"members"`
	Category classify.Category `json:"category"`
	Mood     string            `json:"mood"`
	// Centroid is the mean raw feature vector of the members.
	Centroid features.Vector `json:"centroid"`
}

type observation struct {
	sample *storage.Sample
	coords clusters.Coordinates
}

func (o observation) Coordinates() clusters.Coordinates { return o.coords }

func (o observation) Distance(point clusters.Coordinates) float64 {
	return o.coords.Distance(point)
}

// Cluster partitions the samples that carry features into at most k groups.
// Vectors are normalized with policy first. Groups are ordered largest
// first; members are sorted by id.
func Cluster(samples []storage.Sample, k int, policy similarity.Policy) ([]Group, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	var valid []*storage.Sample
	for i := range samples {
		if samples[i].HasFeatures() {
			valid = append(valid, &samples[i])
		}
	}
	if len(valid) == 0 {
		return []Group{}, nil
	}
	k = min(k, len(valid))

	rows := make([][]float64, len(valid))
	for i, s := range valid {
		rows[i] = s.Features.Values()
	}
	similarity.Normalize(policy, rows)

	obs := make(clusters.Observations, len(valid))
	for i, s := range valid {
		obs[i] = observation{sample: s, coords: rows[i]}
	}

	var (
		best      clusters.Clusters
		bestScore float64
	)
	km := kmeans.New()
	for attempt := 0; attempt < restarts; attempt++ {
		cc, err := km.Partition(obs, k)
		if err != nil {
			return nil, fmt.Errorf("k-means: %w", err)
		}
		if score := inertia(cc); best == nil || score < bestScore {
			best, bestScore = cc, score
		}
	}

	groups := make([]Group, 0, len(best))
	for _, c := range best {
		if len(c.Observations) == 0 {
			continue
		}
		members := make([]*storage.Sample, 0, len(c.Observations))
		for _, o := range c.Observations {
			members = append(members, o.(observation).sample)
		}
		groups = append(groups, summarize(members))
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].Members) != len(groups[j].Members) {
			return len(groups[i].Members) > len(groups[j].Members)
		}
		return groups[i].Members[0] < groups[j].Members[0]
	})
	return groups, nil
}

// inertia is the summed squared distance of observations to their centers.
func inertia(cc clusters.Clusters) float64 {
	var sum float64
	for _, c := range cc {
		for _, o := range c.Observations {
			d := o.Distance(c.Center)
			sum += d * d
		}
	}
	return sum
}

func summarize(members []*storage.Sample) Group {
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	g := Group{
		Members:  make([]string, len(members)),
		Centroid: make(features.Vector, len(features.Schema)),
	}
	categories := map[classify.Category]int{}
	moods := map[string]int{}
	for i, s := range members {
		g.Members[i] = s.ID
		categories[s.Category]++
		if s.Mood != "" && s.Mood != classify.UnknownMood {
			moods[s.Mood]++
		}
		for _, name := range features.Schema {
			g.Centroid[name] += s.Features[name] / float64(len(members))
		}
	}

	g.Category = classify.Other
	bestCount := 0
	for _, c := range classify.Categories() {
		if categories[c] > bestCount {
			g.Category, bestCount = c, categories[c]
		}
	}
	g.Mood = classify.UnknownMood
	bestCount = 0
	for mood, n := range moods {
		if n > bestCount || (n == bestCount && mood < g.Mood) {
			g.Mood, bestCount = mood, n
		}
	}
	g.Label = string(g.Category)
	if g.Mood != classify.UnknownMood {
		g.Label += " / " + g.Mood
	}
	return g
}
