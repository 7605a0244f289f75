// Package similarity provides prompt similarity computation and clustering.
package similarity

import (
	"fmt"
	"sort"

	"github.com/thebtf/promptcluster/pkg/models"
)

// DefaultThreshold is the similarity above which two prompts are treated as
// repeats of the same intent. The comparison is strict: sim == 0.9 is not an edge.
const DefaultThreshold = 0.9

// ValidThreshold reports whether t lies in (0, 1].
func ValidThreshold(t float64) bool {
	return t > 0 && t <= 1
}

// unionFind is a disjoint-set forest with path compression and union by rank.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}

// Components partitions the indices 0..N-1 into the connected components of
// the graph whose edges are the pairs with similarity strictly above threshold.
// Components are transitive: A~B and B~C put A, B and C together even when
// A and C are not directly similar. Each component lists its indices in
// ascending order and components are ordered by their smallest index.
func Components(m *Matrix, threshold float64) ([][]int, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	n := m.Size()
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if m.At(i, j) > threshold {
				uf.union(i, j)
			}
		}
	}

	byRoot := make(map[int]int, n)
	components := make([][]int, 0)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		pos, ok := byRoot[root]
		if !ok {
			pos = len(components)
			byRoot[root] = pos
			components = append(components, nil)
		}
		components[pos] = append(components[pos], i)
	}
	return components, nil
}

// BuildClusters groups records into clusters of near-duplicate prompts.
// The matrix must have one row per record. Members are ordered by timestamp
// (ties by input index) and clusters by their earliest member.
func BuildClusters(records []models.PromptRecord, m *Matrix, threshold float64) ([]models.Cluster, error) {
	if m.Size() != len(records) {
		return nil, &models.DataIntegrityError{
			Reason: fmt.Sprintf("similarity matrix size %d does not match %d records", m.Size(), len(records)),
		}
	}

	components, err := Components(m, threshold)
	if err != nil {
		return nil, err
	}

	clusters := make([]models.Cluster, len(components))
	for c, indices := range components {
		members := make([]models.ClusterMember, len(indices))
		for k, idx := range indices {
			members[k] = models.ClusterMember{Index: idx, Record: records[idx]}
		}
		clusters[c] = models.Cluster{Members: members}
	}

	SortClusters(clusters)
	return clusters, nil
}

// SortClusters orders members inside each cluster and then the clusters
// themselves. Applying it to an already sorted slice is a no-op.
func SortClusters(clusters []models.Cluster) {
	for _, c := range clusters {
		sort.SliceStable(c.Members, func(a, b int) bool {
			return memberLess(c.Members[a], c.Members[b])
		})
	}
	sort.SliceStable(clusters, func(a, b int) bool {
		ca, cb := clusters[a], clusters[b]
		if len(ca.Members) == 0 || len(cb.Members) == 0 {
			return len(ca.Members) > len(cb.Members)
		}
		return memberLess(ca.Members[0], cb.Members[0])
	})
}

// memberLess orders by timestamp, then by input position.
func memberLess(a, b models.ClusterMember) bool {
	if !a.Record.Timestamp.Equal(b.Record.Timestamp) {
		return a.Record.Timestamp.Before(b.Record.Timestamp)
	}
	return a.Index < b.Index
}
