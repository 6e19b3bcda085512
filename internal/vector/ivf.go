package vector

import (
	"math/rand"
	"sort"
)

type ivfState struct {
	centroids [][]float32
	lists     []map[string]struct{}
	assign    map[string]int
}

func newIVFState(centroids [][]float32) *ivfState {
	s := &ivfState{
		centroids: centroids,
		lists:     make([]map[string]struct{}, len(centroids)),
		assign:    make(map[string]int),
	}
	for i := range s.lists {
		s.lists[i] = make(map[string]struct{})
	}
	return s
}

func (s *ivfState) add(id string, vec []float32) {
	s.put(id, nearestCentroid(s.centroids, vec))
}

func (s *ivfState) put(id string, list int) {
	s.lists[list][id] = struct{}{}
	s.assign[id] = list
}

func (s *ivfState) remove(id string) {
	if list, ok := s.assign[id]; ok {
		delete(s.lists[list], id)
		delete(s.assign, id)
	}
}

// nearestLists returns the indices of the probes centroids closest to q.
func (s *ivfState) nearestLists(q []float32, probes int) []int {
	type scored struct {
		list int
		sim  float64
	}
	all := make([]scored, len(s.centroids))
	for i, c := range s.centroids {
		all[i] = scored{list: i, sim: InnerProduct(q, c)}
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].sim != all[b].sim {
			return all[a].sim > all[b].sim
		}
		return all[a].list < all[b].list
	})
	if probes > len(all) {
		probes = len(all)
	}
	out := make([]int, probes)
	for i := range out {
		out[i] = all[i].list
	}
	return out
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best, bestSim := 0, -2.0
	for i, c := range centroids {
		if sim := InnerProduct(v, c); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return best
}

// kmeans clusters unit vectors by cosine similarity (spherical k-means) with
// k-means++ seeding from a fixed seed. It returns the centroids and the list of
// each input vector.
func kmeans(vecs [][]float32, k, iterations int, seed int64) ([][]float32, []int) {
	if k > len(vecs) {
		k = len(vecs)
	}
	if k < 1 {
		k = 1
	}
	rng := rand.New(rand.NewSource(seed))

	centroids := make([][]float32, 0, k)
	centroids = append(centroids, vecs[rng.Intn(len(vecs))])
	dist := make([]float64, len(vecs))
	for len(centroids) < k {
		var total float64
		for i, v := range vecs {
			d := CosineDistance(v, centroids[nearestCentroid(centroids, v)])
			dist[i] = d * d
			total += dist[i]
		}
		if total == 0 {
			break
		}
		target := rng.Float64() * total
		pick := len(vecs) - 1
		for i, d := range dist {
			target -= d
			if target <= 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, vecs[pick])
	}

	assign := make([]int, len(vecs))
	dims := len(vecs[0])
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, v := range vecs {
			if c := nearestCentroid(centroids, v); c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		sums := make([][]float32, len(centroids))
		counts := make([]int, len(centroids))
		for i := range sums {
			sums[i] = make([]float32, dims)
		}
		for i, v := range vecs {
			c := assign[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += x
			}
		}
		next := make([][]float32, len(centroids))
		for i := range centroids {
			if counts[i] == 0 {
				next[i] = centroids[i]
				continue
			}
			next[i] = Normalize(sums[i])
		}
		centroids = next
		if !changed && iter > 0 {
			break
		}
	}
	for i, v := range vecs {
		assign[i] = nearestCentroid(centroids, v)
	}
	return centroids, assign
}
