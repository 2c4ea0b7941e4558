package cluster

import (
	"math"
	"sort"

	"github.com/nexus-trading/chainintel/internal/features"
	"github.com/nexus-trading/chainintel/internal/model"
)

// ---------------------------------------------------------------------------
// Feature space + density expansion
// Features are log-compressed and divided by their window RMS, so scale is
// comparable across features while proportional vectors stay parallel.
// ---------------------------------------------------------------------------

type point struct {
	addr    string
	x       []float64
	norm    float64
	pattern model.ActivityPattern
}

// space holds the scaled points of one window.
type space struct {
	points map[string]*point
}

func newSpace(w *features.Window, skip func(string) bool) *space {
	s := &space{points: make(map[string]*point, len(w.Addresses))}

	rms := make([]float64, model.NumFeatures)
	var kept []*point
	for _, addr := range w.Addresses {
		if skip(addr) {
			continue
		}
		v := w.Vectors[addr]
		raw := v.Values()
		p := &point{addr: addr, x: make([]float64, len(raw)), pattern: v.Pattern}
		for i, f := range raw {
			p.x[i] = signedLog1p(f)
			rms[i] += p.x[i] * p.x[i]
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return s
	}
	for i := range rms {
		rms[i] = math.Sqrt(rms[i] / float64(len(kept)))
	}
	for _, p := range kept {
		sq := 0.0
		for i := range p.x {
			if rms[i] > 0 {
				p.x[i] /= rms[i]
			} else {
				p.x[i] = 0
			}
			sq += p.x[i] * p.x[i]
		}
		p.norm = math.Sqrt(sq)
		s.points[p.addr] = p
	}
	return s
}

func signedLog1p(x float64) float64 {
	if x < 0 {
		return -math.Log1p(-x)
	}
	return math.Log1p(x)
}

// cosineDistance returns 1 - cos(a, b). Two zero vectors are identical;
// a zero vector is orthogonal to everything else.
func cosineDistance(a, b *point) float64 {
	if a.norm == 0 && b.norm == 0 {
		return 0
	}
	if a.norm == 0 || b.norm == 0 {
		return 1
	}
	dot := 0.0
	for i := range a.x {
		dot += a.x[i] * b.x[i]
	}
	cos := dot / (a.norm * b.norm)
	return 1 - math.Max(-1, math.Min(1, cos))
}

// distance combines cosine distance with the same-pattern bonus.
func (e *Engine) distance(a, b *point) float64 {
	d := cosineDistance(a, b)
	if a.pattern != "" && a.pattern == b.pattern {
		d -= e.config.PatternBonus
	}
	return d
}

// neighbors returns the sorted addresses within threshold of addr that share
// a direct, non-custodial transaction edge with it.
func (e *Engine) neighbors(w *features.Window, s *space, addr string) []string {
	p := s.points[addr]
	if p == nil {
		return nil
	}
	var out []string
	for _, other := range w.Neighbors(addr) {
		q := s.points[other]
		if q == nil || e.custodial.ShouldCutEdge(addr, other) {
			continue
		}
		if e.distance(p, q) < e.config.DistanceThreshold {
			out = append(out, other)
		}
	}
	return out
}

// expand runs a DBSCAN pass over the window. It returns the clusters (each
// sorted) and the noise points, both in deterministic order.
func (e *Engine) expand(w *features.Window, s *space) (clusters [][]string, noise []string) {
	minPts := e.config.MinClusterSize
	if minPts < 2 {
		minPts = 2
	}

	const unvisited, noisy = 0, -1
	label := make(map[string]int, len(s.points))
	next := 0

	for _, addr := range w.Addresses {
		if s.points[addr] == nil || label[addr] != unvisited {
			continue
		}
		seeds := e.neighbors(w, s, addr)
		if len(seeds)+1 < minPts {
			label[addr] = noisy
			continue
		}

		next++
		label[addr] = next
		members := []string{addr}
		queue := append([]string(nil), seeds...)
		for len(queue) > 0 {
			q := queue[0]
			queue = queue[1:]
			switch label[q] {
			case noisy:
				// Border point.
				label[q] = next
				members = append(members, q)
				continue
			case unvisited:
			default:
				continue
			}
			label[q] = next
			members = append(members, q)
			if nb := e.neighbors(w, s, q); len(nb)+1 >= minPts {
				queue = append(queue, nb...)
			}
		}
		sort.Strings(members)
		clusters = append(clusters, members)
	}

	for _, addr := range w.Addresses {
		if label[addr] == noisy {
			noise = append(noise, addr)
		}
	}
	return clusters, noise
}
