// Package quantile implements a bounded-memory streaming quantile summary
// (a merging t-digest). A digest absorbs an unbounded stream of observations
// into a small set of weighted centroids while keeping percentile and
// percentile-rank queries accurate, with the highest accuracy at the tails.
package quantile

import (
	"errors"
	"math"
	"sort"
)

// DefaultCompression bounds a digest to roughly that many centroids.
const DefaultCompression = 100

// ErrBadSnapshot is returned when a serialized digest cannot be restored.
var ErrBadSnapshot = errors.New("quantile: invalid digest snapshot")

// Centroid is one cluster of merged observations.
type Centroid struct {
	Mean   float64 `json:"mean"`
	Weight int64   `json:"n"`
}

// Snapshot is the durable form of a digest. Restoring it with FromSnapshot
// reproduces percentile estimates within the digest's approximation error.
type Snapshot struct {
	Centroids   []Centroid `json:"centroids"`
	Compression int        `json:"compression"`
}

// Digest is a streaming quantile summary. It is not safe for concurrent use;
// callers serialize access per digest.
type Digest struct {
	compression int
	merged      []Centroid // sorted by mean
	unmerged    []Centroid
	total       int64 // total weight including unmerged
}

// New returns an empty digest. A non-positive compression falls back to
// DefaultCompression.
func New(compression int) *Digest {
	if compression <= 0 {
		compression = DefaultCompression
	}
	return &Digest{
		compression: compression,
		unmerged:    make([]Centroid, 0, 4*compression),
	}
}

// FromSnapshot reconstructs a digest from its serialized centroids, keeping
// the stored compression and centroid weights intact.
func FromSnapshot(snap Snapshot) (*Digest, error) {
	d := New(snap.Compression)
	for _, c := range snap.Centroids {
		if c.Weight < 1 || math.IsNaN(c.Mean) || math.IsInf(c.Mean, 0) {
			return nil, ErrBadSnapshot
		}
		d.unmerged = append(d.unmerged, c)
		d.total += c.Weight
	}
	d.process()
	return d, nil
}

// Snapshot returns the durable form of the digest.
func (d *Digest) Snapshot() Snapshot {
	d.process()
	out := make([]Centroid, len(d.merged))
	copy(out, d.merged)
	return Snapshot{Centroids: out, Compression: d.compression}
}

// Compression returns the digest's centroid-count bound parameter.
func (d *Digest) Compression() int { return d.compression }

// Size returns the total number of observations merged into the digest.
func (d *Digest) Size() int64 { return d.total }

// Push merges one observation. A weight below 1 is treated as 1; NaN and
// infinite values are dropped.
func (d *Digest) Push(value float64, weight int64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	if weight < 1 {
		weight = 1
	}
	d.unmerged = append(d.unmerged, Centroid{Mean: value, Weight: weight})
	d.total += weight
	if len(d.unmerged) >= cap(d.unmerged) {
		d.process()
	}
}

// process folds the unmerged buffer into the centroid set, re-clustering
// under the scale-function size limit. Centroid capacity is largest near the
// median and shrinks toward the tails, so extreme percentiles stay sharp.
func (d *Digest) process() {
	if len(d.unmerged) == 0 {
		return
	}
	all := append(d.merged, d.unmerged...)
	sort.Slice(all, func(i, j int) bool { return all[i].Mean < all[j].Mean })
	d.unmerged = d.unmerged[:0]

	total := float64(d.total)
	merged := make([]Centroid, 0, d.compression+1)

	cur := all[0]
	var wSoFar int64
	qLimit := d.scaleInv(d.scale(0) + 1)
	for _, c := range all[1:] {
		q := float64(wSoFar+cur.Weight+c.Weight) / total
		if q <= qLimit {
			// weighted mean; weights stay exact
			w := cur.Weight + c.Weight
			cur.Mean = cur.Mean + (c.Mean-cur.Mean)*float64(c.Weight)/float64(w)
			cur.Weight = w
			continue
		}
		wSoFar += cur.Weight
		merged = append(merged, cur)
		qLimit = d.scaleInv(d.scale(float64(wSoFar)/total) + 1)
		cur = c
	}
	merged = append(merged, cur)
	d.merged = merged
}

// scale is the k1 scale function; its derivative bounds centroid size by
// quantile position.
func (d *Digest) scale(q float64) float64 {
	return float64(d.compression) / (2 * math.Pi) * math.Asin(2*q-1)
}

func (d *Digest) scaleInv(k float64) float64 {
	q := (math.Sin(k*2*math.Pi/float64(d.compression)) + 1) / 2
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// Percentile returns the approximate value at percentile p in [0,100].
// The second return is false iff the digest holds no observations.
func (d *Digest) Percentile(p float64) (float64, bool) {
	d.process()
	if d.total == 0 {
		return 0, false
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	cs := d.merged
	if len(cs) == 1 {
		return cs[0].Mean, true
	}
	target := p / 100 * float64(d.total)

	// Each centroid's weight is centered on its mean; interpolate between
	// adjacent cumulative midpoints.
	prevMid, prevMean := 0.0, cs[0].Mean
	var cum int64
	for _, c := range cs {
		mid := float64(cum) + float64(c.Weight)/2
		if target <= mid {
			if mid == prevMid {
				return c.Mean, true
			}
			frac := (target - prevMid) / (mid - prevMid)
			return prevMean + frac*(c.Mean-prevMean), true
		}
		prevMid, prevMean = mid, c.Mean
		cum += c.Weight
	}
	return cs[len(cs)-1].Mean, true
}

// PercentileRank returns the approximate percentile, in [0,100], of the
// distribution at or below value. The second return is false iff the digest
// holds no observations.
func (d *Digest) PercentileRank(value float64) (float64, bool) {
	d.process()
	if d.total == 0 {
		return 0, false
	}
	cs := d.merged
	if value < cs[0].Mean {
		return 0, true
	}
	if value >= cs[len(cs)-1].Mean {
		return 100, true
	}

	prevMid, prevMean := 0.0, cs[0].Mean
	var cum int64
	for _, c := range cs {
		mid := float64(cum) + float64(c.Weight)/2
		if value < c.Mean {
			frac := 0.0
			if c.Mean != prevMean {
				frac = (value - prevMean) / (c.Mean - prevMean)
			}
			w := prevMid + frac*(mid-prevMid)
			return 100 * w / float64(d.total), true
		}
		prevMid, prevMean = mid, c.Mean
		cum += c.Weight
	}
	return 100, true
}
