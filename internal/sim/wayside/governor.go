package wayside

import (
	"math"

	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/tuning"
)

// Governor turns remaining authority, block limits and traffic ahead into a
// commanded speed.
type Governor struct {
	p tuning.Governor
}

func NewGovernor(p tuning.Governor) Governor { return Governor{p: p} }

// AuthorityTarget is the piecewise authority curve capped by cruise.
func (g Governor) AuthorityTarget(authority, cruise float64) float64 {
	p := g.p
	if cruise <= 0 {
		return 0
	}
	var v float64
	switch {
	case authority >= p.CruiseAuthorityM:
		v = cruise
	case authority >= p.DecelZoneM:
		v = p.DecelZoneSpeed + (cruise-p.DecelZoneSpeed)*(authority-p.DecelZoneM)/(p.CruiseAuthorityM-p.DecelZoneM)
	case authority > p.StopThresholdM:
		v = p.CrawlSpeed + (p.DecelZoneSpeed-p.CrawlSpeed)*(authority-p.StopThresholdM)/(p.DecelZoneM-p.StopThresholdM)
	default:
		return 0
	}
	return math.Max(0, math.Min(v, cruise))
}

// SeparationCap returns the speed cap imposed by the nearest train ahead.
// ok is false when no train is near enough to matter.
func (g Governor) SeparationCap(gap float64) (float64, bool) {
	switch {
	case gap <= g.p.CriticalDistanceM:
		return 0, true
	case gap < g.p.WarningDistanceM:
		return g.p.WarningSpeed, true
	}
	return 0, false
}

// Target combines the authority curve and the separation cap.
func (g Governor) Target(authority, blockLimit, suggested float64, gapAhead float64, haveAhead bool) float64 {
	cruise := math.Min(blockLimit, suggested)
	v := g.AuthorityTarget(authority, cruise)
	if haveAhead {
		if c, ok := g.SeparationCap(gapAhead); ok {
			v = math.Min(v, c)
		}
	}
	return v
}

// Ramp moves current toward target by at most accel*dt upward or decel*dt
// downward, then hard-caps at the block limit.
func (g Governor) Ramp(current, target, dt, blockLimit float64) float64 {
	if math.IsNaN(current) || current < 0 {
		current = 0
	}
	next := current
	if target > current {
		next = current + math.Min(g.p.AccelLimit*dt, target-current)
	} else if target < current {
		next = current - math.Min(g.p.DecelLimit*dt, current-target)
	}
	if next > blockLimit {
		next = blockLimit
	}
	if next < 0 {
		next = 0
	}
	return next
}

// Exhausted reports whether a leg is over: no authority left, or a train
// stopped inside the stop threshold.
func (g Governor) Exhausted(authority, commanded float64) bool {
	return authority <= 0 || (authority <= g.p.StopThresholdM && commanded == 0)
}

// pathCoords maps a default path onto a line coordinate so trains on it can be
// compared by distance.
type pathCoords struct {
	steps []track.PathStep
	start []float64
	lens  []float64
	index map[track.BlockID][]int
}

func newPathCoords(g *track.Graph, steps []track.PathStep) *pathCoords {
	pc := &pathCoords{
		steps: steps,
		start: make([]float64, len(steps)),
		lens:  make([]float64, len(steps)),
		index: map[track.BlockID][]int{},
	}
	acc := 0.0
	for i, s := range steps {
		b, _ := g.Block(s.Block)
		pc.start[i] = acc
		pc.lens[i] = b.Length
		acc += b.Length
		pc.index[s.Block] = append(pc.index[s.Block], i)
	}
	return pc
}

// locate returns the path index of block, preferring the first occurrence at or
// after hint. -1 means off path.
func (pc *pathCoords) locate(block track.BlockID, hint int) int {
	idx := pc.index[block]
	if len(idx) == 0 {
		return -1
	}
	for _, i := range idx {
		if i >= hint {
			return i
		}
	}
	return idx[0]
}

// coord is the position along the path of a train at index i with offset off,
// measured in its own travel direction.
func (pc *pathCoords) coord(i int, off float64, withPath bool) float64 {
	if withPath {
		return pc.start[i] + off
	}
	return pc.start[i] + pc.lens[i] - off
}

type pathPos struct {
	name  string
	index int
	coord float64
}

// gapAhead returns the distance to the nearest train ahead of me within
// lookahead path positions.
func (pc *pathCoords) gapAhead(me pathPos, withPath bool, others []pathPos, lookahead int) (float64, bool) {
	sense := 1.0
	if !withPath {
		sense = -1
	}
	best, found := 0.0, false
	for _, o := range others {
		if o.name == me.name || o.index < 0 {
			continue
		}
		delta := o.index - me.index
		if !withPath {
			delta = -delta
		}
		if delta < 0 || delta > lookahead {
			continue
		}
		gap := sense * (o.coord - me.coord)
		if gap < 0 || (gap == 0 && delta == 0) {
			continue
		}
		if !found || gap < best {
			best, found = gap, true
		}
	}
	return best, found
}
