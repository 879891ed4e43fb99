// Package tracktest builds small block graphs for tests.
package tracktest

import (
	"testing"

	"wayside.ai/internal/sim/track"
)

// Linear returns blocks 0..n-1 chained forward, block 0 a yard and the last
// block a station named "END".
func Linear(t testing.TB, n int, length, limit float64) *track.Graph {
	t.Helper()
	blocks := make([]track.Block, n)
	for i := range blocks {
		blocks[i] = track.Block{
			ID:          i,
			Length:      length,
			ForwardNext: i + 1,
			ReverseNext: i - 1,
			BranchNext:  track.None,
			SpeedLimit:  limit,
		}
	}
	blocks[0].ReverseNext = track.None
	blocks[0].Yard = true
	blocks[n-1].ForwardNext = track.None
	blocks[n-1].IsStation = true
	blocks[n-1].StationName = "END"
	return build(t, blocks)
}

// Stations is Linear with extra station blocks at the given ids.
func Stations(t testing.TB, n int, length, limit float64, stations map[int]string) *track.Graph {
	t.Helper()
	g := Linear(t, n, length, limit)
	blocks := make([]track.Block, 0, n)
	for _, id := range g.IDs() {
		b, _ := g.Block(id)
		if name, ok := stations[id]; ok {
			b.IsStation = true
			b.StationName = name
		}
		blocks = append(blocks, b)
	}
	return build(t, blocks)
}

// BranchLine is yard 0 -> 1 -> 2(gate) -> 3(switch) -> 4 -> 5(station A) -> 6
// with the diverging leg 3 -> 10 -> 11(station B). Blocks are 100 m at 20 m/s.
func BranchLine(t testing.TB) *track.Graph {
	t.Helper()
	blk := func(id, fwd, rev int) track.Block {
		return track.Block{ID: id, Length: 100, ForwardNext: fwd, ReverseNext: rev, BranchNext: track.None, SpeedLimit: 20}
	}
	blocks := []track.Block{
		blk(0, 1, track.None),
		blk(1, 2, 0),
		blk(2, 3, 1),
		blk(3, 4, 2),
		blk(4, 5, 3),
		blk(5, 6, 4),
		blk(6, track.None, 5),
		blk(10, 11, 3),
		blk(11, track.None, 10),
	}
	blocks[0].Yard = true
	blocks[2].Gate = true
	blocks[3].Switch = true
	blocks[3].BranchNext = 10
	blocks[5].IsStation, blocks[5].StationName = true, "A"
	blocks[8].IsStation, blocks[8].StationName = true, "B"
	return build(t, blocks)
}

func build(t testing.TB, blocks []track.Block) *track.Graph {
	t.Helper()
	g, err := track.New(blocks)
	if err != nil {
		t.Fatalf("track.New: %v", err)
	}
	return g
}
