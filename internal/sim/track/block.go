// Package track holds the static block topology of a line: the block table, the
// derived switch routing and gate approach indexes, and distance queries used by
// train progression.
package track

import "wayside.ai/internal/protocol"

// BlockID identifies a block; None marks a missing neighbour.
type BlockID = int

const None BlockID = -1

// Beacon is the station text a train picks up entering a block in one direction.
type Beacon struct {
	HasBeacon      bool   `yaml:"has_beacon" json:"has_beacon"`
	CurrentStation string `yaml:"current_station_name,omitempty" json:"current_station_name,omitempty"`
	NextStation    string `yaml:"next_station_name,omitempty" json:"next_station_name,omitempty"`
}

// Block is one immutable row of the block table.
type Block struct {
	ID            BlockID
	Length        float64 // metres
	ForwardNext   BlockID
	ReverseNext   BlockID
	BranchNext    BlockID // diverging successor of a switch block, None if not given
	Bidirectional bool
	SpeedLimit    float64 // m/s
	IsStation     bool
	StationName   string
	Switch        bool
	Gate          bool
	Signal        bool
	Yard          bool
	ForwardBeacon Beacon
	ReverseBeacon Beacon
}

// NextIn returns the plain pointer for a travel direction.
func (b Block) NextIn(dir protocol.Direction) BlockID {
	if dir == protocol.Reverse {
		return b.ReverseNext
	}
	return b.ForwardNext
}

// BeaconIn returns the beacon read when entering the block travelling dir.
func (b Block) BeaconIn(dir protocol.Direction) Beacon {
	if dir == protocol.Reverse {
		return b.ReverseBeacon
	}
	return b.ForwardBeacon
}

// LegStart reports whether a train may be dispatched from this block.
func (b Block) LegStart() bool { return b.IsStation || b.Yard }

// SwitchRoute maps a switch block's two positions to target blocks.
type SwitchRoute struct {
	Position0 BlockID `yaml:"position0" json:"position0"`
	Position1 BlockID `yaml:"position1" json:"position1"`
}

// Target returns the block selected by pos; anything other than 1 is treated as 0.
func (r SwitchRoute) Target(pos int) BlockID {
	if pos == 1 {
		return r.Position1
	}
	return r.Position0
}

// Has reports whether id is one of the route targets.
func (r SwitchRoute) Has(id BlockID) bool { return id == r.Position0 || id == r.Position1 }
