package wayside

import (
	"time"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/vital"
)

// Phase is the progression state of an owned train.
type Phase string

const (
	PhaseActive         Phase = "ACTIVE"
	PhaseDwelling       Phase = "DWELLING"
	PhaseHolding        Phase = "HOLDING"
	PhaseHandoffPending Phase = "HANDOFF_PENDING"
)

// TrainState is owned by exactly one controller at a time.
type TrainState struct {
	Name         string             `json:"name"`
	Position     track.BlockID      `json:"position"`
	PrevPosition track.BlockID      `json:"prev_position"`
	Direction    protocol.Direction `json:"direction"`
	BlockOffset  float64            `json:"block_offset_m"`

	AuthorityRemaining float64 `json:"authority_remaining_m"`
	AuthorityLegStart  float64 `json:"authority_leg_start_m"`
	CumulativeInLeg    float64 `json:"cumulative_distance_in_leg_m"`
	CommandedSpeed     float64 `json:"commanded_speed_ms"`
	SuggestedSpeed     float64 `json:"suggested_speed_ms"`
	LastGranted        float64 `json:"last_granted_authority_m"`

	LegIndex       int           `json:"leg_index"`
	Legs           int           `json:"legs"`
	LastSeenBlock  track.BlockID `json:"last_seen_block"`
	DwellStartedAt time.Time     `json:"dwell_started_at,omitempty"`
	Active         bool          `json:"active"`
	Phase          Phase         `json:"phase"`

	Destination    string `json:"destination,omitempty"`
	CurrentStation string `json:"current_station,omitempty"`
	NextStation    string `json:"next_station,omitempty"`

	// Pending is the packet awaiting a successful publish in PhaseHandoffPending.
	Pending *protocol.HandoffPacket `json:"pending,omitempty"`
}

func (t *TrainState) clone() *TrainState {
	c := *t
	if t.Pending != nil {
		p := *t.Pending
		c.Pending = &p
	}
	return &c
}

// CycleLogEntry records one signal cycle: its inputs and what was committed.
type CycleLogEntry struct {
	Controller   string                `json:"controller"`
	Cycle        uint64                `json:"cycle"`
	SimUnixMs    int64                 `json:"sim_unix_ms"`
	Occupied     []track.BlockID       `json:"occupied,omitempty"`
	Closed       []track.BlockID       `json:"closed,omitempty"`
	PrevSwitches map[track.BlockID]int `json:"prev_switches,omitempty"`
	Committed    vital.State           `json:"committed"`
	Rejections   []vital.Rejection     `json:"rejections,omitempty"`
}

// RejectionEntry is one refused proposal.
type RejectionEntry struct {
	Controller string `json:"controller"`
	Cycle      uint64 `json:"cycle"`
	SimUnixMs  int64  `json:"sim_unix_ms"`
	Source     string `json:"source"` // EVALUATOR or MANUAL
	vital.Rejection
}

// HandoffEntry records a packet sent, received or lost.
type HandoffEntry struct {
	Controller string                 `json:"controller"`
	Event      string                 `json:"event"` // OUT, IN, FAILED
	SimUnixMs  int64                  `json:"sim_unix_ms"`
	Packet     protocol.HandoffPacket `json:"packet"`
	Error      string                 `json:"error,omitempty"`
}

// LegEntry marks the start of an authority leg.
type LegEntry struct {
	Controller string        `json:"controller"`
	Train      string        `json:"train"`
	Leg        int           `json:"leg"`
	Reason     string        `json:"reason"`
	Position   track.BlockID `json:"position"`
	Authority  float64       `json:"authority_m"`
	SimUnixMs  int64         `json:"sim_unix_ms"`
}

// Leg reasons.
const (
	LegClaim       = "CLAIM"
	LegHandoff     = "HANDOFF"
	LegReactivate  = "REACTIVATE"
	LegDwellRecalc = "DWELL_RECALC"
	LegHolding     = "HOLDING"
	LegTerminated  = "TERMINATED"
	LegEndOfLine   = "END_OF_LINE"
	LegRemoved     = "REMOVED"
)

// View is an immutable snapshot for readers. A new View replaces the old one
// after every cycle; it is never modified after publication.
type View struct {
	Controller       string    `json:"controller"`
	ProgressionCycle uint64    `json:"progression_cycle"`
	SignalCycle      uint64    `json:"signal_cycle"`
	SimTime          time.Time `json:"sim_time"`
	Status           string    `json:"status"`
	Degraded         []string  `json:"degraded,omitempty"`
	Maintenance      bool      `json:"maintenance"`

	Blocks []BlockView  `json:"blocks"`
	Trains []TrainState `json:"trains"`

	Outputs vital.State `json:"outputs"`

	Rejections          uint64 `json:"rejections"`
	InvariantViolations uint64 `json:"invariant_violations"`
	HandoffsOut         uint64 `json:"handoffs_out"`
	HandoffsIn          uint64 `json:"handoffs_in"`
}

type BlockView struct {
	ID         track.BlockID      `json:"id"`
	Managed    bool               `json:"managed"`
	Occupied   bool               `json:"occupied"`
	Closed     bool               `json:"closed"`
	SpeedLimit float64            `json:"speed_limit"`
	Switch     *int               `json:"switch,omitempty"`
	Signal     protocol.Aspect    `json:"signal,omitempty"`
	Gate       protocol.GateState `json:"gate,omitempty"`
	Train      string             `json:"train,omitempty"`
}

// Train returns the named train from the view.
func (v *View) Train(name string) (TrainState, bool) {
	for _, t := range v.Trains {
		if t.Name == name {
			return t, true
		}
	}
	return TrainState{}, false
}
