package protocol

// Direction is the travel direction of a train relative to block numbering.
type Direction string

const (
	Forward Direction = "FORWARD"
	Reverse Direction = "REVERSE"
)

func (d Direction) Opposite() Direction {
	if d == Reverse {
		return Forward
	}
	return Reverse
}

// Aspect is a wayside signal indication, ordered from least to most restrictive.
type Aspect string

const (
	SuperGreen Aspect = "SUPER_GREEN"
	Green      Aspect = "GREEN"
	Yellow     Aspect = "YELLOW"
	Red        Aspect = "RED"
)

// Restrictiveness ranks aspects; higher is more restrictive. Unknown aspects rank as Red.
func (a Aspect) Restrictiveness() int {
	switch a {
	case SuperGreen:
		return 0
	case Green:
		return 1
	case Yellow:
		return 2
	default:
		return 3
	}
}

type GateState string

const (
	GateUp   GateState = "UP"
	GateDown GateState = "DOWN"
)

type TrainMotion string

const (
	Moving  TrainMotion = "MOVING"
	Stopped TrainMotion = "STOPPED"
)

// CTC_FEED (ctc -> wayside)
type CTCFeedMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Seq             uint64     `json:"seq"`
	Trains          []CTCTrain `json:"trains"`
	Closures        []int      `json:"closures,omitempty"`
}

type CTCTrain struct {
	Name               string  `json:"name"`
	Active             bool    `json:"active"`
	SuggestedSpeed     float64 `json:"suggested_speed"`     // m/s
	SuggestedAuthority float64 `json:"suggested_authority"` // metres
	Position           int     `json:"position"`
	Destination        string  `json:"destination_station,omitempty"`

	// Malformed marks an entry that failed validation; it carries no command.
	Malformed bool `json:"-"`
}

// TELEMETRY (train model -> wayside)
type TelemetryMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Trains          []TrainTelemetry `json:"trains"`
}

type TrainTelemetry struct {
	Name           string  `json:"name"`
	ActualVelocity float64 `json:"actual_velocity"` // m/s
}

// OCCUPANCY (track model -> wayside)
type OccupancyMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Occupied        []int  `json:"occupied"`
}

// HANDOFF (wayside -> wayside). Ownership of the train travels with the packet.
type HandoffPacket struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PacketID        string `json:"packet_id"`
	Train           string `json:"train"`
	From            string `json:"from_controller"`

	Position     int       `json:"position"`
	PrevPosition int       `json:"prev_position"`
	Direction    Direction `json:"direction"`
	BlockOffset  float64   `json:"block_offset,omitempty"`

	CommandedSpeed          float64 `json:"commanded_speed"`
	AuthorityRemaining      float64 `json:"authority_remaining"`
	AuthorityLegStart       float64 `json:"authority_leg_start"`
	CumulativeDistanceInLeg float64 `json:"cumulative_distance_in_leg"`
	LastGrantedAuthority    float64 `json:"last_granted_authority,omitempty"`

	Destination    string `json:"destination_station,omitempty"`
	CurrentStation string `json:"current_station,omitempty"`
	NextStation    string `json:"next_station,omitempty"`

	IssuedUnixMs int64 `json:"issued_unix_ms"`
}

// TRAIN_COMMANDS (wayside -> train controller)
type TrainCommandsMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Controller      string         `json:"controller"`
	Cycle           uint64         `json:"cycle"`
	Commands        []TrainCommand `json:"commands"`
}

type TrainCommand struct {
	Train              string  `json:"train"`
	CommandedSpeed     float64 `json:"commanded_speed"`
	CommandedAuthority float64 `json:"commanded_authority"`
	CurrentStation     string  `json:"current_station,omitempty"`
	NextStation        string  `json:"next_station,omitempty"`
}

// WAYSIDE_OUTPUTS (wayside -> track model)
type WaysideOutputsMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Controller      string            `json:"controller"`
	Cycle           uint64            `json:"cycle"`
	Switches        map[int]int       `json:"switches"`
	Signals         map[int]Aspect    `json:"signals"`
	Gates           map[int]GateState `json:"gates"`
}

// CTC_REPORT (wayside -> ctc)
type CTCReportMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Controller      string        `json:"controller"`
	Reports         []TrainReport `json:"reports"`
}

type TrainReport struct {
	Train    string      `json:"train"`
	Position int         `json:"position"`
	State    TrainMotion `json:"state"`
	Active   bool        `json:"active"`
}

// SWITCH_REQUEST (maintenance ui -> wayside)
type SwitchRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Controller      string `json:"controller"`
	Block           int    `json:"block"`
	Position        int    `json:"position"`
	Operator        string `json:"operator,omitempty"`
}

type SwitchResponse struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HELLO (collaborator -> wayside), first message on the websocket.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name"`
	// Role selects the outgoing stream: ctc gets CTC_REPORT, train gets
	// TRAIN_COMMANDS, track gets WAYSIDE_OUTPUTS. Empty receives all three.
	Role string `json:"role,omitempty"`
}

type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	Controllers     []string `json:"controllers"`
}

// ERROR (wayside -> collaborator) answers a rejected input document.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Reason          string `json:"reason,omitempty"`
}
