package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeCTCFeed        = "CTC_FEED"
	TypeTelemetry      = "TELEMETRY"
	TypeOccupancy      = "OCCUPANCY"
	TypeHandoff        = "HANDOFF"
	TypeSwitchRequest  = "SWITCH_REQUEST"
	TypeWaysideOutputs = "WAYSIDE_OUTPUTS"
	TypeTrainCommands  = "TRAIN_COMMANDS"
	TypeCTCReport      = "CTC_REPORT"

	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeError   = "ERROR"
)

// Collaborator roles on the websocket transport.
const (
	RoleCTC   = "ctc"
	RoleTrain = "train"
	RoleTrack = "track"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
