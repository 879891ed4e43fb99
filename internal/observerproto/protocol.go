package observerproto

import (
	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/wayside"
)

// Version is the observer protocol version (separate from the collaborator protocol).
const Version = "1.0"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeWelcome   = "WELCOME"
	TypeViews     = "VIEWS"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Controllers filters the stream; empty means every controller of the line.
	Controllers []string `json:"controllers,omitempty"`
	// IntervalMs is how often the server checks for new views (wall clock).
	IntervalMs int `json:"interval_ms"`
}

// Server -> Client, once after the first SUBSCRIBE.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
}

// HTTP response for GET /observer/v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string           `json:"protocol_version"`
	Line            string           `json:"line"`
	SimUnixMs       int64            `json:"sim_unix_ms"`
	Multiplier      float64          `json:"multiplier"`
	Degraded        bool             `json:"degraded_topology,omitempty"`
	Controllers     []ControllerInfo `json:"controllers"`
	Blocks          []BlockInfo      `json:"blocks"`
}

type ControllerInfo struct {
	ID      string `json:"id"`
	Module  string `json:"module"`
	Managed string `json:"managed"`
	Visible string `json:"visible,omitempty"`
}

// BlockInfo is the static description of one block.
type BlockInfo struct {
	ID          int     `json:"id"`
	Length      float64 `json:"length_m"`
	SpeedLimit  float64 `json:"speed_limit"`
	ForwardNext int     `json:"forward_next"`
	ReverseNext int     `json:"reverse_next"`
	BranchNext  int     `json:"branch_next,omitempty"`
	Station     string  `json:"station,omitempty"`
	Yard        bool    `json:"yard,omitempty"`
	Switch      bool    `json:"switch,omitempty"`
	Gate        bool    `json:"gate,omitempty"`
	Signal      bool    `json:"signal,omitempty"`
	Owner       string  `json:"owner,omitempty"`
}

// Server -> Client. Sent when any subscribed controller publishes a new view.
type ViewsMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Seq             uint64          `json:"seq"`
	SimUnixMs       int64           `json:"sim_unix_ms"`
	Views           []*wayside.View `json:"views"`
}

// HTTP request for POST /observer/v1/maintenance.
type MaintenanceRequest struct {
	Controller string `json:"controller"`
	On         bool   `json:"on"`
}

// HTTP request for POST /observer/v1/multiplier.
type MultiplierRequest struct {
	Multiplier float64 `json:"multiplier"`
}

// ErrorResponse is the body of every non-2xx observer reply.
type ErrorResponse struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// SwitchResponse echoes the controller's verdict on a manual switch request.
type SwitchResponse = protocol.SwitchResponse
