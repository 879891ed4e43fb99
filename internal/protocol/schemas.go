package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalid wraps every schema or syntax failure returned by the Decode helpers.
var ErrInvalid = errors.New("protocol: invalid document")

const feedEnvelopeSchema = `{
  "type": "object",
  "required": ["type", "protocol_version", "trains"],
  "properties": {
    "type": {"const": "CTC_FEED"},
    "protocol_version": {"type": "string"},
    "seq": {"type": "integer", "minimum": 0},
    "trains": {"type": "array", "items": {"type": "object"}},
    "closures": {"type": "array", "items": {"type": "integer"}}
  }
}`

const feedTrainSchema = `{
  "type": "object",
  "required": ["name", "active", "suggested_speed", "suggested_authority", "position"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "active": {"type": "boolean"},
    "suggested_speed": {"type": "number", "minimum": 0},
    "suggested_authority": {"type": "number", "minimum": 0},
    "position": {"type": "integer"},
    "destination_station": {"type": "string"}
  }
}`

const telemetrySchema = `{
  "type": "object",
  "required": ["type", "protocol_version", "trains"],
  "properties": {
    "type": {"const": "TELEMETRY"},
    "protocol_version": {"type": "string"},
    "trains": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "actual_velocity"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "actual_velocity": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

const occupancySchema = `{
  "type": "object",
  "required": ["type", "protocol_version", "occupied"],
  "properties": {
    "type": {"const": "OCCUPANCY"},
    "protocol_version": {"type": "string"},
    "occupied": {"type": "array", "items": {"type": "integer"}}
  }
}`

const handoffSchema = `{
  "type": "object",
  "required": ["type", "protocol_version", "packet_id", "train", "from_controller", "position",
               "direction", "commanded_speed", "authority_remaining", "authority_leg_start",
               "cumulative_distance_in_leg"],
  "properties": {
    "type": {"const": "HANDOFF"},
    "protocol_version": {"type": "string"},
    "packet_id": {"type": "string", "minLength": 1},
    "train": {"type": "string", "minLength": 1},
    "from_controller": {"type": "string", "minLength": 1},
    "position": {"type": "integer"},
    "prev_position": {"type": "integer"},
    "direction": {"enum": ["FORWARD", "REVERSE"]},
    "block_offset": {"type": "number", "minimum": 0},
    "commanded_speed": {"type": "number", "minimum": 0},
    "authority_remaining": {"type": "number", "minimum": 0},
    "authority_leg_start": {"type": "number", "minimum": 0},
    "cumulative_distance_in_leg": {"type": "number", "minimum": 0},
    "issued_unix_ms": {"type": "integer"}
  }
}`

const switchRequestSchema = `{
  "type": "object",
  "required": ["type", "protocol_version", "controller", "block", "position"],
  "properties": {
    "type": {"const": "SWITCH_REQUEST"},
    "protocol_version": {"type": "string"},
    "controller": {"type": "string", "minLength": 1},
    "block": {"type": "integer"},
    "position": {"enum": [0, 1]},
    "operator": {"type": "string"}
  }
}`

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[string]*jsonschema.Schema
)

func compiled(name string) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		srcs := map[string]string{
			"feed.schema.json":           feedEnvelopeSchema,
			"feed_train.schema.json":     feedTrainSchema,
			"telemetry.schema.json":      telemetrySchema,
			"occupancy.schema.json":      occupancySchema,
			"handoff.schema.json":        handoffSchema,
			"switch_request.schema.json": switchRequestSchema,
		}
		schemas = make(map[string]*jsonschema.Schema, len(srcs))
		for n, src := range srcs {
			s, err := jsonschema.CompileString(n, src)
			if err != nil {
				schemaErr = fmt.Errorf("compile %s: %w", n, err)
				return
			}
			schemas[n] = s
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	s, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", name)
	}
	return s, nil
}

func validate(name string, b []byte) (any, error) {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s, err := compiled(name)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return doc, nil
}

func decodeValid(name string, b []byte, v any) error {
	if _, err := validate(name, b); err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// DecodeCTCFeed validates the feed envelope and each train entry separately.
// An entry that fails validation is kept, flagged Malformed, so the caller can
// treat it as "no command" instead of dropping the whole feed.
func DecodeCTCFeed(b []byte) (CTCFeedMsg, error) {
	if _, err := validate("feed.schema.json", b); err != nil {
		return CTCFeedMsg{}, err
	}
	var env struct {
		Type            string            `json:"type"`
		ProtocolVersion string            `json:"protocol_version"`
		Seq             uint64            `json:"seq"`
		Trains          []json.RawMessage `json:"trains"`
		Closures        []int             `json:"closures"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return CTCFeedMsg{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msg := CTCFeedMsg{
		Type:            env.Type,
		ProtocolVersion: env.ProtocolVersion,
		Seq:             env.Seq,
		Closures:        env.Closures,
		Trains:          make([]CTCTrain, 0, len(env.Trains)),
	}
	for _, raw := range env.Trains {
		var tr CTCTrain
		if err := decodeValid("feed_train.schema.json", raw, &tr); err != nil {
			var named struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(raw, &named)
			if named.Name == "" {
				continue
			}
			tr = CTCTrain{Name: named.Name, Malformed: true}
		}
		msg.Trains = append(msg.Trains, tr)
	}
	return msg, nil
}

func DecodeTelemetry(b []byte) (TelemetryMsg, error) {
	var m TelemetryMsg
	err := decodeValid("telemetry.schema.json", b, &m)
	return m, err
}

func DecodeOccupancy(b []byte) (OccupancyMsg, error) {
	var m OccupancyMsg
	err := decodeValid("occupancy.schema.json", b, &m)
	return m, err
}

func DecodeHandoff(b []byte) (HandoffPacket, error) {
	var m HandoffPacket
	err := decodeValid("handoff.schema.json", b, &m)
	return m, err
}

func DecodeSwitchRequest(b []byte) (SwitchRequestMsg, error) {
	var m SwitchRequestMsg
	err := decodeValid("switch_request.schema.json", b, &m)
	return m, err
}
