package protocol_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayside.ai/internal/protocol"
)

func TestDecodeCTCFeed_ValidAndMalformedEntries(t *testing.T) {
	raw := []byte(`{
	  "type":"CTC_FEED",
	  "protocol_version":"1.0",
	  "seq":7,
	  "closures":[12],
	  "trains":[
	    {"name":"T1","active":true,"suggested_speed":19.4,"suggested_authority":850,"position":9,"destination_station":"EDGEBROOK"},
	    {"name":"T2","active":true,"suggested_speed":"fast","suggested_authority":100,"position":3},
	    {"active":true}
	  ]
	}`)
	feed, err := protocol.DecodeCTCFeed(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), feed.Seq)
	assert.Equal(t, []int{12}, feed.Closures)
	require.Len(t, feed.Trains, 2, "nameless entries are dropped")

	assert.Equal(t, "T1", feed.Trains[0].Name)
	assert.False(t, feed.Trains[0].Malformed)
	assert.InDelta(t, 850.0, feed.Trains[0].SuggestedAuthority, 1e-9)
	assert.Equal(t, "EDGEBROOK", feed.Trains[0].Destination)

	assert.Equal(t, "T2", feed.Trains[1].Name)
	assert.True(t, feed.Trains[1].Malformed)
	assert.Zero(t, feed.Trains[1].SuggestedSpeed)
}

func TestDecodeCTCFeed_RejectsBadEnvelope(t *testing.T) {
	cases := map[string]string{
		"syntax":      `{"type":`,
		"wrong type":  `{"type":"TELEMETRY","protocol_version":"1.0","trains":[]}`,
		"no trains":   `{"type":"CTC_FEED","protocol_version":"1.0"}`,
		"bad closure": `{"type":"CTC_FEED","protocol_version":"1.0","trains":[],"closures":["x"]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := protocol.DecodeCTCFeed([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, protocol.ErrInvalid))
		})
	}
}

func TestDecodeHandoff(t *testing.T) {
	good := []byte(`{
	  "type":"HANDOFF","protocol_version":"1.0","packet_id":"p-1","train":"T1","from_controller":"W1",
	  "position":41,"prev_position":40,"direction":"FORWARD","commanded_speed":12.5,
	  "authority_remaining":300,"authority_leg_start":900,"cumulative_distance_in_leg":600,
	  "issued_unix_ms":1700000000000
	}`)
	pkt, err := protocol.DecodeHandoff(good)
	require.NoError(t, err)
	assert.Equal(t, protocol.Forward, pkt.Direction)
	assert.Equal(t, 41, pkt.Position)
	assert.InDelta(t, 600.0, pkt.CumulativeDistanceInLeg, 1e-9)

	bad := []byte(`{
	  "type":"HANDOFF","protocol_version":"1.0","packet_id":"p-1","train":"T1","from_controller":"W1",
	  "position":41,"direction":"SIDEWAYS","commanded_speed":12.5,
	  "authority_remaining":-3,"authority_leg_start":900,"cumulative_distance_in_leg":600
	}`)
	_, err = protocol.DecodeHandoff(bad)
	assert.ErrorIs(t, err, protocol.ErrInvalid)
}

func TestDecodeSwitchRequestAndTelemetry(t *testing.T) {
	req, err := protocol.DecodeSwitchRequest([]byte(`{"type":"SWITCH_REQUEST","protocol_version":"1.0","controller":"W1","block":13,"position":1}`))
	require.NoError(t, err)
	assert.Equal(t, 13, req.Block)
	assert.Equal(t, 1, req.Position)

	_, err = protocol.DecodeSwitchRequest([]byte(`{"type":"SWITCH_REQUEST","protocol_version":"1.0","controller":"W1","block":13,"position":2}`))
	assert.ErrorIs(t, err, protocol.ErrInvalid)

	tel, err := protocol.DecodeTelemetry([]byte(`{"type":"TELEMETRY","protocol_version":"1.0","trains":[{"name":"T1","actual_velocity":4.5}]}`))
	require.NoError(t, err)
	require.Len(t, tel.Trains, 1)
	assert.InDelta(t, 4.5, tel.Trains[0].ActualVelocity, 1e-9)

	occ, err := protocol.DecodeOccupancy([]byte(`{"type":"OCCUPANCY","protocol_version":"1.0","occupied":[1,2,3]}`))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, occ.Occupied)
}
