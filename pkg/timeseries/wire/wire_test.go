package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeSeriesMessageRoundTrip(t *testing.T) {
	msg := &TimeSeriesMessage{
		Segment: &Segment{
			StartTs:      1700000000000000,
			Source:       "N:channel:abc",
			SamplePeriod: 4.0,
			PageStart:    1700000000000000,
			PageEnd:      1700000000399999,
			Data:         []float64{1.5, -2.25, math.Inf(1)},
		},
		TotalResponses:     3,
		ResponseSequenceID: 1,
	}

	decoded, err := UnmarshalTimeSeriesMessage(msg.Marshal())
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestEmptySegmentRoundTrip(t *testing.T) {
	msg := &TimeSeriesMessage{
		Segment:        &Segment{StartTs: 10, Source: "c1"},
		TotalResponses: 1,
	}

	decoded, err := UnmarshalTimeSeriesMessage(msg.Marshal())
	require.NoError(t, err)
	require.NotNil(t, decoded.Segment)
	assert.Empty(t, decoded.Segment.Data)
	assert.Equal(t, "c1", decoded.Segment.Source)
}

func TestStateFrame(t *testing.T) {
	for _, status := range []Status{StatusReady, StatusError, StatusDone} {
		frame := &AgentTimeSeriesResponse{
			State: &StateMessage{Status: status, Description: status.String()},
		}
		decoded, err := UnmarshalAgentResponse(frame.Marshal())
		require.NoError(t, err)
		require.NotNil(t, decoded.State)
		assert.Nil(t, decoded.Chunk)
		assert.Equal(t, status, decoded.State.Status)
		assert.Equal(t, status.String(), decoded.State.Description)
	}
}

func TestNotReadyStateIsZeroValue(t *testing.T) {
	// NOT_READY is the zero enum value, so a bare state frame decodes to it.
	frame := &AgentTimeSeriesResponse{State: &StateMessage{Status: StatusNotReady}}
	decoded, err := UnmarshalAgentResponse(frame.Marshal())
	require.NoError(t, err)
	require.NotNil(t, decoded.State)
	assert.Equal(t, StatusNotReady, decoded.State.Status)
}

func TestChunkFrameRoundTrip(t *testing.T) {
	frame := &AgentTimeSeriesResponse{
		Chunk: &ChunkResponse{
			Start: 10,
			End:   19,
			Channels: []ChannelSamples{
				{
					ChannelID:  "c1",
					Timestamps: []int64{10, 11, 12},
					Values:     []float64{0.5, 1.5, 2.5},
				},
				{
					ChannelID:  "c2",
					Timestamps: []int64{15},
					Values:     []float64{-3},
				},
			},
		},
	}

	decoded, err := UnmarshalAgentResponse(frame.Marshal())
	require.NoError(t, err)
	assert.Nil(t, decoded.State)
	assert.Equal(t, frame.Chunk, decoded.Chunk)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	// A newer peer may send fields this package does not know about.
	msg := &TimeSeriesMessage{TotalResponses: 2}
	b := msg.Marshal()
	// Append an unknown varint field 15.
	b = append(b, 0x78, 0x2a)

	decoded, err := UnmarshalTimeSeriesMessage(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), decoded.TotalResponses)
}

func TestTruncatedFrameFails(t *testing.T) {
	msg := &TimeSeriesMessage{
		Segment: &Segment{StartTs: 10, Source: "c1", Data: []float64{1, 2, 3}},
	}
	b := msg.Marshal()
	_, err := UnmarshalTimeSeriesMessage(b[:len(b)-3])
	assert.Error(t, err)
}
