// Package wire defines the binary protocol spoken over the timeseries
// WebSocket: the remote streaming service's TimeSeriesMessage frames and
// the agent's AgentTimeSeriesResponse frames sent back to local clients.
//
// Messages are encoded directly with protowire. Field numbers are fixed
// here and nowhere else; both ends of each message live in this package,
// so no generated code is checked in.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Status codes carried by StateMessage.
type Status int32

const (
	StatusNotReady Status = 0
	StatusReady    Status = 1
	StatusError    Status = 2
	StatusDone     Status = 3
)

// String returns the protocol name of the status.
func (s Status) String() string {
	switch s {
	case StatusNotReady:
		return "NOT_READY"
	case StatusReady:
		return "READY"
	case StatusError:
		return "ERROR"
	case StatusDone:
		return "DONE"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Segment is one run of samples for one channel, as streamed by the
// remote service. An empty Data slice means the window holds no samples.
type Segment struct {
	StartTs      int64     // field 1
	Source       string    // field 2
	SamplePeriod float64   // field 3, µs between samples
	PageStart    int64     // field 4
	PageEnd      int64     // field 5
	Data         []float64 // field 6, packed
}

// TimeSeriesMessage is one frame from the remote streaming service.
// TotalResponses and ResponseSequenceID drive the per-page countdown:
// the page group identified by (Source, PageStart, PageEnd) is complete
// once ResponseSequenceID reaches TotalResponses-1.
type TimeSeriesMessage struct {
	Segment            *Segment // field 1
	TotalResponses     uint32   // field 2
	ResponseSequenceID uint32   // field 3
}

// StateMessage reports request progress to the local client.
type StateMessage struct {
	Status      Status // field 1
	Description string // field 2
}

// ChannelSamples is one channel's compacted points within a chunk.
type ChannelSamples struct {
	ChannelID  string    // field 1
	Timestamps []int64   // field 2, packed
	Values     []float64 // field 3, packed
}

// ChunkResponse is one fixed-duration slice of response data.
type ChunkResponse struct {
	Start    int64            // field 1
	End      int64            // field 2
	Channels []ChannelSamples // field 3
}

// AgentTimeSeriesResponse is one frame to the local client: either a
// state transition or a data chunk, never both.
type AgentTimeSeriesResponse struct {
	State *StateMessage  // field 1
	Chunk *ChunkResponse // field 2
}

// ========================================================================
// Encoding
// ========================================================================

func appendSegment(b []byte, s *Segment) []byte {
	if s.StartTs != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.StartTs))
	}
	if s.Source != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s.Source)
	}
	if s.SamplePeriod != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, floatBits(s.SamplePeriod))
	}
	if s.PageStart != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.PageStart))
	}
	if s.PageEnd != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.PageEnd))
	}
	if len(s.Data) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		packed := make([]byte, 0, len(s.Data)*8)
		for _, v := range s.Data {
			packed = protowire.AppendFixed64(packed, floatBits(v))
		}
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

// Marshal encodes the message.
func (m *TimeSeriesMessage) Marshal() []byte {
	var b []byte
	if m.Segment != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSegment(nil, m.Segment))
	}
	if m.TotalResponses != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TotalResponses))
	}
	if m.ResponseSequenceID != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ResponseSequenceID))
	}
	return b
}

// Marshal encodes the response frame.
func (r *AgentTimeSeriesResponse) Marshal() []byte {
	var b []byte
	if r.State != nil {
		var s []byte
		if r.State.Status != 0 {
			s = protowire.AppendTag(s, 1, protowire.VarintType)
			s = protowire.AppendVarint(s, uint64(r.State.Status))
		}
		if r.State.Description != "" {
			s = protowire.AppendTag(s, 2, protowire.BytesType)
			s = protowire.AppendString(s, r.State.Description)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	if r.Chunk != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendChunk(nil, r.Chunk))
	}
	return b
}

func appendChunk(b []byte, c *ChunkResponse) []byte {
	if c.Start != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Start))
	}
	if c.End != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.End))
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		var s []byte
		s = protowire.AppendTag(s, 1, protowire.BytesType)
		s = protowire.AppendString(s, ch.ChannelID)
		if len(ch.Timestamps) > 0 {
			s = protowire.AppendTag(s, 2, protowire.BytesType)
			var packed []byte
			for _, ts := range ch.Timestamps {
				packed = protowire.AppendVarint(packed, uint64(ts))
			}
			s = protowire.AppendBytes(s, packed)
		}
		if len(ch.Values) > 0 {
			s = protowire.AppendTag(s, 3, protowire.BytesType)
			packed := make([]byte, 0, len(ch.Values)*8)
			for _, v := range ch.Values {
				packed = protowire.AppendFixed64(packed, floatBits(v))
			}
			s = protowire.AppendBytes(s, packed)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return b
}

// ========================================================================
// Decoding
// ========================================================================

// UnmarshalTimeSeriesMessage decodes one frame from the remote service.
func UnmarshalTimeSeriesMessage(b []byte) (*TimeSeriesMessage, error) {
	var m TimeSeriesMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			seg, err := unmarshalSegment(v)
			if err != nil {
				return nil, err
			}
			m.Segment = seg
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.TotalResponses = uint32(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.ResponseSequenceID = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &m, nil
}

func unmarshalSegment(b []byte) (*Segment, error) {
	var s Segment
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.StartTs = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Source = v
			b = b[n:]
		case num == 3 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.SamplePeriod = floatFromBits(v)
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.PageStart = int64(v)
			b = b[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.PageEnd = int64(v)
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, n := protowire.ConsumeFixed64(packed)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				s.Data = append(s.Data, floatFromBits(v))
				packed = packed[n:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &s, nil
}

// UnmarshalAgentResponse decodes one frame sent to a local client.
// Primarily used by tests and diagnostic tooling.
func UnmarshalAgentResponse(b []byte) (*AgentTimeSeriesResponse, error) {
	var r AgentTimeSeriesResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			state, err := unmarshalState(v)
			if err != nil {
				return nil, err
			}
			r.State = state
		case 2:
			chunk, err := unmarshalChunk(v)
			if err != nil {
				return nil, err
			}
			r.Chunk = chunk
		}
	}
	return &r, nil
}

func unmarshalState(b []byte) (*StateMessage, error) {
	var s StateMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Status = Status(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Description = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &s, nil
}

func unmarshalChunk(b []byte) (*ChunkResponse, error) {
	var c ChunkResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			c.Start = int64(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			c.End = int64(v)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ch, err := unmarshalChannelSamples(v)
			if err != nil {
				return nil, err
			}
			c.Channels = append(c.Channels, *ch)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &c, nil
}

func unmarshalChannelSamples(b []byte) (*ChannelSamples, error) {
	var ch ChannelSamples
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ch.ChannelID = v
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				ch.Timestamps = append(ch.Timestamps, int64(v))
				packed = packed[n:]
			}
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, n := protowire.ConsumeFixed64(packed)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				ch.Values = append(ch.Values, floatFromBits(v))
				packed = packed[n:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &ch, nil
}
