// Package rap implements the Route Announcement Protocol: a
// distance-vector router over the federation mesh with peer heartbeats,
// a per-peer health FSM, and route expiry (spec.md §4.F). Frame shapes
// and health-transition rules follow spec.md exactly; the periodic-timer
// and peer-table structuring generalize a single-peer liveness loop to N
// radio peers.
package rap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

// ProtoName and Version identify the current wire protocol (spec.md §6).
// A stale "FQ51" prefix from a prior incompatible protocol MUST be
// rejected at parse time.
const (
	ProtoName      = "advBBS"
	Version        = "1"
	staleProtoName = "FQ51"
)

// FrameType enumerates the RAP frame kinds (spec.md §4.F).
type FrameType string

const (
	FramePing   FrameType = "RAP_PING"
	FramePong   FrameType = "RAP_PONG"
	FrameRoutes FrameType = "RAP_ROUTES"
)

// RouteEntry is one triple in a route table advertisement.
type RouteEntry struct {
	Callsign string
	Hop      int
	Quality  float64
}

// EncodeRouteTable joins entries as ";"-separated "callsign:hop:quality"
// triples (spec.md §4.F).
func EncodeRouteTable(entries []RouteEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s:%d:%s", e.Callsign, e.Hop, strconv.FormatFloat(e.Quality, 'f', -1, 64)))
	}
	return strings.Join(parts, ";")
}

// DecodeRouteTable parses the ";"-joined triples back into entries.
func DecodeRouteTable(s string) ([]RouteEntry, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ";")
	entries := make([]RouteEntry, 0, len(fields))
	for _, f := range fields {
		parts := strings.Split(f, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: route triple %q", bbserr.ErrMalformedFrame, f)
		}
		hop, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: hop %q: %v", bbserr.ErrMalformedFrame, parts[1], err)
		}
		quality, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: quality %q: %v", bbserr.ErrMalformedFrame, parts[2], err)
		}
		entries = append(entries, RouteEntry{Callsign: parts[0], Hop: hop, Quality: quality})
	}
	return entries, nil
}

// EncodePing builds a "PROTO|1|RAP_PING|<ts_us>" frame.
func EncodePing(tsUs int64) string {
	return strings.Join([]string{ProtoName, Version, string(FramePing), strconv.FormatInt(tsUs, 10)}, "|")
}

// EncodePong builds a "PROTO|1|RAP_PONG|<ts_us>|<route_table>" frame.
func EncodePong(tsUs int64, routes []RouteEntry) string {
	return strings.Join([]string{ProtoName, Version, string(FramePong), strconv.FormatInt(tsUs, 10), EncodeRouteTable(routes)}, "|")
}

// EncodeRoutes builds a "PROTO|1|RAP_ROUTES|<route_table>" frame.
func EncodeRoutes(routes []RouteEntry) string {
	return strings.Join([]string{ProtoName, Version, string(FrameRoutes), EncodeRouteTable(routes)}, "|")
}

// Frame is a parsed RAP frame.
type Frame struct {
	Type   FrameType
	TsUs   int64
	Routes []RouteEntry
}

// Parse decodes a pipe-delimited frame, rejecting anything not carrying
// the current proto name/version — including the stale "FQ51" prefix
// that spec.md §6 requires to be rejected outright.
func Parse(raw string) (Frame, error) {
	fields := strings.Split(raw, "|")
	if len(fields) < 3 {
		return Frame{}, bbserr.ErrMalformedFrame
	}
	if fields[0] == staleProtoName {
		return Frame{}, bbserr.ErrIncompatibleProto
	}
	if fields[0] != ProtoName || fields[1] != Version {
		return Frame{}, bbserr.ErrIncompatibleProto
	}

	switch FrameType(fields[2]) {
	case FramePing:
		if len(fields) != 4 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		ts, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: ping ts: %v", bbserr.ErrMalformedFrame, err)
		}
		return Frame{Type: FramePing, TsUs: ts}, nil

	case FramePong:
		if len(fields) != 5 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		ts, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: pong ts: %v", bbserr.ErrMalformedFrame, err)
		}
		routes, err := DecodeRouteTable(fields[4])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FramePong, TsUs: ts, Routes: routes}, nil

	case FrameRoutes:
		if len(fields) != 4 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		routes, err := DecodeRouteTable(fields[3])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameRoutes, Routes: routes}, nil

	default:
		return Frame{}, bbserr.ErrMalformedFrame
	}
}

// IsRAPFrame reports whether raw's third field names a RAP_* frame type,
// used by the federation router's demux (spec.md §4.L).
func IsRAPFrame(raw string) bool {
	fields := strings.SplitN(raw, "|", 4)
	if len(fields) < 3 {
		return false
	}
	return strings.HasPrefix(fields[2], "RAP_")
}
