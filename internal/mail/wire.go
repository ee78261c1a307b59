// Package mail implements the mail delivery FSM of spec.md §4.G: the
// sender/relay/receiver state machine driving MAILREQ/MAILACK/MAILNAK/
// MAILDAT/MAILDLV exchanges, loop and hop-limit enforcement, and the
// sender-side retry/backoff schedule.
package mail

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
)

const (
	protoName = "advBBS"
	protoVer  = "1"
)

// FrameType enumerates the mail wire frame types.
type FrameType string

const (
	FrameReq FrameType = "MAILREQ"
	FrameAck FrameType = "MAILACK"
	FrameNak FrameType = "MAILNAK"
	FrameDat FrameType = "MAILDAT"
	FrameDlv FrameType = "MAILDLV"
)

// ReqFrame is a parsed MAILREQ.
type ReqFrame struct {
	UUID              string
	FromUser, FromBBS string
	ToUser, ToBBS     string
	Hop               int
	NumParts          int
	Route             []string
}

// DatFrame is a parsed MAILDAT.
type DatFrame struct {
	UUID       string
	Part       int
	Total      int
	Payload    string // decoded chunk text
}

// Frame is the union of every parsed mail wire frame; only the fields
// matching Type are meaningful.
type Frame struct {
	Type   FrameType
	UUID   string
	Req    ReqFrame
	Reason string // MAILNAK
	Dat    DatFrame
	DlvTo  string // MAILDLV "<user>@<bbs>"
}

// EncodeReq builds a MAILREQ frame.
func EncodeReq(r ReqFrame) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%d|%d|%s",
		protoName, protoVer, FrameReq, r.UUID, r.FromUser, r.FromBBS, r.ToUser, r.ToBBS, r.Hop, r.NumParts, strings.Join(r.Route, ","))
}

// EncodeAck builds a MAILACK frame.
func EncodeAck(uuid string) string {
	return fmt.Sprintf("%s|%s|%s|%s|OK", protoName, protoVer, FrameAck, uuid)
}

// EncodeNak builds a MAILNAK frame carrying a short reason code.
func EncodeNak(uuid, reason string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", protoName, protoVer, FrameNak, uuid, reason)
}

// EncodeDat builds a MAILDAT frame; payload is base64-encoded so a chunk
// may contain pipes or other reserved bytes safely (spec.md §6).
func EncodeDat(uuid string, part, total int, payload string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	return fmt.Sprintf("%s|%s|%s|%s|%d/%d|%s", protoName, protoVer, FrameDat, uuid, part, total, encoded)
}

// EncodeDlv builds a MAILDLV frame.
func EncodeDlv(uuid, user, bbs string) string {
	return fmt.Sprintf("%s|%s|%s|%s|OK|%s@%s", protoName, protoVer, FrameDlv, uuid, user, bbs)
}

// Parse decodes a pipe-delimited mail frame, per spec.md §6's root
// framing: "<proto_name>|<version>|<type>|<payload>".
func Parse(raw string) (Frame, error) {
	fields := strings.Split(raw, "|")
	if len(fields) < 4 {
		return Frame{}, bbserr.ErrMalformedFrame
	}
	if fields[0] != protoName || fields[1] != protoVer {
		return Frame{}, bbserr.ErrIncompatibleProto
	}

	switch FrameType(fields[2]) {
	case FrameReq:
		if len(fields) != 11 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		hop, err1 := strconv.Atoi(fields[8])
		numParts, err2 := strconv.Atoi(fields[9])
		if err1 != nil || err2 != nil {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		var route []string
		if fields[10] != "" {
			route = strings.Split(fields[10], ",")
		}
		return Frame{
			Type: FrameReq,
			UUID: fields[3],
			Req: ReqFrame{
				UUID: fields[3], FromUser: fields[4], FromBBS: fields[5],
				ToUser: fields[6], ToBBS: fields[7], Hop: hop, NumParts: numParts, Route: route,
			},
		}, nil

	case FrameAck:
		if len(fields) != 5 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		return Frame{Type: FrameAck, UUID: fields[3]}, nil

	case FrameNak:
		if len(fields) != 5 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		return Frame{Type: FrameNak, UUID: fields[3], Reason: fields[4]}, nil

	case FrameDat:
		if len(fields) != 6 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		partTotal := strings.SplitN(fields[4], "/", 2)
		if len(partTotal) != 2 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		part, err1 := strconv.Atoi(partTotal[0])
		total, err2 := strconv.Atoi(partTotal[1])
		if err1 != nil || err2 != nil {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		decoded, err := base64.StdEncoding.DecodeString(fields[5])
		if err != nil {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		return Frame{Type: FrameDat, UUID: fields[3], Dat: DatFrame{UUID: fields[3], Part: part, Total: total, Payload: string(decoded)}}, nil

	case FrameDlv:
		if len(fields) != 6 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		return Frame{Type: FrameDlv, UUID: fields[3], DlvTo: fields[5]}, nil
	}

	return Frame{}, bbserr.ErrMalformedFrame
}

// IsMailFrame reports whether raw carries any of the MAIL* frame types,
// for the federation router's dispatch switch (spec.md §4.L).
func IsMailFrame(raw string) bool {
	fields := strings.SplitN(raw, "|", 4)
	if len(fields) < 3 {
		return false
	}
	switch FrameType(fields[2]) {
	case FrameReq, FrameAck, FrameNak, FrameDat, FrameDlv:
		return true
	}
	return false
}

// ParseAddress splits "<user>" or "<user>@<CALLSIGN>" into its parts.
// CALLSIGN is matched case-insensitively among peers, so it is returned
// upper-cased.
func ParseAddress(addr string) (user, bbs string) {
	at := strings.IndexByte(addr, '@')
	if at < 0 {
		return addr, ""
	}
	return addr[:at], strings.ToUpper(addr[at+1:])
}
