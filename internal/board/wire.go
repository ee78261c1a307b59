// Package board implements the board sync engine of spec.md §4.H: batch
// triggers, the BOARDREQ/ACK/NAK/DAT/DLV exchange, and per-UUID dedup
// across peers.
package board

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

	// recordSep (0x1F, ASCII US) separates records and fieldSep (0x1E,
	// ASCII RS) separates fields in spec.md §4.H's batch payload encoding.
	recordSep = "\x1f"
	fieldSep  = "\x1e"
)

// FrameType enumerates the board wire frame types.
type FrameType string

const (
	FrameReq FrameType = "BOARDREQ"
	FrameAck FrameType = "BOARDACK"
	FrameNak FrameType = "BOARDNAK"
	FrameDat FrameType = "BOARDDAT"
	FrameDlv FrameType = "BOARDDLV"
)

// Post is one record of a board-sync batch payload.
type Post struct {
	UUID        string
	Author      string
	OriginBBS   string
	TimestampUs int64
	Subject     string
	Body        string
}

// Frame is the union of every parsed board wire frame.
type Frame struct {
	Type    FrameType
	Board   string
	Count   int
	SinceUs int64
	Reason  string
	Part    int
	Total   int
	Payload string // decoded batch payload text (BOARDDAT only)
}

// EncodeReq builds a BOARDREQ frame.
func EncodeReq(board string, count int, sinceUs int64) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d", protoName, protoVer, FrameReq, board, count, sinceUs)
}

// EncodeAck builds a BOARDACK frame.
func EncodeAck(board string) string {
	return fmt.Sprintf("%s|%s|%s|%s", protoName, protoVer, FrameAck, board)
}

// EncodeNak builds a BOARDNAK frame carrying a short reason code.
func EncodeNak(board, reason string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", protoName, protoVer, FrameNak, board, reason)
}

// EncodeDat builds a BOARDDAT frame; payload is base64-encoded since the
// batch payload itself may legitimately contain pipe characters within
// post bodies.
func EncodeDat(board string, part, total int, payload string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	return fmt.Sprintf("%s|%s|%s|%s|%d/%d|%s", protoName, protoVer, FrameDat, board, part, total, encoded)
}

// EncodeDlv builds a BOARDDLV frame.
func EncodeDlv(board string) string {
	return fmt.Sprintf("%s|%s|%s|%s", protoName, protoVer, FrameDlv, board)
}

// EncodeBatch concatenates posts into the RS/GS-delimited payload of
// spec.md §4.H: "uuid, author, origin_bbs, timestamp_us, subject, body".
func EncodeBatch(posts []Post) string {
	records := make([]string, len(posts))
	for i, p := range posts {
		records[i] = strings.Join([]string{
			p.UUID, p.Author, p.OriginBBS, strconv.FormatInt(p.TimestampUs, 10), p.Subject, p.Body,
		}, fieldSep)
	}
	return strings.Join(records, recordSep)
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(payload string) ([]Post, error) {
	if payload == "" {
		return nil, nil
	}
	records := strings.Split(payload, recordSep)
	posts := make([]Post, 0, len(records))
	for _, rec := range records {
		fields := strings.Split(rec, fieldSep)
		if len(fields) != 6 {
			return nil, bbserr.ErrMalformedFrame
		}
		ts, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, bbserr.ErrMalformedFrame
		}
		posts = append(posts, Post{
			UUID: fields[0], Author: fields[1], OriginBBS: fields[2],
			TimestampUs: ts, Subject: fields[4], Body: fields[5],
		})
	}
	return posts, nil
}

// Parse decodes a pipe-delimited board frame, per spec.md §6's root
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
		if len(fields) != 6 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		count, err1 := strconv.Atoi(fields[4])
		since, err2 := strconv.ParseInt(fields[5], 10, 64)
		if err1 != nil || err2 != nil {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		return Frame{Type: FrameReq, Board: fields[3], Count: count, SinceUs: since}, nil

	case FrameAck:
		if len(fields) != 4 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		return Frame{Type: FrameAck, Board: fields[3]}, nil

	case FrameNak:
		if len(fields) != 5 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		return Frame{Type: FrameNak, Board: fields[3], Reason: fields[4]}, nil

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
		return Frame{Type: FrameDat, Board: fields[3], Part: part, Total: total, Payload: string(decoded)}, nil

	case FrameDlv:
		if len(fields) != 4 {
			return Frame{}, bbserr.ErrMalformedFrame
		}
		return Frame{Type: FrameDlv, Board: fields[3]}, nil
	}

	return Frame{}, bbserr.ErrMalformedFrame
}

// IsBoardFrame reports whether raw carries any of the BOARD* frame types,
// for the federation router's dispatch switch (spec.md §4.L).
func IsBoardFrame(raw string) bool {
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
