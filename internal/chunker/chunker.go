// Package chunker splits outbound payloads to fit the mesh radio's frame
// size limit and reassembles inbound fragments with the hybrid timeout
// described in spec.md §4.C: a fragment buffer expires when either its
// per-chunk gap or its total lifetime is exceeded, whichever fires first.
package chunker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config carries the sizing and timeout knobs a caller needs; it is a
// narrow view of config.Config so this package has no dependency on it.
type Config struct {
	ContentSize  int
	MaxChunks    int
	ChunkTimeout time.Duration
	TotalTimeout time.Duration
}

// Chunk splits payload into at most cfg.MaxChunks fragments, each prefixed
// with "[seq/total] " (1-indexed). If payload already fits in a single
// frame it is returned unchanged, matching spec.md §4.C exactly.
func Chunk(payload string, cfg Config) ([]string, error) {
	if len(payload) <= cfg.ContentSize {
		return []string{payload}, nil
	}

	// Reserve room for the "[seq/total] " header on every fragment; the
	// header grows with the digit count of seq and total, so reserve the
	// worst case (cfg.MaxChunks) so that every fragment's header fits.
	headerWidth := len(fmt.Sprintf("[%d/%d] ", cfg.MaxChunks, cfg.MaxChunks))
	bodySize := cfg.ContentSize - headerWidth
	if bodySize <= 0 {
		return nil, fmt.Errorf("chunker: content size %d too small for chunk headers", cfg.ContentSize)
	}

	total := (len(payload) + bodySize - 1) / bodySize
	if total > cfg.MaxChunks {
		return nil, fmt.Errorf("chunker: payload requires %d chunks, exceeds max %d", total, cfg.MaxChunks)
	}

	chunks := make([]string, 0, total)
	for i := 0; i < total; i++ {
		start := i * bodySize
		end := start + bodySize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, fmt.Sprintf("[%d/%d] %s", i+1, total, payload[start:end]))
	}
	return chunks, nil
}

// header is a parsed "[seq/total] " prefix.
type header struct {
	seq, total int
}

// parseHeader extracts a leading "[seq/total] " prefix, if present.
func parseHeader(frame string) (header, string, bool) {
	if !strings.HasPrefix(frame, "[") {
		return header{}, frame, false
	}
	end := strings.IndexByte(frame, ']')
	if end < 0 {
		return header{}, frame, false
	}
	inner := frame[1:end]
	slash := strings.IndexByte(inner, '/')
	if slash < 0 {
		return header{}, frame, false
	}
	seq, err1 := strconv.Atoi(inner[:slash])
	total, err2 := strconv.Atoi(inner[slash+1:])
	if err1 != nil || err2 != nil || seq < 1 || total < 1 || seq > total {
		return header{}, frame, false
	}
	rest := frame[end+1:]
	rest = strings.TrimPrefix(rest, " ")
	return header{seq: seq, total: total}, rest, true
}

// buffer is an in-flight reassembly, keyed by (sender, total).
type buffer struct {
	total     int
	parts     map[int]string
	created   time.Time
	lastChunk time.Time
}

func (b *buffer) complete() bool { return len(b.parts) == b.total }

func (b *buffer) assemble() string {
	var sb strings.Builder
	for i := 1; i <= b.total; i++ {
		sb.WriteString(b.parts[i])
	}
	return sb.String()
}

// key identifies one reassembly buffer by sender node and fragment count,
// per spec.md §4.C ("Inbound reassembly keyed by (sender_node, total)").
type key struct {
	sender string
	total  int
}

// Reassembler owns the pending-fragment table. It is not safe for
// concurrent use from multiple goroutines: per spec.md §5 this table is
// owned by the scheduler and mutated only from cooperative context.
type Reassembler struct {
	cfg     Config
	buffers map[key]*buffer
	now     func() time.Time
}

// NewReassembler constructs a Reassembler using cfg's timeouts.
func NewReassembler(cfg Config) *Reassembler {
	return &Reassembler{
		cfg:     cfg,
		buffers: make(map[key]*buffer),
		now:     time.Now,
	}
}

// Feed processes one inbound frame from sender. If the frame carries no
// bracketed header it is delivered immediately as a single-fragment
// payload. Otherwise it is buffered; Feed returns (payload, true) once the
// buffer completes, and (_, false) while reassembly is still pending.
func (r *Reassembler) Feed(sender, frame string) (string, bool) {
	hdr, rest, ok := parseHeader(frame)
	if !ok {
		return frame, true
	}

	now := r.now()
	k := key{sender: sender, total: hdr.total}
	b, exists := r.buffers[k]
	if !exists {
		b = &buffer{total: hdr.total, parts: make(map[int]string), created: now}
		r.buffers[k] = b
	}
	b.parts[hdr.seq] = rest
	b.lastChunk = now

	if b.complete() {
		payload := b.assemble()
		delete(r.buffers, k)
		return payload, true
	}
	return "", false
}

// Sweep drops any buffer whose per-chunk gap or total lifetime has been
// exceeded, per spec.md §4.C's hybrid timeout. Intended to be driven by
// the scheduler's periodic chunk-cleanup tick.
func (r *Reassembler) Sweep() {
	now := r.now()
	for k, b := range r.buffers {
		if now.Sub(b.lastChunk) > r.cfg.ChunkTimeout || now.Sub(b.created) > r.cfg.TotalTimeout {
			delete(r.buffers, k)
		}
	}
}

// Pending reports the number of in-flight reassembly buffers (for
// admin/diagnostic surfaces).
func (r *Reassembler) Pending() int { return len(r.buffers) }
