package modem

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/poll"
	"i4.energy/across/shortrange/urc"
)

// slot is the single response mailbox. Every armed command gets a fresh
// sequence number; lines and finals are only accepted while a command is
// armed, and a caller can only take the response of its own sequence.
type slot struct {
	// activity is the time of the last frame in Unix nanoseconds.
	activity atomic.Int64

	mu     sync.Mutex
	seq    uint64
	armed  bool
	done   bool
	echo   string
	resp   at.Response
	signal *poll.Signal
}

// arm opens the slot for a new command and returns its sequence number.
func (s *slot) arm(echo string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.armed = true
	s.done = false
	s.echo = echo
	s.resp = at.Response{}
	return s.seq
}

// disarm closes the slot for seq, discarding whatever arrived.
func (s *slot) disarm(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == seq {
		s.armed = false
		s.done = false
		s.resp = at.Response{}
	}
}

// take returns the completed response of seq and closes the slot.
func (s *slot) take(seq uint64) (at.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq || !s.done {
		return at.Response{}, false
	}
	resp := s.resp
	s.armed = false
	s.done = false
	s.resp = at.Response{}
	return resp, true
}

func (s *slot) touch() {
	s.activity.Store(time.Now().UnixNano())
}

func (s *slot) lastActivity() int64 {
	return s.activity.Load()
}

// isEcho reports whether line repeats the armed command.
func (s *slot) isEcho(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed && !s.done && len(s.resp.Lines) == 0 && line == s.echo
}

// appendLine records an information line. It reports false when nothing
// is armed.
func (s *slot) appendLine(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed || s.done {
		return false
	}
	s.resp.Lines = append(s.resp.Lines, line)
	return true
}

// complete stores the final result code. It reports false when nothing is
// armed, in which case the final belongs to a command that gave up.
func (s *slot) complete(final string) bool {
	s.mu.Lock()
	if !s.armed || s.done {
		s.mu.Unlock()
		return false
	}
	s.resp.Final = final
	s.done = true
	s.mu.Unlock()
	s.signal.Broadcast()
	return true
}

// Stats are counters kept by the ingress pipeline.
type Stats struct {
	Malformed uint64 `json:"malformed"`
	Orphaned  uint64 `json:"orphaned"`
	Events    uint64 `json:"events"`
	// DataDropped counts PPP bytes discarded by the bridge.
	DataDropped uint64 `json:"data_dropped"`
}

// ingress frames the byte stream, decodes every frame and routes it to the
// response slot or the URC channel. A bad frame is counted and skipped.
type ingress struct {
	codec  at.Codec
	slot   *slot
	urcs   *urc.Channel[at.Event]
	logger *slog.Logger

	buf []byte
	// skipping is set while the rest of an over-long frame is discarded.
	skipping bool

	malformed atomic.Uint64
	orphaned  atomic.Uint64
	events    atomic.Uint64
}

// Write consumes raw bytes. It never fails.
func (in *ingress) Write(p []byte) (int, error) {
	n := len(p)
	if in.skipping {
		// The rest of an over-long frame is dropped up to its delimiter.
		i := bytes.IndexAny(p, "\r\n")
		if i < 0 {
			return n, nil
		}
		p = p[i:]
		in.skipping = false
	}

	in.buf = append(in.buf, p...)
	for {
		advance, token, _ := at.Splitter(in.buf, false)
		if advance == 0 {
			break
		}
		in.buf = in.buf[advance:]
		switch {
		case len(token) > at.MaxLineLength:
			in.malformed.Add(1)
			in.logger.Warn("Discarding over-long frame", "bytes", len(token))
		case len(token) > 0:
			in.frame(token)
		}
	}

	if len(in.buf) > at.MaxLineLength {
		in.malformed.Add(1)
		in.logger.Warn("Discarding over-long frame", "bytes", len(in.buf))
		in.buf = in.buf[:0]
		in.skipping = true
	}
	if len(in.buf) == 0 {
		in.buf = nil
	}
	return n, nil
}

func (in *ingress) frame(token []byte) {
	in.slot.touch()
	f, err := in.codec.Decode(token)
	if err != nil {
		in.malformed.Add(1)
		in.logger.Warn("Malformed frame", "error", err)
		return
	}

	switch f.Type {
	case at.TypeURC:
		in.events.Add(1)
		in.urcs.Publish(f.Event)
	case at.TypeFinal:
		if !in.slot.complete(f.Line) {
			in.orphaned.Add(1)
			in.logger.Debug("Discarding orphaned response", "line", f.Line)
		}
	case at.TypeData:
		if in.slot.isEcho(f.Line) {
			return
		}
		if !in.slot.appendLine(f.Line) {
			in.orphaned.Add(1)
			in.logger.Debug("Discarding orphaned line", "line", f.Line)
		}
	}
}

func (in *ingress) stats() Stats {
	return Stats{
		Malformed: in.malformed.Load(),
		Orphaned:  in.orphaned.Load(),
		Events:    in.events.Load(),
	}
}
