// Package streambuf implements the shared byte-buffer abstraction used by
// the transport, ISO framing, and DVC layers to build wire frames
// inside-out: a payload is written first, and a previously reserved
// header region is filled in afterwards once the payload length is known.
package streambuf

import (
	"fmt"
	"io"
)

// Stream is a contiguously allocated byte region with three cursors and a
// set of named layer markers. The invariant data <= p <= end <= cap(data)
// holds after every operation; Grow preserves the relative position of p,
// end, and every marker across reallocation.
type Stream struct {
	data    []byte
	p       int
	end     int
	markers map[string]int
}

// New allocates a Stream with the given initial capacity.
func New(capacity int) *Stream {
	return &Stream{
		data:    make([]byte, capacity),
		markers: make(map[string]int),
	}
}

// Len returns the number of readable/writable bytes between p and end.
func (s *Stream) Len() int {
	return s.end - s.p
}

// Capacity returns the total allocated size of the underlying buffer.
func (s *Stream) Capacity() int {
	return len(s.data)
}

// Pos returns the current cursor position.
func (s *Stream) Pos() int {
	return s.p
}

// End returns the logical end-of-data position.
func (s *Stream) End() int {
	return s.end
}

// Bytes returns the slice of data between p and end.
func (s *Stream) Bytes() []byte {
	return s.data[s.p:s.end]
}

// All returns the full writable region from the buffer origin to end,
// used by layers that rewind p back to a saved marker to fill in a header.
func (s *Stream) All() []byte {
	return s.data[:s.end]
}

// Seek repositions p to an absolute offset from the buffer origin.
func (s *Stream) Seek(offset int) {
	s.p = offset
}

// Advance moves p forward by n bytes, growing the buffer if necessary.
func (s *Stream) Advance(n int) {
	s.ensure(s.p + n)
	s.p += n
	if s.p > s.end {
		s.end = s.p
	}
}

// MarkEnd sets end to the current position p, fixing the logical size of
// the frame being built.
func (s *Stream) MarkEnd() {
	s.end = s.p
}

// Reset clears all cursors and markers without releasing the backing array.
func (s *Stream) Reset() {
	s.p = 0
	s.end = 0
	for k := range s.markers {
		delete(s.markers, k)
	}
}

// PushLayer saves the current position p under name and advances p by n
// bytes, reserving room for a header that will be filled in later via
// PopLayer. It returns the offset that was saved.
func (s *Stream) PushLayer(name string, n int) int {
	s.ensure(s.p + n)
	mark := s.p
	s.markers[name] = mark
	s.p += n
	if s.p > s.end {
		s.end = s.p
	}
	return mark
}

// PopLayer rewinds p back to the position saved under name by an earlier
// PushLayer, so the caller can write the header now that the payload
// length is known. It panics if name was never pushed: that is always a
// programming error in this codebase's layering, not a runtime condition.
func (s *Stream) PopLayer(name string) int {
	mark, ok := s.markers[name]
	if !ok {
		panic(fmt.Sprintf("streambuf: PopLayer(%q): no such marker", name))
	}
	s.p = mark
	return mark
}

// Marker returns the position saved under name, and whether it exists.
func (s *Stream) Marker(name string) (int, bool) {
	mark, ok := s.markers[name]
	return mark, ok
}

// Grow ensures the buffer can hold at least n bytes total, preserving p,
// end, and every marker's relative offset from the buffer origin.
func (s *Stream) Grow(n int) {
	s.ensure(n)
}

func (s *Stream) ensure(n int) {
	if n <= len(s.data) {
		return
	}
	grown := make([]byte, n)
	copy(grown, s.data)
	s.data = grown
}

// Write appends b at the current position, advancing p (and end, if the
// write extends past it) and growing the buffer as needed.
func (s *Stream) Write(b []byte) (int, error) {
	s.ensure(s.p + len(b))
	copy(s.data[s.p:], b)
	s.p += len(b)
	if s.p > s.end {
		s.end = s.p
	}
	return len(b), nil
}

// WriteByte appends a single byte at the current position.
func (s *Stream) WriteByte(b byte) error {
	_, err := s.Write([]byte{b})
	return err
}

// Read consumes up to len(b) bytes from the current position, advancing p.
// It implements io.Reader so a Stream can be handed directly to
// binary.Read-style decoders.
func (s *Stream) Read(b []byte) (int, error) {
	n := copy(b, s.data[s.p:s.end])
	s.p += n
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Remaining reports how many unread bytes lie between p and end.
func (s *Stream) Remaining() int {
	return s.end - s.p
}

// Append writes b at the current end of the stream, extending end by
// len(b) and growing the buffer as needed. Unlike Write, it never moves p:
// this is what Recv uses to accumulate a multi-read frame (e.g. a 4-byte
// TPKT header followed by the rest of the frame) into one buffer while
// leaving the cursor at the start for the caller to parse from.
func (s *Stream) Append(b []byte) (int, error) {
	s.ensure(s.end + len(b))
	copy(s.data[s.end:], b)
	s.end += len(b)
	return len(b), nil
}
