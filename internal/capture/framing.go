package capture

import (
	"bytes"
	"errors"
)

// pngMagic is the 8-byte PNG signature used as the frame boundary marker
// in the decoder's image2pipe output.
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// ErrBufferOverflow reports that the framing buffer exceeded its bound
// without a complete frame; classified as corrupted-frame upstream.
var ErrBufferOverflow = errors.New("frame buffer overflow")

// frameSplitter scans a delimited byte stream for marker-framed frames.
// Bytes between two markers form one frame; the trailing partial frame
// stays buffered until the next marker arrives.
type frameSplitter struct {
	marker   []byte
	buf      []byte
	maxBytes int
}

func newFrameSplitter(marker []byte, maxBytes int) *frameSplitter {
	return &frameSplitter{marker: marker, maxBytes: maxBytes}
}

// Append consumes a chunk of stream bytes and returns every completed
// frame. Returns ErrBufferOverflow when the buffer outgrows maxBytes.
func (s *frameSplitter) Append(data []byte) ([][]byte, error) {
	s.buf = append(s.buf, data...)
	if s.maxBytes > 0 && len(s.buf) > s.maxBytes {
		s.buf = nil
		return nil, ErrBufferOverflow
	}

	var frames [][]byte
	for {
		first := bytes.Index(s.buf, s.marker)
		if first < 0 {
			// No marker yet; discard leading garbage beyond a marker's
			// worth of bytes since a frame cannot start inside it.
			if len(s.buf) > len(s.marker) {
				s.buf = s.buf[len(s.buf)-len(s.marker)+1:]
			}
			return frames, nil
		}
		if first > 0 {
			s.buf = s.buf[first:]
		}

		next := bytes.Index(s.buf[len(s.marker):], s.marker)
		if next < 0 {
			return frames, nil
		}
		end := len(s.marker) + next
		frame := make([]byte, end)
		copy(frame, s.buf[:end])
		frames = append(frames, frame)
		s.buf = s.buf[end:]
	}
}

// Pending returns the number of buffered bytes since the last frame
// boundary.
func (s *frameSplitter) Pending() int {
	return len(s.buf)
}

// Reset discards buffered bytes, e.g. across subprocess restarts.
func (s *frameSplitter) Reset() {
	s.buf = nil
}
