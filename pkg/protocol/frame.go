package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the default cap for frames read from clients (1 MB)
	MaxFrameSize = 1024 * 1024

	// MaxPushFrameSize caps frames the server writes. An offline backlog can
	// be far larger than any client frame; clients read with this cap.
	MaxPushFrameSize = 16 * 1024 * 1024

	// frameDelimiter terminates every frame on stream transports
	frameDelimiter = '\n'
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("empty frame")
)

// FrameReader reads newline-delimited JSON frames from a byte stream.
// WebSocket connections carry one frame per message and don't need it;
// stream transports (SSH channels) do.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

// NewFrameReader wraps r. A max of 0 or less uses MaxFrameSize; nothing
// above MaxPushFrameSize is accepted.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = MaxFrameSize
	}
	if max > MaxPushFrameSize {
		max = MaxPushFrameSize
	}
	return &FrameReader{r: bufio.NewReaderSize(r, 4096), max: max}
}

// ReadFrame returns the next non-blank frame without its delimiter.
// A final frame without a trailing newline is returned before io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		var buf []byte
		for {
			chunk, err := fr.r.ReadSlice(frameDelimiter)
			buf = append(buf, chunk...)
			if len(buf) > fr.max+1 {
				return nil, ErrFrameTooLarge
			}
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0 {
				return bytes.TrimSpace(buf), nil
			}
			return nil, err
		}

		frame := bytes.TrimSpace(buf)
		if len(frame) == 0 {
			// Blank keep-alive lines are skipped
			continue
		}
		return frame, nil
	}
}

// WriteFrame writes a single frame followed by the delimiter
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	if len(frame) > MaxPushFrameSize {
		return ErrFrameTooLarge
	}
	if bytes.IndexByte(frame, frameDelimiter) >= 0 {
		// Indented JSON would split across lines
		var compact bytes.Buffer
		if err := json.Compact(&compact, frame); err != nil {
			return err
		}
		frame = compact.Bytes()
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, frameDelimiter)
	_, err := w.Write(buf)
	return err
}
