// Package framing splits streamed HTTP bodies into frames.
package framing

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"strings"
)

// DefaultEvent is the event type of SSE frames that do not name one.
const DefaultEvent = "message"

// Frame is one unit of a streamed body.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Reader yields frames until io.EOF.
type Reader interface {
	Next() (Frame, error)
}

// NewReader picks a framer for the response content type. Anything that is
// not JSON is read as SSE.
func NewReader(contentType string, body io.Reader) Reader {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case "application/json", "application/x-ndjson", "application/jsonl", "application/x-jsonlines", "application/stream+json":
		return NewJSONReader(body)
	default:
		return NewSSEReader(body)
	}
}

// SSEReader reads text/event-stream frames. Frames are separated by blank
// lines; data lines within a frame are joined with "\n". Frames without any
// data line are dropped.
type SSEReader struct {
	r *bufio.Reader
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame.
func (s *SSEReader) Next() (Frame, error) {
	var (
		frame   Frame
		data    []string
		hasData bool
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return Frame{}, err
		}
		eof := err == io.EOF
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				if frame.Event == "" {
					frame.Event = DefaultEvent
				}
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			// Blank line closing a frame with no data: drop it.
			frame = Frame{}
			data = data[:0]
			if eof {
				return Frame{}, io.EOF
			}
			continue
		}

		field, value := splitField(line)
		switch field {
		case "":
			// comment
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			frame.ID = value
		}

		if eof {
			// Trailing frame without its blank line still counts.
			if hasData {
				if frame.Event == "" {
					frame.Event = DefaultEvent
				}
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			return Frame{}, io.EOF
		}
	}
}

func splitField(line string) (string, string) {
	if strings.HasPrefix(line, ":") {
		return "", ""
	}
	name, value, found := strings.Cut(line, ":")
	if !found {
		return name, ""
	}
	return name, strings.TrimPrefix(value, " ")
}

// ParseSSE frames a complete buffer.
func ParseSSE(b []byte) []Frame {
	r := NewSSEReader(bytes.NewReader(b))
	var frames []Frame
	for {
		f, err := r.Next()
		if err != nil {
			return frames
		}
		frames = append(frames, f)
	}
}
