package framing

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// JSONReader reads a streamed JSON body: either one object per line, or a
// single JSON array whose elements arrive over time. Lines that are not valid
// JSON are dropped.
type JSONReader struct {
	r     *bufio.Reader
	dec   *json.Decoder
	array bool
	init  bool
}

// NewJSONReader wraps r.
func NewJSONReader(r io.Reader) *JSONReader {
	return &JSONReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next JSON value as a frame with the default event type.
func (j *JSONReader) Next() (Frame, error) {
	if !j.init {
		j.init = true
		if err := j.detect(); err != nil {
			return Frame{}, err
		}
	}
	if j.array {
		return j.nextElement()
	}
	return j.nextLine()
}

func (j *JSONReader) detect() error {
	for {
		b, err := j.r.Peek(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = j.r.ReadByte()
			continue
		case '[':
			j.array = true
			j.dec = json.NewDecoder(j.r)
			if _, err := j.dec.Token(); err != nil {
				return err
			}
		}
		return nil
	}
}

func (j *JSONReader) nextElement() (Frame, error) {
	if !j.dec.More() {
		return Frame{}, io.EOF
	}
	var raw json.RawMessage
	if err := j.dec.Decode(&raw); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	return Frame{Event: DefaultEvent, Data: string(raw)}, nil
}

func (j *JSONReader) nextLine() (Frame, error) {
	for {
		line, err := j.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return Frame{}, err
		}
		payload := trimArrayPunct(line)
		if len(payload) > 0 && json.Valid(payload) {
			return Frame{Event: DefaultEvent, Data: string(payload)}, nil
		}
		if err == io.EOF {
			return Frame{}, io.EOF
		}
	}
}

// trimArrayPunct strips whitespace and the "[", "," and "]" that surround
// elements when an array is streamed one element per line.
func trimArrayPunct(line []byte) []byte {
	line = bytes.TrimSpace(line)
	line = bytes.TrimLeft(line, "[,")
	line = bytes.TrimRight(line, ",]")
	return bytes.TrimSpace(line)
}
