package ndjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SyntaxError reports a line that could not be decoded as JSON. It carries
// the raw offending line so callers can log or surface it verbatim.
type SyntaxError struct {
	Line string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid NDJSON line %q: %v", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Decoder converts an arbitrary sequence of raw byte chunks into complete
// JSON records, one per newline-delimited line. Chunks may split a line, or
// a multi-byte UTF-8 character, at any byte offset: incomplete trailing
// bytes stay buffered until the closing newline (or Flush) arrives.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode appends chunk to the internal buffer and returns every complete
// line it now holds, in order. Blank lines are skipped. A line that is not
// valid JSON fails the call with a *SyntaxError; records decoded from
// earlier lines in the same call are returned alongside the error, and any
// bytes after the offending line stay buffered.
func (d *Decoder) Decode(chunk []byte) ([]json.RawMessage, error) {
	d.buf = append(d.buf, chunk...)

	var records []json.RawMessage
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return records, nil
		}

		line := bytes.TrimSpace(d.buf[:idx])
		d.buf = d.buf[idx+1:]

		if len(line) == 0 {
			continue
		}

		record, err := decodeLine(line)
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
}

// Flush decodes whatever remains in the buffer as a final, unterminated
// record. It returns nil if the buffer holds only whitespace. The buffer is
// cleared in every case, including failure.
func (d *Decoder) Flush() (json.RawMessage, error) {
	line := bytes.TrimSpace(d.buf)
	d.buf = nil

	if len(line) == 0 {
		return nil, nil
	}
	return decodeLine(line)
}

// Reset discards any buffered bytes so the Decoder can be reused for a new
// stream.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Buffered reports how many bytes are waiting for a newline delimiter.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func decodeLine(line []byte) (json.RawMessage, error) {
	if !json.Valid(line) {
		// Re-run through Unmarshal to get a descriptive error
		var probe any
		err := json.Unmarshal(line, &probe)
		return nil, &SyntaxError{Line: string(line), Err: err}
	}

	record := make(json.RawMessage, len(line))
	copy(record, line)
	return record, nil
}
