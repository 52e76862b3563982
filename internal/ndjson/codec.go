package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxMessageSize is the maximum NDJSON line size (4 MiB). Stream-json
// output can embed whole tool results in a single line.
const MaxMessageSize = 4 * 1024 * 1024

// Encoder writes NDJSON messages to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line and flushes it
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Line returns the number of the last line read
func (d *Decoder) Line() int {
	return d.lineNum
}

// Decode reads the next non-empty line into v. It returns io.EOF once the
// stream is exhausted.
func (d *Decoder) Decode(v any) error {
	data, err := d.next()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Debug("failed to unmarshal line",
			"line", d.lineNum,
			"error", err,
			"data", string(data[:min(100, len(data))]))
		return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}
	return nil
}

// Envelope is a decoded line whose discriminator has been peeked but whose
// body is left raw for the caller to route.
type Envelope struct {
	Kind string
	Raw  json.RawMessage
}

// Into decodes the raw body into v
func (e Envelope) Into(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// DecodeEnvelope reads the next line and extracts the string discriminator
// stored under field ("kind" for event logs, "type" for stream-json).
func (d *Decoder) DecodeEnvelope(field string) (Envelope, error) {
	data, err := d.next()
	if err != nil {
		return Envelope{}, err
	}

	var head map[string]json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("line %d: not a JSON object: %w", d.lineNum, err)
	}

	var kind string
	if raw, ok := head[field]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return Envelope{}, fmt.Errorf("line %d: invalid %q field: %w", d.lineNum, field, err)
		}
	}
	if kind == "" {
		return Envelope{}, fmt.Errorf("line %d: missing %q field", d.lineNum, field)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Envelope{Kind: kind, Raw: raw}, nil
}

func (d *Decoder) next() ([]byte, error) {
	for d.scanner.Scan() {
		d.lineNum++
		data := d.scanner.Bytes()
		if len(trimSpace(data)) == 0 {
			continue
		}
		return data, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
	}
	return nil, io.EOF
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t' || b[0] == '\r') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
