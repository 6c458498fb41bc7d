package encode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/Chichichkin/thetapoint-forwarder/internal/event"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
)

// Encoder turns events into request payloads. It holds no state besides
// the compression switch and is safe for concurrent use.
type Encoder struct {
	compress bool
}

func New(compress bool) *Encoder {
	return &Encoder{compress: compress}
}

func (e *Encoder) Compress() bool {
	return e.compress
}

// EncodeEvent encodes a single event as a JSON object.
func (e *Encoder) EncodeEvent(ev event.Event) (output.Payload, error) {
	raw, err := marshal(ev)
	if err != nil {
		return output.Payload{}, &output.EncodingError{Cause: err}
	}
	return e.finish(raw, 1)
}

// EncodeBatch encodes events as a JSON array, keeping their order.
func (e *Encoder) EncodeBatch(events []event.Event) (output.Payload, error) {
	if events == nil {
		events = []event.Event{}
	}
	raw, err := marshal(events)
	if err != nil {
		return output.Payload{}, &output.EncodingError{Cause: err}
	}
	return e.finish(raw, len(events))
}

func (e *Encoder) finish(raw []byte, count int) (output.Payload, error) {
	payload := output.Payload{
		Body:    raw,
		RawSize: len(raw),
		Events:  count,
	}
	if !e.compress {
		return payload, nil
	}

	compressed, err := Deflate(raw)
	if err != nil {
		return output.Payload{}, &output.EncodingError{Cause: err}
	}
	payload.Body = compressed
	payload.Compressed = true
	return payload, nil
}

// Deflate compresses data in zlib format at best compression.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode returns the JSON body of a payload, inflating it if needed.
func Decode(payload output.Payload) ([]byte, error) {
	if !payload.Compressed {
		return payload.Body, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(payload.Body))
	if err != nil {
		return nil, fmt.Errorf("open zlib stream: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	return data, nil
}

// marshal is json.Marshal without HTML escaping and without the trailing
// newline added by json.Encoder.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
