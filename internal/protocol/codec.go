package protocol

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/segmentio/encoding/json"
)

var (
	// ErrEmptyFrame indicates a frame with no bytes to decode.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrUnknownEncoding indicates a packed blob with an unsupported codec marker.
	ErrUnknownEncoding = errors.New("unknown blob encoding")
)

// packThreshold is the payload size above which Pack compresses the bytes.
const packThreshold = 512

// Envelope frames one tagged message; the payload layout depends on Type.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps the payload into an envelope and marshals the whole frame.
func Encode(t Type, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	frame, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", t, err)
	}
	return frame, nil
}

// Decode parses a frame into its envelope without touching the payload yet.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("envelope missing type")
	}
	return &env, nil
}

// Bind unmarshals the envelope payload into the supplied message struct.
func (e *Envelope) Bind(into any) error {
	if e == nil {
		return errors.New("nil envelope")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s payload missing", e.Type)
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Blob carries opaque bytes that may be snappy-compressed on the wire.
type Blob struct {
	Encoding string `json:"encoding,omitempty"`
	Data     []byte `json:"data"`
}

// Pack stores the bytes, compressing them when they exceed the pack threshold.
func Pack(data []byte) *Blob {
	if len(data) <= packThreshold {
		return &Blob{Data: data}
	}
	//1.- Only keep the compressed form when it actually saves space.
	compressed := snappy.Encode(nil, data)
	if len(compressed) >= len(data) {
		return &Blob{Data: data}
	}
	return &Blob{Encoding: "snappy", Data: compressed}
}

// Unpack restores the original bytes regardless of how they travelled.
func (b *Blob) Unpack() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	switch b.Encoding {
	case "":
		return b.Data, nil
	case "snappy":
		return snappy.Decode(nil, b.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, b.Encoding)
	}
}
