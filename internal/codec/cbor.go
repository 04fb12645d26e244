// Package codec provides the canonical binary encoding used for digests,
// store records, and wire messages.
//
// Canonical CBOR (RFC 8949 §4.2) replaces the protobuf deterministic
// encoding the original control-plane codec relied on: canonical mode
// guarantees the same Go value always serializes to the same bytes, which
// the block digest function and signature payloads require.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	m, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build canonical encoder: %v", err))
	}
	encMode = m

	decOpts := cbor.DecOptions{}
	dm, err := decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build decoder: %v", err))
	}
	decMode = dm
}

// Marshal canonically encodes v.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}
