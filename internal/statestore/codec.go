package statestore

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes persisted state.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec; values stay readable with redis-cli or psql.
type JSON struct{}

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// cborEnc uses core deterministic encoding: identical state always
// produces identical bytes.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("statestore: cbor encoder: " + err.Error())
	}
	return em
}()

// CBOR is a compact binary codec for large state such as embedding windows.
type CBOR struct{}

// Marshal implements Codec.
func (CBOR) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

// Unmarshal implements Codec.
func (CBOR) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
