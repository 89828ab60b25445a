package state

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// record always encodes to identical bytes, which keeps checksums and
// on-disk comparisons stable.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so records
// written by older builds stay readable.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("state: cbor encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Any-typed targets decode as map[string]any instead of the
		// CBOR default map[interface{}]interface{}, which nothing
		// downstream can consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("state: cbor decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the store's deterministic CBOR configuration.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
