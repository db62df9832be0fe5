package layers

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Serializer encodes snapshots for persistence between processes
type Serializer interface {
	Name() string
	Marshal(s *Snapshot) ([]byte, error)
	Unmarshal(data []byte, s *Snapshot) error
}

// JSONSerializer writes human readable snapshots
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return "json" }

func (JSONSerializer) Marshal(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func (JSONSerializer) Unmarshal(data []byte, s *Snapshot) error {
	return json.Unmarshal(data, s)
}

// CBORSerializer writes compact binary snapshots. Encoding is canonical
// so that equal snapshots produce equal bytes.
type CBORSerializer struct{}

var cborEncMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func (CBORSerializer) Name() string { return "cbor" }

func (CBORSerializer) Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

func (CBORSerializer) Unmarshal(data []byte, s *Snapshot) error {
	return cbor.Unmarshal(data, s)
}

// SerializerFor returns the serializer registered under name
func SerializerFor(name string) (Serializer, error) {
	switch name {
	case "", "cbor":
		return CBORSerializer{}, nil
	case "json":
		return JSONSerializer{}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot format: %q", name)
	}
}
