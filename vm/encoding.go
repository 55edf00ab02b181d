package vm

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ArtifactExt is the file extension of serialized units.
const ArtifactExt = ".rnc"

const (
	artifactMagic  = "RNC"
	artifactFormat = 1
)

// ErrCorrupt is wrapped by every UnmarshalUnit failure.
var ErrCorrupt = errors.New("vm: corrupt artifact")

// artifact is the on-disk envelope around a canonical CBOR encoded Unit.
// Digest is the sha256 of Payload, so truncation or bit flips are caught
// even when the damaged payload would still decode.
type artifact struct {
	_       struct{} `cbor:",toarray"`
	Magic   string
	Format  uint
	Digest  []byte
	Payload []byte
}

// cborEncMode uses canonical mode so encoding a unit is deterministic.
var cborEncMode cbor.EncMode

var cborDecMode cbor.DecMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// MarshalUnit serializes a Unit into artifact bytes.
func MarshalUnit(u *Unit) ([]byte, error) {
	payload, err := cborEncMode.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("vm: marshal unit %q: %w", u.Name, err)
	}
	digest := sha256.Sum256(payload)
	return cborEncMode.Marshal(&artifact{
		Magic:   artifactMagic,
		Format:  artifactFormat,
		Digest:  digest[:],
		Payload: payload,
	})
}

// UnmarshalUnit deserializes artifact bytes produced by MarshalUnit. It
// never returns a partially decoded unit: any failure wraps ErrCorrupt.
func UnmarshalUnit(data []byte) (*Unit, error) {
	var a artifact
	if err := cborDecMode.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrCorrupt, err)
	}
	if a.Magic != artifactMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, a.Magic)
	}
	if a.Format != artifactFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrCorrupt, a.Format)
	}
	digest := sha256.Sum256(a.Payload)
	if !bytes.Equal(digest[:], a.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}

	var u Unit
	if err := cborDecMode.Unmarshal(a.Payload, &u); err != nil {
		return nil, fmt.Errorf("%w: unit: %v", ErrCorrupt, err)
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &u, nil
}
