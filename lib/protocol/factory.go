package protocol

import (
	"fmt"

	"github.com/calmh/cachewire/lib/protoerr"
)

// Constructor produces a freshly initialized message for one typeId, with
// implVersion set to the owning factory's negotiated version.
type Constructor func() Message

// Factory is keyed by (protocol, version): a dense array, indexed by
// non-negative typeId, mapping to a Constructor. At most one type may be
// registered per typeId.
type Factory struct {
	version int32
	ctors   []Constructor
}

// NewFactory creates an empty factory negotiated at the given version.
func NewFactory(version int32) *Factory {
	return &Factory{version: version}
}

// Version returns the factory's negotiated protocol version.
func (f *Factory) Version() int32 { return f.version }

// Register associates typeId with ctor. Registering a second constructor at
// an already-occupied typeId fails with ErrDuplicateType.
func (f *Factory) Register(typeID int32, ctor Constructor) error {
	if typeID < 0 {
		return fmt.Errorf("protocol: %w: negative type id %d", protoerr.ErrInvalidEncoding, typeID)
	}
	if int(typeID) >= len(f.ctors) {
		grown := make([]Constructor, typeID+1)
		copy(grown, f.ctors)
		f.ctors = grown
	}
	if f.ctors[typeID] != nil {
		return fmt.Errorf("protocol: %w: type id %d", protoerr.ErrDuplicateType, typeID)
	}
	f.ctors[typeID] = ctor
	return nil
}

// Create instantiates a new, uninitialized message for typeId, with
// implVersion equal to the factory's negotiated version.
func (f *Factory) Create(typeID int32) (Message, error) {
	if typeID < 0 || int(typeID) >= len(f.ctors) || f.ctors[typeID] == nil {
		return nil, fmt.Errorf("protocol: %w: type id %d", protoerr.ErrTypeUnknown, typeID)
	}
	return f.ctors[typeID](), nil
}
