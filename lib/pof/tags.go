package pof

// Tag identifies the wire representation of a single property value. A
// small set of scalar types get a dedicated tag so a decoder can skip (or
// decode) them without allocating anything beyond the scalar itself; every
// other value is carried as a nested user-type frame under TagUserType,
// which is itself self-describing and can be skipped structurally without
// understanding its fields.
type Tag byte

const (
	TagNil Tag = iota
	TagBool
	TagByte
	TagInt16
	TagInt32
	TagInt64
	TagInt128
	TagFloat32
	TagFloat64
	TagDecimal
	TagDateTime
	TagTimeSpan
	TagUUID
	TagString
	TagBytes
	TagUserType
)

// terminatorIndex is the sentinel property index marking end-of-frame.
// Property indices are declared non-negative, so -1 can never collide with
// a real property.
const terminatorIndex = -1
