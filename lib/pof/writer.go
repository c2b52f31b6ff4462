package pof

import (
	"math"
	"time"

	"github.com/calmh/cachewire/lib/wire"
)

// Int128 is a 128-bit raw integer, carried as two uint64 halves with no
// sign interpretation imposed by this package.
type Int128 struct {
	Lo, Hi uint64
}

// Decimal is a base-10 fixed-point value: Unscaled * 10^-Scale.
type Decimal struct {
	Unscaled int64
	Scale    int32
}

// Writer encodes a single POF user-type frame: a packed-int32 typeId, a
// packed-int32 versionId, a strictly-ascending sequence of indexed
// properties, and a terminator. Properties must be written in ascending
// index order; WriteFutureData appends a type's preserved future-data tail
// immediately before the terminator, per the evolvable contract.
type Writer struct {
	w        *wire.Writer
	lastIdx  int32
	started  bool
}

// NewWriter creates a Writer that emits typeId and versionId immediately,
// then accepts property writes.
func NewWriter(w *wire.Writer, typeID, versionID int32) *Writer {
	w.WritePackedInt32(typeID)
	w.WritePackedInt32(versionID)
	return &Writer{w: w, lastIdx: -1}
}

// Err returns the underlying writer's sticky error.
func (pw *Writer) Err() error { return pw.w.Error() }

func (pw *Writer) writeIndex(index int32) {
	if index <= pw.lastIdx {
		panic("pof: properties must be written in strictly ascending index order")
	}
	pw.lastIdx = index
	pw.w.WritePackedInt32(index)
}

// WriteBool writes a TagBool property.
func (pw *Writer) WriteBool(index int32, v bool) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagBool)})
	if v {
		pw.w.WriteRaw([]byte{1})
	} else {
		pw.w.WriteRaw([]byte{0})
	}
}

// WriteByte writes a TagByte property.
func (pw *Writer) WriteByte(index int32, v byte) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagByte)})
	pw.w.WriteRaw([]byte{v})
}

// WriteInt16 writes a TagInt16 property.
func (pw *Writer) WriteInt16(index int32, v int16) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagInt16)})
	pw.w.WriteUint16(uint16(v))
}

// WriteInt32 writes a TagInt32 property.
func (pw *Writer) WriteInt32(index int32, v int32) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagInt32)})
	pw.w.WritePackedInt32(v)
}

// WriteInt64 writes a TagInt64 property.
func (pw *Writer) WriteInt64(index int32, v int64) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagInt64)})
	pw.w.WritePackedInt64(v)
}

// WriteRawInt128 writes a TagInt128 property as a wire RawInt128: the
// packed sign+continuation encoding of the two 64-bit halves.
func (pw *Writer) WriteRawInt128(index int32, v Int128) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagInt128)})
	pw.w.WriteRawInt128(v.Lo, v.Hi)
}

// WriteFloat32 writes a TagFloat32 property.
func (pw *Writer) WriteFloat32(index int32, v float32) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagFloat32)})
	pw.w.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 writes a TagFloat64 property.
func (pw *Writer) WriteFloat64(index int32, v float64) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagFloat64)})
	pw.w.WriteFloat64(v)
}

// WriteDecimal writes a TagDecimal property: an 8-byte unscaled value
// followed by a packed-int32 scale, matching skipTagged's reader shape.
func (pw *Writer) WriteDecimal(index int32, v Decimal) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagDecimal)})
	pw.w.WriteUint64(uint64(v.Unscaled))
	pw.w.WritePackedInt32(v.Scale)
}

// WriteDateTime writes a TagDateTime property as nanoseconds since the Unix
// epoch, UTC.
func (pw *Writer) WriteDateTime(index int32, v time.Time) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagDateTime)})
	pw.w.WriteUint64(uint64(v.UnixNano()))
}

// WriteTimeSpan writes a TagTimeSpan property as a duration in nanoseconds.
func (pw *Writer) WriteTimeSpan(index int32, v time.Duration) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagTimeSpan)})
	pw.w.WriteUint64(uint64(v.Nanoseconds()))
}

// WriteString writes a TagString property. The null string (Go "" with
// null=true) encodes as length -1.
func (pw *Writer) WriteString(index int32, v string, null bool) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagString)})
	if null {
		pw.w.WriteNullString()
		return
	}
	pw.w.WriteString(v)
}

// WriteBytes writes a TagBytes property: packed-int32 length then raw
// octets.
func (pw *Writer) WriteBytes(index int32, v []byte) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagBytes)})
	pw.w.WritePackedInt32(int32(len(v)))
	pw.w.WriteRaw(v)
}

// WriteUUID writes a TagUUID property: 16 raw bytes.
func (pw *Writer) WriteUUID(index int32, v [16]byte) {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagUUID)})
	pw.w.WriteRaw(v[:])
}

// BeginUserType starts a nested TagUserType property and returns a Writer
// scoped to it; the caller must call Finish on the returned Writer before
// continuing to write properties on pw.
func (pw *Writer) BeginUserType(index, typeID, versionID int32) *Writer {
	pw.writeIndex(index)
	pw.w.WriteRaw([]byte{byte(TagUserType)})
	return NewWriter(pw.w, typeID, versionID)
}

// WriteFutureData appends raw previously-unrecognized property bytes
// (captured verbatim by an earlier Reader) immediately before the
// terminator, preserving an older writer's unknown fields across a
// decode/re-encode cycle performed by a newer reader.
func (pw *Writer) WriteFutureData(data []byte) {
	if len(data) == 0 {
		return
	}
	pw.w.WriteRaw(data)
}

// Finish writes the terminator, ending the frame.
func (pw *Writer) Finish() {
	pw.w.WritePackedInt32(terminatorIndex)
}
