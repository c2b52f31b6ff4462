package pof

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/calmh/cachewire/lib/protoerr"
	"github.com/calmh/cachewire/lib/wire"
)

// recordingReader tees every byte read through it into buf, so the decoder
// can later recover the exact bytes making up a run of unrecognized
// properties for future-data preservation.
type recordingReader struct {
	r   io.Reader
	buf bytes.Buffer
}

func (rr *recordingReader) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if n > 0 {
		rr.buf.Write(p[:n])
	}
	return n, err
}

// Reader decodes a single POF user-type frame. TypeID and VersionID are
// populated by NewReader; callers then drive property decoding via
// NextIndex/ReadXxx for indices they understand, finishing with
// FinishCapturingFutureData to capture any trailing unrecognized properties as future
// data before the terminator is consumed.
type Reader struct {
	rr      *recordingReader
	w       *wire.Reader
	lastIdx int32

	TypeID    int32
	VersionID int32

	pendingIdx  int32
	haveValue   bool
	markedFrom  int
}

// NewReader reads the typeId and versionId header of a user-type frame and
// returns a Reader ready to decode its properties.
func NewReader(src io.Reader) (*Reader, error) {
	rr := &recordingReader{r: src}
	w := wire.NewReader(rr)
	typeID := w.ReadPackedInt32()
	versionID := w.ReadPackedInt32()
	if err := w.Error(); err != nil {
		return nil, wrapTruncated(err)
	}
	if versionID < 0 {
		return nil, fmt.Errorf("pof: %w: negative version %d", errVersionNegative, versionID)
	}
	return &Reader{rr: rr, w: w, lastIdx: -1, TypeID: typeID, VersionID: versionID}, nil
}

var errVersionNegative = protoerr.ErrInvalidEncoding

// NextIndex peeks the next property's index. ok is false once the
// terminator has been consumed, meaning decoding is complete.
func (r *Reader) NextIndex() (index int32, ok bool, err error) {
	if r.haveValue {
		return r.pendingIdx, true, nil
	}
	r.markedFrom = r.rr.buf.Len()
	idx := r.w.ReadPackedInt32()
	if err := r.w.Error(); err != nil {
		return 0, false, wrapTruncated(err)
	}
	if idx == terminatorIndex {
		return 0, false, nil
	}
	if idx <= r.lastIdx {
		return 0, false, fmt.Errorf("pof: %w: property index %d out of order", protoerr.ErrInvalidEncoding, idx)
	}
	r.lastIdx = idx
	r.pendingIdx = idx
	r.haveValue = true
	return idx, true, nil
}

// readTag consumes the current property's type tag. Must follow a
// NextIndex call that returned ok=true.
func (r *Reader) readTag() (Tag, error) {
	var b [1]byte
	r.w.ReadRaw(b[:])
	if err := r.w.Error(); err != nil {
		return 0, wrapTruncated(err)
	}
	r.haveValue = false
	return Tag(b[0]), nil
}

// ReadBool decodes the current property as a bool.
func (r *Reader) ReadBool() (bool, error) {
	if _, err := r.expectTag(TagBool); err != nil {
		return false, err
	}
	var b [1]byte
	r.w.ReadRaw(b[:])
	return b[0] != 0, r.w.Error()
}

// ReadByte decodes the current property as a byte.
func (r *Reader) ReadByte() (byte, error) {
	if _, err := r.expectTag(TagByte); err != nil {
		return 0, err
	}
	var b [1]byte
	r.w.ReadRaw(b[:])
	return b[0], r.w.Error()
}

// ReadInt16 decodes the current property as an int16.
func (r *Reader) ReadInt16() (int16, error) {
	if _, err := r.expectTag(TagInt16); err != nil {
		return 0, err
	}
	v := r.w.ReadUint16()
	return int16(v), r.w.Error()
}

// ReadInt32 decodes the current property as an int32.
func (r *Reader) ReadInt32() (int32, error) {
	if _, err := r.expectTag(TagInt32); err != nil {
		return 0, err
	}
	v := r.w.ReadPackedInt32()
	return v, r.w.Error()
}

// ReadInt64 decodes the current property as an int64.
func (r *Reader) ReadInt64() (int64, error) {
	if _, err := r.expectTag(TagInt64); err != nil {
		return 0, err
	}
	v := r.w.ReadPackedInt64()
	return v, r.w.Error()
}

// ReadRawInt128 decodes the current property as a raw 128-bit integer.
func (r *Reader) ReadRawInt128() (Int128, error) {
	if _, err := r.expectTag(TagInt128); err != nil {
		return Int128{}, err
	}
	lo, hi, err := r.w.ReadRawInt128()
	if err != nil {
		return Int128{}, wrapTruncated(err)
	}
	return Int128{Lo: lo, Hi: hi}, r.w.Error()
}

// ReadFloat32 decodes the current property as a float32.
func (r *Reader) ReadFloat32() (float32, error) {
	if _, err := r.expectTag(TagFloat32); err != nil {
		return 0, err
	}
	v := r.w.ReadUint32()
	return math.Float32frombits(v), r.w.Error()
}

// ReadFloat64 decodes the current property as a float64.
func (r *Reader) ReadFloat64() (float64, error) {
	if _, err := r.expectTag(TagFloat64); err != nil {
		return 0, err
	}
	return r.w.ReadFloat64(), r.w.Error()
}

// ReadDecimal decodes the current property as a Decimal.
func (r *Reader) ReadDecimal() (Decimal, error) {
	if _, err := r.expectTag(TagDecimal); err != nil {
		return Decimal{}, err
	}
	unscaled := r.w.ReadUint64()
	scale := r.w.ReadPackedInt32()
	return Decimal{Unscaled: int64(unscaled), Scale: scale}, r.w.Error()
}

// ReadDateTime decodes the current property as a time.Time (UTC).
func (r *Reader) ReadDateTime() (time.Time, error) {
	if _, err := r.expectTag(TagDateTime); err != nil {
		return time.Time{}, err
	}
	ns := r.w.ReadUint64()
	return time.Unix(0, int64(ns)).UTC(), r.w.Error()
}

// ReadTimeSpan decodes the current property as a time.Duration.
func (r *Reader) ReadTimeSpan() (time.Duration, error) {
	if _, err := r.expectTag(TagTimeSpan); err != nil {
		return 0, err
	}
	ns := r.w.ReadUint64()
	return time.Duration(ns), r.w.Error()
}

// ReadString decodes the current property as a string. ok is false for the
// null-string encoding.
func (r *Reader) ReadString() (s string, ok bool, err error) {
	if _, err := r.expectTag(TagString); err != nil {
		return "", false, err
	}
	s, ok = r.w.ReadString()
	return s, ok, r.w.Error()
}

// ReadBytes decodes the current property as a byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	if _, err := r.expectTag(TagBytes); err != nil {
		return nil, err
	}
	n := r.w.ReadPackedInt32()
	if err := r.w.Error(); err != nil {
		return nil, wrapTruncated(err)
	}
	buf := make([]byte, n)
	r.w.ReadRaw(buf)
	return buf, r.w.Error()
}

// ReadUUID decodes the current property as a 16-byte UUID, matching
// Writer.WriteUUID.
func (r *Reader) ReadUUID() ([16]byte, error) {
	var v [16]byte
	if _, err := r.expectTag(TagUUID); err != nil {
		return v, err
	}
	r.w.ReadRaw(v[:])
	return v, r.w.Error()
}

func (r *Reader) expectTag(want Tag) (Tag, error) {
	got, err := r.readTag()
	if err != nil {
		return 0, err
	}
	if got != want {
		return got, fmt.Errorf("pof: %w: expected tag %d, got %d", protoerr.ErrInvalidEncoding, want, got)
	}
	return got, nil
}

// SkipValue consumes and discards the current property's value, recursing
// into nested user-type frames structurally without needing to understand
// their fields. Used both to skip a single unrecognized property and,
// recursively, to skip the contents of a nested user type.
func (r *Reader) SkipValue() error {
	tag, err := r.readTag()
	if err != nil {
		return err
	}
	return r.skipTagged(tag)
}

func (r *Reader) skipTagged(tag Tag) error {
	switch tag {
	case TagNil:
		return nil
	case TagBool, TagByte:
		var b [1]byte
		r.w.ReadRaw(b[:])
	case TagInt16:
		r.w.ReadUint16()
	case TagInt32:
		r.w.ReadPackedInt32()
	case TagInt64:
		r.w.ReadPackedInt64()
	case TagInt128:
		if _, _, err := r.w.ReadRawInt128(); err != nil {
			return wrapTruncated(err)
		}
	case TagFloat32:
		r.w.ReadUint32()
	case TagFloat64, TagDateTime, TagTimeSpan:
		r.w.ReadUint64()
	case TagDecimal:
		r.w.ReadUint64()
		r.w.ReadPackedInt32()
	case TagUUID:
		var b [16]byte
		r.w.ReadRaw(b[:])
	case TagString, TagBytes:
		n := r.w.ReadPackedInt32()
		if err := r.w.Error(); err != nil {
			return wrapTruncated(err)
		}
		buf := make([]byte, n)
		r.w.ReadRaw(buf)
	case TagUserType:
		r.w.ReadPackedInt32() // nested typeId
		r.w.ReadPackedInt32() // nested versionId
		for {
			idx := r.w.ReadPackedInt32()
			if err := r.w.Error(); err != nil {
				return wrapTruncated(err)
			}
			if idx == terminatorIndex {
				break
			}
			var tb [1]byte
			r.w.ReadRaw(tb[:])
			if err := r.skipTagged(Tag(tb[0])); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("pof: %w: tag %d", protoerr.ErrInvalidEncoding, tag)
	}
	return r.w.Error()
}

// FinishCapturingFutureData skips every remaining property (if any are
// still pending or unread) up to and including the terminator, returning
// the exact bytes of the skipped properties (index, tag and payload,
// concatenated) as the frame's future data. Call this once the caller has
// consumed every property index it understands.
func (r *Reader) FinishCapturingFutureData() ([]byte, error) {
	if r.haveValue {
		// The pending property (whose index the caller already consumed
		// via NextIndex but not yet via a typed read) is itself unknown;
		// rewind the capture mark to include its index bytes, which are
		// already in the recording buffer.
		if err := r.SkipValue(); err != nil {
			return nil, err
		}
	} else {
		r.markedFrom = r.rr.buf.Len()
	}
	for {
		start := r.rr.buf.Len()
		idx := r.w.ReadPackedInt32()
		if err := r.w.Error(); err != nil {
			return nil, wrapTruncated(err)
		}
		if idx == terminatorIndex {
			future := r.rr.buf.Bytes()[r.markedFrom:start]
			out := make([]byte, len(future))
			copy(out, future)
			return out, nil
		}
		if idx <= r.lastIdx {
			return nil, fmt.Errorf("pof: %w: property index %d out of order", protoerr.ErrInvalidEncoding, idx)
		}
		r.lastIdx = idx
		if err := r.SkipValue(); err != nil {
			return nil, err
		}
	}
}

func wrapTruncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("pof: %w: %v", errTruncatedFrame, err)
	}
	if wire.IsInvalidEncoding(err) {
		return fmt.Errorf("pof: %w: %v", protoerr.ErrInvalidEncoding, err)
	}
	return err
}

var errTruncatedFrame = protoerr.ErrInvalidEncoding
