package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/calmh/cachewire/lib/protoerr"
)

// Each message on the wire is a single length-prefixed frame: a 1-byte
// flags preamble (bit 0: body is LZ4-compressed) packed in the same
// "small fixed fields in a dense word" spirit as a classic bit-packed
// frame header, a big-endian uint32 channel id (multiplexing is a framing
// concern, outside the POF user-type body per §6's wire format), a
// big-endian uint32 byte length, and that many bytes of POF user-type
// body.
const (
	flagCompressed byte = 1 << 0

	// maxFrameSize bounds a single frame to guard against a corrupt or
	// hostile length prefix forcing an unbounded allocation.
	maxFrameSize = 64 << 20
)

// WriteFrame writes body as a single frame addressed to channelID, to w,
// compressing it with LZ4 first when compress is true. Compression is
// negotiated once per connection during OpenConnection, never toggled per
// message.
func WriteFrame(w io.Writer, channelID uint32, body []byte, compress bool) error {
	flags := byte(0)
	payload := body
	if compress {
		compressed := make([]byte, lz4.CompressBlockBound(len(body)))
		var c lz4.Compressor
		n, err := c.CompressBlock(body, compressed)
		if err != nil {
			return fmt.Errorf("protocol: lz4 compress: %w", err)
		}
		// CompressBlock returns n=0 for incompressible input; fall back to
		// the uncompressed body rather than special-casing an empty block.
		if n > 0 && n < len(body) {
			flags |= flagCompressed
			payload = compressed[:n]
		}
	}

	var hdr [9]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:5], channelID)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: %w: %v", protoerr.ErrTransport, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: %w: %v", protoerr.ErrTransport, err)
	}
	return nil
}

// ReadFrame reads one frame from r, transparently decompressing it if its
// flags indicate LZ4 compression, and returns the channel id it was
// addressed to, its body, and whether it arrived compressed on the wire.
// uncompressedSize is not carried on the wire since LZ4 block compression
// does not self-describe its decompressed length; cachewire fixes the
// decompression buffer to maxFrameSize for simplicity rather than carrying
// a second length field.
func ReadFrame(r io.Reader) (channelID uint32, body []byte, compressed bool, err error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, false, fmt.Errorf("protocol: %w: %v", protoerr.ErrTransport, err)
	}
	flags := hdr[0]
	channelID = binary.BigEndian.Uint32(hdr[1:5])
	size := binary.BigEndian.Uint32(hdr[5:9])
	if size > maxFrameSize {
		return 0, nil, false, fmt.Errorf("protocol: %w: frame size %d exceeds maximum", protoerr.ErrInvalidEncoding, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, false, fmt.Errorf("protocol: %w: %v", protoerr.ErrTransport, err)
	}
	compressed = flags&flagCompressed != 0
	if !compressed {
		return channelID, payload, false, nil
	}

	out := make([]byte, maxFrameSize)
	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return 0, nil, false, fmt.Errorf("protocol: %w: lz4 decompress: %v", protoerr.ErrInvalidEncoding, err)
	}
	return channelID, out[:n], true, nil
}
