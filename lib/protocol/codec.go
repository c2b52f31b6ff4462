package protocol

import (
	"bytes"
	"fmt"

	"github.com/calmh/cachewire/lib/pof"
	"github.com/calmh/cachewire/lib/wire"
)

// PropertyWriter and PropertyReader are the POF property-level read/write
// handles message types encode/decode themselves against. Aliased here so
// message implementations only need to import package protocol.
type (
	PropertyWriter = pof.Writer
	PropertyReader = pof.Reader
)

// EncodeMessage renders msg as a POF user-type frame body: typeId,
// versionId (the evolvable-contract max of dataVersion and implVersion when
// they differ), the message's own properties, its preserved future data,
// and the terminator.
func EncodeMessage(msg Message) ([]byte, error) {
	versionID := msg.DataVersion()
	if msg.ImplVersion() != msg.DataVersion() {
		versionID = max32(msg.DataVersion(), msg.ImplVersion())
	}
	w, buf := wire.NewAppendWriter()
	pw := pof.NewWriter(w, msg.TypeID(), versionID)
	if err := msg.EncodeProperties(pw); err != nil {
		return nil, fmt.Errorf("protocol: encode type %d: %w", msg.TypeID(), err)
	}
	pw.WriteFutureData(msg.FutureData())
	pw.Finish()
	if err := pw.Err(); err != nil {
		return nil, fmt.Errorf("protocol: encode type %d: %w", msg.TypeID(), err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses a POF user-type frame body, looks up the message
// type by its typeId in factory, sets its dataVersion from the frame and
// decodes its properties, capturing any unrecognized trailing properties as
// future data.
func DecodeMessage(factory *Factory, body []byte) (Message, error) {
	pr, err := pof.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("protocol: decode frame header: %w", err)
	}
	msg, err := factory.Create(pr.TypeID)
	if err != nil {
		return nil, err
	}
	msg.SetDataVersion(pr.VersionID)
	if err := msg.DecodeProperties(pr); err != nil {
		return nil, fmt.Errorf("protocol: decode type %d: %w", pr.TypeID, err)
	}
	return msg, nil
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
