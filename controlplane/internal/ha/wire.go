package ha

import (
	"fmt"
	"io"

	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// MaxMACs is the most MAC addresses a heartbeat can carry.
const MaxMACs = 255

const macSize = 6

// EncodeHeartbeat builds a heartbeat frame: one count byte followed by the
// MAC addresses. Addresses beyond MaxMACs are dropped.
func EncodeHeartbeat(macs []registry.MAC) []byte {
	if len(macs) > MaxMACs {
		macs = macs[:MaxMACs]
	}

	frame := make([]byte, 0, 1+len(macs)*macSize)
	frame = append(frame, byte(len(macs)))
	for _, mac := range macs {
		frame = append(frame, mac[:]...)
	}
	return frame
}

// ReadHeartbeat reads one heartbeat frame.
func ReadHeartbeat(r io.Reader) ([]registry.MAC, error) {
	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, int(count[0])*macSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated heartbeat of %d MACs: %w", count[0], err)
	}

	macs := make([]registry.MAC, 0, count[0])
	for off := 0; off < len(payload); off += macSize {
		var mac registry.MAC
		copy(mac[:], payload[off:off+macSize])
		macs = append(macs, mac)
	}
	return macs, nil
}
