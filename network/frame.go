package network

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// maxFrameSize bounds a single websocket message on either side of the relay.
const maxFrameSize = 4 << 20

// Frame is the unit exchanged over a relay connection. An empty payload is a
// heartbeat. Origin is filled in by the relay and ignored on upload.
type Frame struct {
	Origin     string
	Payload    []byte
	UnixMillis uint64
}

// IsHeartbeat reports whether the frame carries no gossip.
func (f *Frame) IsHeartbeat() bool { return len(f.Payload) == 0 }

func encodeFrame(f *Frame) ([]byte, error) {
	return rlp.EncodeToBytes(f)
}

func decodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := rlp.DecodeBytes(data, &f); err != nil {
		return nil, fmt.Errorf("network: decode frame: %w", err)
	}
	return &f, nil
}
