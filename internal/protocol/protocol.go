// Package protocol defines the JSON messages exchanged with the land plugin
// over the /v1/land websocket.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello                = "HELLO"
	TypeWelcome              = "WELCOME"
	TypeRegionDeleted        = "REGION_DELETED"
	TypeOwnershipTransferred = "OWNERSHIP_TRANSFERRED"
	TypeAck                  = "ACK"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	EventID         string `json:"event_id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
