package protocol

// HELLO (plugin -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Plugin          string `json:"plugin"`
	Token           string `json:"token,omitempty"`
}

// WELCOME (server -> plugin)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Plots           int    `json:"plots"`
}

// REGION_DELETED (plugin -> server). RegionID is empty for plugins that key
// regions by owner.
type RegionDeletedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EventID         string `json:"event_id"`
	RegionID        string `json:"region_id,omitempty"`
	Owner           string `json:"owner,omitempty"`
}

// OWNERSHIP_TRANSFERRED (plugin -> server)
type OwnershipTransferredMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EventID         string `json:"event_id"`
	RegionID        string `json:"region_id,omitempty"`
	PreviousOwner   string `json:"previous_owner"`
	NewOwner        string `json:"new_owner"`
	NewOwnerName    string `json:"new_owner_name,omitempty"`
}

// ACK (server -> plugin), one per event.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EventID         string `json:"event_id"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Duplicate       bool   `json:"duplicate,omitempty"`
}

func NewAck(eventID string, code, message string) AckMsg {
	return AckMsg{
		Type:            TypeAck,
		ProtocolVersion: Version,
		EventID:         eventID,
		OK:              code == "",
		Code:            code,
		Message:         message,
	}
}
