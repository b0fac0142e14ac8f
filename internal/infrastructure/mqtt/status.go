package mqtt

import (
	"encoding/json"
	"time"
)

// Status values and offline reasons on the retained status topic.
const (
	statusOnline  = "online"
	statusOffline = "offline"

	reasonShutdown   = "graceful_shutdown"
	reasonUnexpected = "unexpected_disconnect"
)

// statusMessage is the retained presence marker on Topics.SystemStatus.
type statusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func newStatus(clientID, status, reason string) statusMessage {
	return statusMessage{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// encode never fails for this struct; the error is dropped.
func (m statusMessage) encode() []byte {
	data, _ := json.Marshal(m) //nolint:errcheck // only string fields
	return data
}
