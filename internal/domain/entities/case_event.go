package entities

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Channel names used for case notifications.
const (
	// ChannelInsurerQueue receives every case that is ready for insurer review
	ChannelInsurerQueue = "insurer-queue"

	// ChannelProviderPrefix prefixes the per-provider channel
	ChannelProviderPrefix = "provider-"
)

// ProviderChannel returns the channel for a provider.
func ProviderChannel(providerID string) string {
	return ChannelProviderPrefix + providerID
}

// CaseEvent carries a case update to one notification channel. It is the
// envelope relayed between API instances; subscribers receive only Case.
type CaseEvent struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Case      *Case     `json:"case"`
}

// NewCaseEvent creates a new case event
func NewCaseEvent(channel string, c *Case) *CaseEvent {
	return &CaseEvent{
		ID:        generateEventID(),
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Case:      c,
	}
}

func generateEventID() string {
	return time.Now().Format("20060102150405") + "-" + randomString(8)
}

func randomString(length int) string {
	bytes := make([]byte, length/2+1)
	if _, err := rand.Read(bytes); err != nil {
		return time.Now().Format("150405.000")
	}
	return hex.EncodeToString(bytes)[:length]
}
