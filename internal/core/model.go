package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Emoji is one substitution triple supplied by an ingestion feed: every
// occurrence of Find in the message text is replaced by an <img> tag pointing
// at URL, labelled with Name.
type Emoji struct {
	Find string
	URL  string
	Name string
}

// Emojis travel on the wire as three-element arrays, not objects.

func (e Emoji) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{e.Find, e.URL, e.Name})
}

func (e *Emoji) UnmarshalJSON(data []byte) error {
	var triple [3]string
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	e.Find, e.URL, e.Name = triple[0], triple[1], triple[2]
	return nil
}

// ChatMessage is the unified record for one chat or paid event across all
// platforms. JSON field names are the wire contract shared with ingestion
// feeds and display clients.
type ChatMessage struct {
	ID            uuid.UUID `json:"id"`
	Platform      string    `json:"platform"`
	SentAt        int64     `json:"sent_at"`     // display timestamp, unix millis
	ReceivedAt    int64     `json:"received_at"` // hub receipt timestamp, unix millis
	IsPlaceholder bool      `json:"is_placeholder"`

	Message string  `json:"message"`
	Emojis  []Emoji `json:"emojis"`

	Username string `json:"username"`
	Avatar   string `json:"avatar"` // URL

	// Amount > 0 marks the message as paid; after hub normalization
	// Currency is always "USD".
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	IsVerified bool `json:"is_verified"`
	IsSub      bool `json:"is_sub"`
	IsMod      bool `json:"is_mod"`
	IsOwner    bool `json:"is_owner"`
	IsStaff    bool `json:"is_staff"`
}

// transparent 1x1 gif
const defaultAvatar = "data:image/gif;base64,R0lGODlhAQABAAAAACH5BAEKAAEALAAAAAABAAEAAAICTAEAOw=="

// NewChatMessage returns a message with a fresh identifier and both
// timestamps stamped to now.
func NewChatMessage() ChatMessage {
	now := time.Now().UnixMilli()
	return ChatMessage{
		ID:         uuid.New(),
		Platform:   "NONE",
		SentAt:     now,
		ReceivedAt: now,
		Avatar:     defaultAvatar,
		Currency:   "USD",
	}
}

// IsPremium reports whether the message carries money.
func (m *ChatMessage) IsPremium() bool { return m.Amount > 0 }

// PaidTier buckets the (USD) amount into the display tiers used by the
// overlay. Thresholds sit slightly under the nominal tier value so senders
// still land in the tier they paid for after conversion rounding.
func (m *ChatMessage) PaidTier() int {
	switch {
	case m.Amount >= 99.0:
		return 100
	case m.Amount >= 49.0:
		return 50
	case m.Amount >= 19.0:
		return 20
	case m.Amount >= 9.0:
		return 10
	case m.Amount >= 4.75:
		return 5
	case m.Amount >= 1.9:
		return 2
	default:
		return 1
	}
}

// ConsoleString renders the message for log output.
func (m *ChatMessage) ConsoleString() string {
	if m.IsPremium() {
		return fmt.Sprintf("[%s] [%.2f %s] (%s): %s", m.Platform, m.Amount, m.Currency, m.Username, m.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", m.Platform, m.Username, m.Message)
}
