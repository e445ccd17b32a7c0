package hub

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/stream-nexus/internal/core"
	"github.com/you/stream-nexus/internal/layout"
)

// Outbound frames always carry the same two-field envelope; Message is
// itself JSON text so the outer shape stays stable across reply kinds.
type replyEnvelope struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

const (
	tagChatMessage    = "chat_message"
	tagRemoveMessage  = "remove_message"
	tagFeatureMessage = "feature_message"
	tagViewers        = "viewers"
	tagLayoutUpdate   = "layout_update"
	tagLayoutList     = "layout_list"
)

// envelope serializes payload and wraps it under tag. A nil payload encodes
// as the literal "null" inner message (used for unfeaturing).
func envelope(tag string, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", tag)
	}
	data, err := json.Marshal(replyEnvelope{Tag: tag, Message: string(inner)})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", tag)
	}
	return data, nil
}

// channelName tolerates feeds that send the channel as either a JSON string
// or a bare number.
type channelName string

func (c *channelName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = channelName(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*c = channelName(n.String())
		return nil
	}
	return errors.New("channel must be a string or number")
}

// livestreamUpdate is the bundle frame ingestion feeds submit: new messages,
// removals, and/or a viewer count for one platform.
type livestreamUpdate struct {
	Platform string             `json:"platform"`
	Channel  *channelName       `json:"channel"`
	Messages []core.ChatMessage `json:"messages"`
	Removals []uuid.UUID        `json:"removals"`
	Viewers  *int               `json:"viewers"`
}

func (u *livestreamUpdate) recognized() bool {
	return u.Messages != nil || u.Removals != nil || u.Viewers != nil
}

// featureCommand features the message with the given id, or unfeatures when
// the id is null. Key presence distinguishes this frame from others.
type featureCommand struct {
	FeatureMessage *uuid.UUID `json:"feature_message"`
}

// layoutCommand carries at most one layout operation per frame.
type layoutCommand struct {
	LayoutUpdate    *layout.Layout     `json:"layoutUpdate"`
	SwitchLayout    *string            `json:"switchLayout"`
	SaveLayout      *saveLayoutCommand `json:"saveLayout"`
	DeleteLayout    *string            `json:"deleteLayout"`
	RequestLayout   bool               `json:"requestLayout"`
	RequestLayouts  bool               `json:"requestLayouts"`
	SubscribeLayout *string            `json:"subscribeLayout"`
}

type saveLayoutCommand struct {
	Name   string        `json:"name"`
	Layout layout.Layout `json:"layout"`
}

func (c *layoutCommand) recognized() bool {
	return c.LayoutUpdate != nil || c.SwitchLayout != nil || c.SaveLayout != nil ||
		c.DeleteLayout != nil || c.RequestLayout || c.RequestLayouts || c.SubscribeLayout != nil
}

// hasKey reports whether a top-level JSON object key is present, regardless
// of its value. Used to recognize {"feature_message": null}.
func hasKey(frame []byte, key string) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return false
	}
	_, ok := raw[key]
	return ok
}
