package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"slices"
	"strings"
)

// Canonical wire keys.
const (
	KeyAction  = "client_action"
	KeyChannel = "channel"
	KeyData    = "data"

	// aliasAction is accepted in place of client_action.
	aliasAction = "action"
)

// Action is a protocol action carried in the client_action field.
type Action int

// Protocol actions.
const (
	ActionUnknown Action = iota
	ActionSubscribe
	ActionUnsubscribe
	ActionUnsubscribeAll
	ActionPublish
	ActionSuccessfulSubscription
)

var actionNames = map[Action]string{
	ActionUnknown:                "unknown",
	ActionSubscribe:              "subscribe",
	ActionUnsubscribe:            "unsubscribe",
	ActionUnsubscribeAll:         "unsubscribe_all",
	ActionPublish:                "publish",
	ActionSuccessfulSubscription: "successful_subscription",
}

// ParseAction maps a wire value to an Action. Unrecognized values map to
// ActionUnknown.
func ParseAction(s string) Action {
	for a, name := range actionNames {
		if a != ActionUnknown && name == s {
			return a
		}
	}
	return ActionUnknown
}

// String returns the wire value of the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return actionNames[ActionUnknown]
}

// Message is a decoded JSON object frame. Numbers are kept as json.Number so
// they round-trip unchanged.
type Message map[string]any

// Action returns the message action.
func (m Message) Action() Action {
	s, _ := m[KeyAction].(string)
	return ParseAction(s)
}

// Channel returns the channel field, or "" when it is absent or not a string.
func (m Message) Channel() string {
	s, _ := m[KeyChannel].(string)
	return s
}

// Data returns the data field. A missing field yields nil.
func (m Message) Data() any {
	return m[KeyData]
}

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	return maps.Clone(m)
}

// Payload is an inbound frame. Message is nil when the frame is not a JSON
// object, in which case Raw carries the frame unchanged.
type Payload struct {
	Raw     []byte
	Message Message
}

// IsObject reports whether the frame decoded to a JSON object.
func (p Payload) IsObject() bool {
	return p.Message != nil
}

// Bytes returns the raw frame, encoding Message when no raw form is held.
func (p Payload) Bytes() []byte {
	if p.Raw != nil || p.Message == nil {
		return p.Raw
	}
	data, err := encodeJSON(p.Message)
	if err != nil {
		return nil
	}
	return data
}

// Parse decodes raw as a JSON object with canonical keys. Anything else,
// including valid JSON that is not an object, yields a Payload without a
// Message. Parse never fails.
func Parse(raw []byte) Payload {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return Payload{Raw: raw}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Payload{Raw: raw}
	}
	return Payload{Raw: raw, Message: normalize(obj)}
}

// canonicalKey maps case variants of the protocol keys to their canonical
// spelling.
func canonicalKey(k string) (string, bool) {
	switch lower := strings.ToLower(k); lower {
	case KeyAction, KeyChannel, KeyData:
		return lower, true
	}
	return "", false
}

// normalize canonicalizes protocol keys. An exact canonical key wins over
// its case variants, and the action alias is used only when client_action
// is absent. Other keys are kept as sent.
func normalize(obj map[string]any) Message {
	out := make(Message, len(obj))
	keys := slices.Sorted(maps.Keys(obj))

	var alias string
	for _, k := range keys {
		canon, ok := canonicalKey(k)
		if !ok {
			if alias == "" && strings.EqualFold(k, aliasAction) {
				alias = k
			}
			out[k] = obj[k]
			continue
		}
		if _, exact := obj[canon]; exact && k != canon {
			continue
		}
		if _, set := out[canon]; !set {
			out[canon] = obj[k]
		}
	}

	if _, ok := out[KeyAction]; !ok && alias != "" {
		out[KeyAction] = out[alias]
		delete(out, alias)
	}
	return out
}

// encodeJSON marshals v without HTML escaping and without the trailing
// newline added by json.Encoder.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
