package upstream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventType is the discriminator carried by every upstream wire event.
type EventType string

// Server event types the relay reacts to. Anything else is logged as
// unhandled and ignored.
const (
	EventError                   EventType = "error"
	EventSessionCreated          EventType = "session.created"
	EventSessionUpdated          EventType = "session.updated"
	EventConversationItemCreated EventType = "conversation.item.created"
	EventResponseTextDelta       EventType = "response.text.delta"
	EventResponseTextDone        EventType = "response.text.done"
	EventResponseAudioDelta      EventType = "response.audio.delta"
	EventResponseAudioDone       EventType = "response.audio.done"
	EventResponseOutputItemDone  EventType = "response.output_item.done"
	EventResponseDone            EventType = "response.done"
)

// Item types and roles.
const (
	ItemTypeMessage      = "message"
	ItemTypeFunctionCall = "function_call"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types inside a conversation item.
const (
	ContentTypeText  = "text"
	ContentTypeAudio = "audio"
)

// ErrMissingType marks a wire event without a type discriminator. Such an
// event is a protocol violation; it is dropped with a diagnostic, not
// treated as fatal.
var ErrMissingType = errors.New("event missing type discriminator")

// Event is the decoded shape of an upstream wire event. Only the fields
// relevant to the event's type are populated; the rest stay zero.
type Event struct {
	Type     EventType       `json:"type"`
	EventID  string          `json:"event_id,omitempty"`
	Delta    string          `json:"delta,omitempty"`
	Item     *Item           `json:"item,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	Session  json.RawMessage `json:"session,omitempty"`
	Response *Response       `json:"response,omitempty"`
}

// Item is the conversation item payload of item-bearing events.
type Item struct {
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Role         string        `json:"role,omitempty"`
	Content      []ContentPart `json:"content,omitempty"`
	Name         string        `json:"name,omitempty"`
	CallID       string        `json:"call_id,omitempty"`
	Arguments    string        `json:"arguments,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// ContentPart is one entry of an item's content list. Text parts carry
// Text; audio parts carry the Transcript of the synthesized speech.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// FunctionCall is the nested invocation payload some wire versions attach
// to function_call items instead of the flat Name/Arguments fields.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ErrorDetail is the payload of an upstream error event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Response is the payload of response.done; only usage statistics are
// interesting to the relay (they get logged).
type Response struct {
	Usage map[string]any `json:"usage,omitempty"`
}

// ParseEvent decodes a wire event. Malformed JSON or a missing type
// discriminator is an error; the caller logs and skips the event.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Type == "" {
		return nil, ErrMissingType
	}
	return &ev, nil
}

// IsAssistantMessage reports whether the item is a completed assistant
// message whose content should be appended to the transcript.
func (it *Item) IsAssistantMessage() bool {
	return it != nil && it.Type == ItemTypeMessage && it.Role == RoleAssistant
}

// IsFunctionCall reports whether the item requests a side-effect
// invocation.
func (it *Item) IsFunctionCall() bool {
	return it != nil && it.Type == ItemTypeFunctionCall
}

// TranscriptText concatenates the item's content in content order: text
// parts contribute their text, audio parts their transcript.
func (it *Item) TranscriptText() string {
	if it == nil {
		return ""
	}
	var out string
	for _, c := range it.Content {
		switch c.Type {
		case ContentTypeText:
			out += c.Text
		case ContentTypeAudio:
			out += c.Transcript
		}
	}
	return out
}

// Invocation returns the function name, raw argument JSON, and call id of
// a function_call item. Both the flat and the nested wire shapes are
// accepted.
func (it *Item) Invocation() (name, arguments, callID string) {
	if it == nil {
		return "", "", ""
	}
	name, arguments = it.Name, it.Arguments
	if it.FunctionCall != nil {
		if it.FunctionCall.Name != "" {
			name = it.FunctionCall.Name
		}
		if it.FunctionCall.Arguments != "" {
			arguments = it.FunctionCall.Arguments
		}
	}
	callID = it.CallID
	if callID == "" {
		callID = it.ID
	}
	return name, arguments, callID
}
