package channel

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// ErrMalformed is returned by [ParseInbound] for payloads that are neither a
// valid JSON envelope nor a non-empty binary clip.
var ErrMalformed = errors.New("channel: malformed inbound message")

// InboundMessage is a message received from the service. It is either a
// [TextMessage] or an [AudioMessage]; dispatch with a type switch.
type InboundMessage interface {
	// Kind returns "text" or "audio".
	Kind() string
	inbound()
}

// TextMessage is a status or transcript text from the service.
type TextMessage struct {
	Text string

	// Type is the envelope's type field, e.g. "gemini_response" or "error".
	// Empty when the service did not set one.
	Type string

	// WithAudio is true when the same envelope carried a clip. That clip is
	// delivered as the next message.
	WithAudio bool
}

// Kind implements [InboundMessage].
func (TextMessage) Kind() string { return "text" }

// IsError reports whether the service flagged this text as an error.
func (m TextMessage) IsError() bool { return m.Type == "error" }

func (TextMessage) inbound() {}

// AudioMessage is a playable response clip.
type AudioMessage struct {
	Payload []byte

	// Encoded is true when the clip arrived base64-encoded inside a JSON
	// envelope rather than as a binary frame.
	Encoded bool
}

// Kind implements [InboundMessage].
func (AudioMessage) Kind() string { return "audio" }

func (AudioMessage) inbound() {}

// envelope is the JSON shape of text frames.
type envelope struct {
	Text  *string `json:"text"`
	Audio *string `json:"audio"`
	Type  string  `json:"type"`
}

// ParseInbound converts one transport frame into zero or more messages.
//
// Binary frames become a single [AudioMessage]. Text frames are decoded as a
// JSON envelope; its text (if any) comes first, then its audio (if any), and
// the text is marked [TextMessage.WithAudio] when both are present. Envelopes
// carrying neither are ignored. When the text is valid but the audio cannot
// be decoded, the text is still returned together with an error wrapping
// [ErrMalformed].
func ParseInbound(typ websocket.MessageType, data []byte) ([]InboundMessage, error) {
	if typ == websocket.MessageBinary {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty binary frame", ErrMalformed)
		}
		return []InboundMessage{AudioMessage{Payload: data}}, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		clip     []byte
		audioErr error
	)
	if env.Audio != nil && *env.Audio != "" {
		if clip, audioErr = decodeBase64(*env.Audio); audioErr != nil {
			audioErr = fmt.Errorf("%w: audio field: %v", ErrMalformed, audioErr)
			clip = nil
		}
	}

	var msgs []InboundMessage
	if env.Text != nil {
		msgs = append(msgs, TextMessage{Text: *env.Text, Type: env.Type, WithAudio: clip != nil})
	}
	if clip != nil {
		msgs = append(msgs, AudioMessage{Payload: clip, Encoded: true})
	}
	return msgs, audioErr
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	if b, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return b, nil
	}
	return nil, err
}

// Control message types sent when listening begins and ends.
const (
	ControlStart = "start"
	ControlStop  = "stop"
)

// Control is a client-to-service control message.
type Control struct {
	Type string `json:"type"`
}
