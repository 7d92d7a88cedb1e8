package toolrpc

import (
	"encoding/json"
	"fmt"
)

// EncodeMessage serializes a Message into its wire representation: a single-line JSON
// object. encoding/json escapes embedded newlines, so the output never contains an
// unescaped line break and is safe for newline-delimited framing.
func EncodeMessage(msg Message) ([]byte, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

// DecodeMessage parses wire bytes into a Message and checks its shape. It fails with an
// *Error of kind MalformedMessage when the bytes are not valid JSON, when a request is
// missing its method or ID, or when a response does not carry exactly one of Result and
// Error.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, &Error{
			Code:    codeParseError,
			Kind:    KindMalformedMessage,
			Message: fmt.Sprintf("invalid json: %s", err.Error()),
		}
	}

	if err := checkShape(msg); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func checkShape(msg Message) *Error {
	if msg.Method != "" {
		// Request or notification. Results belong on responses only.
		if msg.Result != nil || msg.Error != nil {
			return &Error{
				Code:    codeParseError,
				Kind:    KindMalformedMessage,
				Message: "request carries result or error",
			}
		}
		return nil
	}

	if msg.ID == "" {
		return &Error{
			Code:    codeParseError,
			Kind:    KindMalformedMessage,
			Message: "message has neither method nor id",
		}
	}

	// Response: exactly one of result and error.
	if msg.Result != nil && msg.Error != nil {
		return &Error{
			Code:    codeParseError,
			Kind:    KindMalformedMessage,
			Message: "response carries both result and error",
		}
	}
	if msg.Result == nil && msg.Error == nil {
		return &Error{
			Code:    codeParseError,
			Kind:    KindMalformedMessage,
			Message: "response carries neither result nor error",
		}
	}

	return nil
}
