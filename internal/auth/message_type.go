package auth

import "fmt"

// MessageType classifies a verified webhook delivery.
type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageNotification
	MessageVerification
	MessageRevocation
)

// ParseMessageType maps the message-type header onto the closed set of kinds.
func ParseMessageType(raw string) (MessageType, error) {
	switch raw {
	case "notification":
		return MessageNotification, nil
	case "webhook_callback_verification":
		return MessageVerification, nil
	case "revocation":
		return MessageRevocation, nil
	default:
		return MessageUnknown, fmt.Errorf("%w: %q", ErrUnknownMessageType, raw)
	}
}

func (m MessageType) String() string {
	switch m {
	case MessageNotification:
		return "notification"
	case MessageVerification:
		return "webhook_callback_verification"
	case MessageRevocation:
		return "revocation"
	default:
		return "unknown"
	}
}
