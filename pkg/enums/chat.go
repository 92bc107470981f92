package enums

// MessageStatus reflects delivery of a chat message.
type MessageStatus string

const (
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

func (s MessageStatus) IsValid() bool {
	switch s {
	case MessageSending, MessageSent, MessageFailed:
		return true
	}
	return false
}
