package types

// MessageType tags the content of a NetworkMessage.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageFile    MessageType = "file"
	MessageContact MessageType = "contact"
	MessageEmoji   MessageType = "emoji"
	MessageRecord  MessageType = "record"
	MessageInvite  MessageType = "invite"
)

// NetworkMessage is the chat payload carried by MessageCreate.
type NetworkMessage struct {
	Type    MessageType `json:"type"`
	Content []byte      `json:"content,omitempty"`
	// Name is the file or contact name for file and contact messages.
	Name string `json:"name,omitempty"`
}

// TextMessage builds a plain text message.
func TextMessage(text string) NetworkMessage {
	return NetworkMessage{Type: MessageText, Content: []byte(text)}
}
