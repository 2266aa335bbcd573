package domain

// EventType names what changed in the chat session.
type EventType string

const (
	EventMessages     EventType = "messages"
	EventConversation EventType = "conversation"
	EventSending      EventType = "sending"
	EventError        EventType = "error"
)

// Event is delivered to the UI layer. Only the fields matching Type are set.
type Event struct {
	Type         EventType
	Messages     []Message
	Conversation *Conversation
	Sending      bool
	Err          error
}

// EventBus carries session events to whichever front-end renders them.
type EventBus interface {
	Publish(evt Event)
	Events() <-chan Event
	Close()
}
