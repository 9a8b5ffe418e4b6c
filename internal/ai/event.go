package ai

// EventType tags the variants of the stream vocabulary shared by every
// adapter and the outbound relay.
type EventType string

const (
	EventContent     EventType = "content"
	EventStatus      EventType = "status"
	EventSources     EventType = "sources"
	EventChatID      EventType = "chat_id"
	EventTitleUpdate EventType = "title_update"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// Source is one file a grounded answer was drawn from.
type Source struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
}

// Event is a tagged union; only the fields of its Type are set.
type Event struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Sources []Source  `json:"sources,omitempty"`
	ChatID  string    `json:"chat_id,omitempty"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message,omitempty"`
}

func ContentEvent(text string) Event { return Event{Type: EventContent, Text: text} }

func StatusEvent(text string) Event { return Event{Type: EventStatus, Text: text} }

func SourcesEvent(sources []Source) Event { return Event{Type: EventSources, Sources: sources} }

func ChatIDEvent(chatID string) Event { return Event{Type: EventChatID, ChatID: chatID} }

func TitleUpdateEvent(chatID, title string) Event {
	return Event{Type: EventTitleUpdate, ChatID: chatID, Title: title}
}

func ErrorEvent(message string) Event { return Event{Type: EventError, Message: message} }

func DoneEvent() Event { return Event{Type: EventDone} }
