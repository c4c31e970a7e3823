package domain

import "time"

// SourceKind says where an attachment's bytes live.
type SourceKind string

const (
	SourceUploadedContent SourceKind = "UPLOADED_CONTENT"
	SourceDriveFile       SourceKind = "DRIVE_FILE"
	SourceUnspecified     SourceKind = "SOURCE_UNSPECIFIED"
)

// AttachmentRef points at an attachment of a chat message.
// Kinds other than the two known ones keep their raw provider value.
type AttachmentRef struct {
	Kind        SourceKind `json:"kind"`
	Resource    string     `json:"resource"`
	Name        string     `json:"name,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
}

// Uploaded reports whether the bytes can be retrieved through the media endpoint.
func (r AttachmentRef) Uploaded() bool {
	return r.Kind == SourceUploadedContent
}

// Sender identifies the author of an event.
type Sender struct {
	Name        string `json:"name"` // users/{id}
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	Type        string `json:"type,omitempty"` // HUMAN | BOT
}

// CardAction is the interactive card payload of a CARD_CLICKED event.
type CardAction struct {
	Method     string            `json:"method"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// CanonicalMessage is the provider-neutral view of an inbound event.
// Body is always set, possibly to the empty string.
type CanonicalMessage struct {
	EventID     string          `json:"eventId,omitempty"`
	Type        EventType       `json:"type"`
	Sender      Sender          `json:"sender"`
	Space       string          `json:"space,omitempty"`     // spaces/{id}
	SpaceType   string          `json:"spaceType,omitempty"` // ROOM | DM
	Thread      string          `json:"thread,omitempty"`    // spaces/{id}/threads/{id}
	Name        string          `json:"name,omitempty"`      // spaces/{id}/messages/{id}
	Body        string          `json:"body"`
	Attachments []AttachmentRef `json:"attachments"`
	Action      *CardAction     `json:"action,omitempty"`
	EventTime   time.Time       `json:"eventTime,omitempty"`
}

// OrderingKey groups messages that must be handled in delivery order.
func (m CanonicalMessage) OrderingKey() string {
	if m.Thread != "" {
		return m.Thread
	}
	return m.Space
}

// OutboundMessage is text to post back into a space, optionally in a thread.
type OutboundMessage struct {
	Space  string
	Thread string
	Text   string
}
