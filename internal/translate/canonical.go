// Package translate converts Google Chat events into canonical messages and
// outbound markdown into Google Chat text markup.
package translate

import (
	"encoding/json"
	"strings"
	"time"

	"gchatbridge/internal/domain"
)

// Translator normalizes inbound events. It holds only immutable settings.
type Translator struct {
	mentionPrefix string
}

// New creates a Translator that strips mentionPrefix (e.g. "@errbot") from
// the start of message text.
func New(mentionPrefix string) *Translator {
	return &Translator{mentionPrefix: mentionPrefix}
}

// ToCanonical never fails. Payloads that cannot be decoded produce a message
// with an empty body and no attachments.
func (t *Translator) ToCanonical(ev domain.InboundEvent) domain.CanonicalMessage {
	msg := domain.CanonicalMessage{
		EventID:     ev.ID,
		Type:        ev.Type,
		Attachments: []domain.AttachmentRef{},
	}

	var raw chatEvent
	if err := json.Unmarshal(ev.Body, &raw); err != nil {
		return msg
	}

	msg.Type = domain.ParseEventType(raw.Type)
	if ts, err := time.Parse(time.RFC3339Nano, raw.EventTime); err == nil {
		msg.EventTime = ts
	}

	space := raw.Space
	if m := raw.Message; m != nil {
		if space == nil {
			space = m.Space
		}
		msg.Name = m.Name
		msg.Body = t.stripMention(m.Text)
		if m.Thread != nil {
			msg.Thread = m.Thread.Name
		}
		if m.Sender != nil {
			msg.Sender = toSender(m.Sender)
		}
		for _, a := range m.Attachment {
			msg.Attachments = append(msg.Attachments, toAttachmentRef(a))
		}
	}
	if msg.Sender.Name == "" && raw.User != nil {
		msg.Sender = toSender(raw.User)
	}
	if space != nil {
		msg.Space = space.Name
		msg.SpaceType = space.Type
		if msg.SpaceType == "" {
			msg.SpaceType = space.SpaceType
		}
	}
	if raw.Action != nil {
		action := &domain.CardAction{Method: raw.Action.ActionMethodName}
		if len(raw.Action.Parameters) > 0 {
			action.Parameters = make(map[string]string, len(raw.Action.Parameters))
			for _, p := range raw.Action.Parameters {
				action.Parameters[p.Key] = p.Value
			}
		}
		msg.Action = action
	}
	return msg
}

// ToMarkup renders outbound markdown for Google Chat.
func (t *Translator) ToMarkup(text string) string {
	return ToMarkup(text)
}

func (t *Translator) stripMention(text string) string {
	if t.mentionPrefix != "" && strings.HasPrefix(text, t.mentionPrefix) {
		text = text[len(t.mentionPrefix):]
	}
	return strings.TrimSpace(text)
}

func toSender(u *chatUser) domain.Sender {
	return domain.Sender{
		Name:        u.Name,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Type:        u.Type,
	}
}

func toAttachmentRef(a chatAttachment) domain.AttachmentRef {
	ref := domain.AttachmentRef{
		Kind:        domain.SourceKind(a.Source),
		Name:        a.ContentName,
		ContentType: a.ContentType,
	}
	if ref.Kind == "" {
		ref.Kind = domain.SourceUnspecified
	}
	switch {
	case a.AttachmentDataRef != nil && a.AttachmentDataRef.ResourceName != "":
		ref.Resource = a.AttachmentDataRef.ResourceName
	case a.DriveDataRef != nil && a.DriveDataRef.DriveFileID != "":
		ref.Resource = a.DriveDataRef.DriveFileID
	default:
		ref.Resource = a.Name
	}
	return ref
}
