package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/engram/source"
)

// Normalizer converts raw source items into canonical envelopes.
// Safe for concurrent use.
type Normalizer struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Normalize parses the raw item per its source kind's schema and returns the
// canonical envelope. Validation failures (no stable id, undecodable payload,
// unknown kind) are permanent errors, never retried.
func (n *Normalizer) Normalize(item *source.RawItem) (*Envelope, error) {
	var (
		env *Envelope
		err error
	)
	switch item.Kind {
	case source.KindTeams:
		env, err = n.normalizeChat(item.Data)
	case source.KindEmail:
		env, err = n.normalizeEmail(item.Data)
	case source.KindCalendar:
		env, err = n.normalizeCalendar(item.Data)
	case source.KindNote:
		env, err = n.normalizeNote(item.Data)
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrBadPayload, item.Kind)
	}
	if err != nil {
		return nil, err
	}
	env.SourceKind = string(item.Kind)
	env.Tenant = item.Tenant
	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

type namedPerson struct {
	DisplayName  string `json:"displayName"`
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (p *namedPerson) label() string {
	switch {
	case p.EmailAddress.Address != "" && p.EmailAddress.Name != "":
		return p.EmailAddress.Name + " <" + p.EmailAddress.Address + ">"
	case p.EmailAddress.Address != "":
		return p.EmailAddress.Address
	case p.EmailAddress.Name != "":
		return p.EmailAddress.Name
	default:
		return p.DisplayName
	}
}

func (n *Normalizer) normalizeChat(data []byte) (*Envelope, error) {
	var msg struct {
		ID              string `json:"id"`
		CreatedDateTime string `json:"createdDateTime"`
		From            struct {
			User struct {
				DisplayName string `json:"displayName"`
			} `json:"user"`
		} `json:"from"`
		Body struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ChatID          string `json:"chatId"`
		ChannelIdentity struct {
			ChannelID string `json:"channelId"`
		} `json:"channelIdentity"`
		WebURL       string        `json:"webUrl"`
		Participants []namedPerson `json:"participants"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: chat message: %v", ErrBadPayload, err)
	}

	env := &Envelope{
		SourceID:  msg.ID,
		EventTime: parseTime(msg.CreatedDateTime),
		Author:    msg.From.User.DisplayName,
		Context: Context{
			Thread:  msg.ChatID,
			Channel: msg.ChannelIdentity.ChannelID,
			Link:    msg.WebURL,
		},
	}
	for _, p := range msg.Participants {
		env.Participants = append(env.Participants, p.label())
	}
	sort.Strings(env.Participants)

	if strings.EqualFold(msg.Body.ContentType, "html") {
		env.Text = flattenHTML(msg.Body.Content)
		env.Raw = msg.Body.Content
	} else {
		env.Text = strings.TrimSpace(msg.Body.Content)
	}
	return env, nil
}

func (n *Normalizer) normalizeEmail(data []byte) (*Envelope, error) {
	var mail struct {
		ID               string        `json:"id"`
		Subject          string        `json:"subject"`
		ReceivedDateTime string        `json:"receivedDateTime"`
		From             namedPerson   `json:"from"`
		ToRecipients     []namedPerson `json:"toRecipients"`
		CcRecipients     []namedPerson `json:"ccRecipients"`
		ConversationID   string        `json:"conversationId"`
		WebLink          string        `json:"webLink"`
		Body             struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
	}
	if err := json.Unmarshal(data, &mail); err != nil {
		return nil, fmt.Errorf("%w: email: %v", ErrBadPayload, err)
	}

	env := &Envelope{
		SourceID:  mail.ID,
		EventTime: parseTime(mail.ReceivedDateTime),
		Author:    mail.From.label(),
		Context: Context{
			Thread:  mail.ConversationID,
			Subject: mail.Subject,
			Link:    mail.WebLink,
		},
	}
	for _, p := range append(mail.ToRecipients, mail.CcRecipients...) {
		env.Participants = append(env.Participants, p.label())
	}
	sort.Strings(env.Participants)

	if strings.EqualFold(mail.Body.ContentType, "html") {
		env.Text = n.htmlToText(mail.Body.Content)
		env.Raw = mail.Body.Content
	} else {
		env.Text = strings.TrimSpace(mail.Body.Content)
	}
	return env, nil
}

func (n *Normalizer) normalizeCalendar(data []byte) (*Envelope, error) {
	var ev struct {
		ID                   string        `json:"id"`
		Subject              string        `json:"subject"`
		LastModifiedDateTime string        `json:"lastModifiedDateTime"`
		Organizer            namedPerson   `json:"organizer"`
		Attendees            []namedPerson `json:"attendees"`
		Start                struct {
			DateTime string `json:"dateTime"`
		} `json:"start"`
		End struct {
			DateTime string `json:"dateTime"`
		} `json:"end"`
		Location struct {
			DisplayName string `json:"displayName"`
		} `json:"location"`
		BodyPreview string `json:"bodyPreview"`
		WebLink     string `json:"webLink"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: calendar event: %v", ErrBadPayload, err)
	}

	eventTime := parseTime(ev.LastModifiedDateTime)
	if eventTime.IsZero() {
		eventTime = parseTime(ev.Start.DateTime)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\n", ev.Subject)
	if ev.Start.DateTime != "" {
		fmt.Fprintf(&b, "When: %s", ev.Start.DateTime)
		if ev.End.DateTime != "" {
			fmt.Fprintf(&b, " to %s", ev.End.DateTime)
		}
		b.WriteString("\n")
	}
	if ev.Location.DisplayName != "" {
		fmt.Fprintf(&b, "Where: %s\n", ev.Location.DisplayName)
	}
	if ev.BodyPreview != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(ev.BodyPreview))
	}

	env := &Envelope{
		SourceID:  ev.ID,
		EventTime: eventTime,
		Author:    ev.Organizer.label(),
		Context: Context{
			Subject: ev.Subject,
			Link:    ev.WebLink,
		},
		Text: strings.TrimRight(b.String(), "\n"),
	}
	for _, p := range ev.Attendees {
		env.Participants = append(env.Participants, p.label())
	}
	sort.Strings(env.Participants)
	return env, nil
}

func (n *Normalizer) normalizeNote(data []byte) (*Envelope, error) {
	var note struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Text      string    `json:"text"`
		Author    string    `json:"author"`
		Link      string    `json:"link"`
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, fmt.Errorf("%w: note: %v", ErrBadPayload, err)
	}
	return &Envelope{
		SourceID:  note.ID,
		EventTime: note.CreatedAt,
		Author:    note.Author,
		Context: Context{
			Subject: note.Title,
			Link:    note.Link,
		},
		Text: strings.TrimSpace(note.Text),
	}, nil
}

// htmlToText sanitizes HTML and converts it to readable markdown-flavoured
// text. Links survive conversion as markdown links. Falls back to tag
// stripping when conversion produces nothing.
func (n *Normalizer) htmlToText(html string) string {
	clean := n.policy.Sanitize(html)
	out, err := n.conv.ConvertString(clean)
	if err != nil || strings.TrimSpace(out) == "" {
		return flattenHTML(clean)
	}
	return strings.TrimSpace(out)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
