// Package notify tells the reporter that their snag was recorded.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/go-faster/errors"

	"snag-tracker/internal/models"
)

// Message is a plain text email.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier composes snag notifications.
type Notifier struct {
	sender Sender
	system string
}

// New builds a notifier. system signs the message.
func New(sender Sender, system string) *Notifier {
	if system == "" {
		system = "Snag Tracker"
	}
	return &Notifier{sender: sender, system: system}
}

// NotifySubmitted emails the reporter a summary of a newly recorded snag.
func (n *Notifier) NotifySubmitted(ctx context.Context, s models.Snag) error {
	if s.ReporterEmail == "" {
		return errors.New("snag has no reporter email")
	}
	msg, err := n.Compose(s)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, msg)
}

// Compose renders the submission message without sending it.
func (n *Notifier) Compose(s models.Snag) (Message, error) {
	var buf bytes.Buffer
	err := submittedTemplate.Execute(&buf, struct {
		models.Snag
		MediaLinkValue string
		System         string
	}{Snag: s, MediaLinkValue: deref(s.MediaLink), System: n.system})
	if err != nil {
		return Message{}, errors.Wrap(err, "render notification")
	}
	return Message{
		To:      []string{s.ReporterEmail},
		Subject: fmt.Sprintf("New Snag Reported: %s [%s]", s.Title, s.Identifier),
		Body:    buf.String(),
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var submittedTemplate = template.Must(template.New("submitted").Parse(`Dear {{.ReporterName}},

A new maintenance snag has been reported:

Snag ID: {{.Identifier}}
Store: {{.StoreName}}
Category: {{.Category}}
Urgency: {{.Urgency}}

Title: {{.Title}}

Description:
{{.Description}}

Date of Report: {{.ReportDate.Format "02 January 2006"}}
{{if .MediaLinkValue}}
Media Link: {{.MediaLinkValue}}
{{end}}
Please review and take appropriate action.

Best regards,
{{.System}}
`))
