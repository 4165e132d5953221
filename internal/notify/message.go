// Package notify composes decision notifications and delivers them over
// SMTP or ntfy, directly or through the persistent outbox.
package notify

import (
	"bytes"
	"context"
	"html/template"

	"github.com/kalambet/evalq/internal/submission"
)

// Message is one outbound notification. Body is HTML.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Notifier delivers a message. Delivery is best-effort: callers log
// failures and never let them change a decision's outcome.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Noop drops every message.
type Noop struct{}

func (Noop) Notify(context.Context, Message) error { return nil }

var bodyTmpl = template.Must(template.New("decision").Parse(`
<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: {{.Color}};">Application {{.Verdict}}</h2>
  <p>Dear {{.Name}},</p>
  <p>Your application has been {{.VerdictLower}}.</p>
  <div style="background-color: #f3f4f6; padding: 20px; border-radius: 8px; margin: 20px 0;">
    <h3 style="color: #4B5563; margin-top: 0;">Feedback:</h3>
    <p style="color: #1F2937; white-space: pre-wrap;">{{.Feedback}}</p>
  </div>
  {{if .Accepted}}<p style="color: #059669;">Welcome to the team! We look forward to working with you.</p>
  {{else}}<p style="color: #DC2626;">Thank you for your interest. We wish you the best in your future endeavors.</p>
  {{end}}<p>Best regards,<br>The Evaluation Team</p>
</div>
`))

// Compose builds the applicant email for a decided submission.
func Compose(it submission.Item) (Message, error) {
	accepted := it.Status == submission.StatusAccepted
	data := struct {
		Color        string
		Verdict      string
		VerdictLower string
		Name         string
		Feedback     string
		Accepted     bool
	}{
		Color:        "#EF4444",
		Verdict:      "Reviewed",
		VerdictLower: "reviewed",
		Name:         it.FullName,
		Feedback:     it.Feedback,
		Accepted:     accepted,
	}
	if accepted {
		data.Color = "#10B981"
		data.Verdict = "Approved"
		data.VerdictLower = "approved"
	}

	var buf bytes.Buffer
	if err := bodyTmpl.Execute(&buf, data); err != nil {
		return Message{}, err
	}
	return Message{
		To:      it.Email,
		Subject: "Your Application Has Been " + data.Verdict,
		Body:    buf.String(),
	}, nil
}
