// ABOUTME: send_email handler: renders named templates and delivers over SMTP.
// ABOUTME: The side-effect ledger is claimed before dialing, so sends are at-most-once per job.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

// EmailPayload is the kind-specific payload for send_email jobs.
type EmailPayload struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// SMTPConfig holds SMTP connection parameters sourced from global env vars.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool
}

// Ledger is the side-effect deduplication contract the mailer uses to keep
// "exactly one email per job" under at-least-once delivery.
type Ledger interface {
	ClaimSideEffect(ctx context.Context, jobID uuid.UUID, effect string) (bool, error)
	ReleaseSideEffect(ctx context.Context, jobID uuid.UUID, effect string) error
}

const effectEmailSent = "email_sent"

// emailTemplate is one named message shape the web layer can request.
type emailTemplate struct {
	subject string
	text    string
	html    string
}

// Template fields come from the job payload; unknown templates are a
// permanent failure.
var emailTemplates = map[string]emailTemplate{
	"account_activation": {
		subject: "Activate your EduTrack account",
		text:    "Hi {{.name}},\n\nActivate your account: {{.activation_url}}\n",
		html:    "<p>Hi {{.name}},</p><p><a href=\"{{.activation_url}}\">Activate your account</a></p>",
	},
	"scholarship_status": {
		subject: "Scholarship application update: {{.scholarship}}",
		text:    "Hi {{.name}},\n\nYour application for {{.scholarship}} is now: {{.status}}.\n",
		html:    "<p>Hi {{.name}},</p><p>Your application for <b>{{.scholarship}}</b> is now: {{.status}}.</p>",
	},
	"achievement_verified": {
		subject: "Your certificate was verified",
		text:    "Hi {{.name}},\n\nYour certificate \"{{.title}}\" has been verified.\n",
		html:    "<p>Hi {{.name}},</p><p>Your certificate &quot;{{.title}}&quot; has been verified.</p>",
	},
}

// Mailer sends templated email for send_email jobs over SMTP, dial-per-send.
//
// Idempotency: the email_sent ledger claim is taken before dialing, which
// makes the send at-most-once per job. If the worker crashes between claiming
// and the SMTP transaction completing, the redelivered job finds the claim
// held and reports already_sent without sending: the email is lost rather
// than duplicated. A duplicate "your account is activated" mail confuses
// students and trips spam filters; a lost one is re-requested through the
// web layer. Claim-after-send would invert the tradeoff.
type Mailer struct {
	cfg    SMTPConfig
	ledger Ledger

	// send is swapped in tests; production uses dialAndSend.
	send func(ctx context.Context, m *mail.Msg) error
}

// NewMailer creates a Mailer using dial-per-send SMTP delivery.
func NewMailer(cfg SMTPConfig, ledger Ledger) *Mailer {
	m := &Mailer{cfg: cfg, ledger: ledger}
	m.send = m.dialAndSend
	return m
}

// Handle implements Handler. Failure classification:
//   - unparseable payload, unknown template, invalid recipient → permanent
//   - SMTP dial/transport errors → retryable (claim released first)
func (m *Mailer) Handle(ctx context.Context, j Job) (json.RawMessage, error) {
	var p EmailPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, job.Permanent(fmt.Errorf("email: decode payload: %w", err))
	}

	tpl, ok := emailTemplates[p.Template]
	if !ok {
		return nil, job.Permanent(fmt.Errorf("email: unknown template %q", p.Template))
	}

	subject, err := renderTemplate(tpl.subject, p.Fields)
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("email: render subject: %w", err))
	}
	// Strip CR/LF to prevent header injection through payload fields.
	subject = strings.NewReplacer("\r", "", "\n", "").Replace(subject)
	textBody, err := renderTemplate(tpl.text, p.Fields)
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("email: render body: %w", err))
	}
	htmlBody, err := renderTemplate(tpl.html, p.Fields)
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("email: render html body: %w", err))
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat("EduTrack", m.cfg.From); err != nil {
		return nil, job.Permanent(fmt.Errorf("email: set from: %w", err))
	}
	// go-mail validates the address; a recipient that cannot parse can never
	// be delivered, so this is permanent.
	if err := msg.To(p.To); err != nil {
		return nil, job.Permanent(fmt.Errorf("email: invalid recipient %q: %w", p.To, err))
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, textBody)
	msg.AddAlternativeString(mail.TypeTextHTML, htmlBody)

	first, err := m.ledger.ClaimSideEffect(ctx, j.ID, effectEmailSent)
	if err != nil {
		return nil, job.Retryable(fmt.Errorf("email: claim ledger: %w", err))
	}
	if !first {
		// A previous delivery of this job already sent (or is sending) the
		// email; redelivery must not produce a second copy.
		return json.Marshal(map[string]string{"status": "already_sent", "to": p.To})
	}

	if err := m.send(ctx, msg); err != nil {
		// The send never became externally visible; release the claim so the
		// retry is allowed to send.
		if relErr := m.ledger.ReleaseSideEffect(ctx, j.ID, effectEmailSent); relErr != nil {
			return nil, job.Retryable(fmt.Errorf("email: send failed (%v); release ledger: %w", err, relErr))
		}
		return nil, job.Retryable(fmt.Errorf("email: send: %w", err))
	}

	return json.Marshal(map[string]string{"status": "sent", "to": p.To, "template": p.Template})
}

// dialAndSend delivers msg with a fresh SMTP connection. Sporadic task
// traffic doesn't justify a persistent connection.
func (m *Mailer) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
	}
	if m.cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(m.cfg.Username))
		opts = append(opts, mail.WithPassword(m.cfg.Password))
	}
	if m.cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	return c.DialAndSendWithContext(ctx, msg)
}

// renderTemplate executes a template string against the payload fields.
func renderTemplate(tpl string, fields map[string]string) (string, error) {
	t, err := template.New("email").Option("missingkey=zero").Parse(tpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, fields); err != nil {
		return "", err
	}
	return buf.String(), nil
}
