package notify

import (
	"bytes"
	"fmt"
	"net/smtp"
	"os"
	"text/template"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Event kinds the reconciler reports on.
const (
	EventPending  = "pending"
	EventPartial  = "partial"
	EventCredited = "credited"
	EventFailed   = "failed"
)

type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type Config struct {
	// Operators receive a copy of every credited notification.
	Operators []string            `yaml:"operators"`
	Templates map[string]Template `yaml:"templates"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to parse %s: %w", path, err)
	}
	for _, kind := range []string{EventPending, EventPartial, EventCredited, EventFailed} {
		if _, ok := cfg.Templates[kind]; !ok {
			return Config{}, fmt.Errorf("missing template for %q", kind)
		}
	}
	return cfg, nil
}

// Sender delivers a rendered message. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(to []string, subject, body string) error
}

type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(addr, from string) *SMTPSender {
	return &SMTPSender{addr: addr, from: from}
}

func (s *SMTPSender) Send(to []string, subject, body string) error {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	for _, rcpt := range to {
		fmt.Fprintf(&msg, "To: %s\r\n", rcpt)
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n%s\r\n", subject, body)
	return smtp.SendMail(s.addr, nil, s.from, to, msg.Bytes())
}

// Context is the data available to notification templates.
type Context struct {
	Username string
	Email    string
	Amount   string
	Address  string
	Txid     string
}

// Notifier renders templates and dispatches them asynchronously.
// Delivery is best-effort: failures are logged and never surface to
// the caller, so a broken sink cannot roll back a balance mutation.
type Notifier struct {
	cfg    Config
	sender Sender
}

func NewNotifier(cfg Config, sender Sender) *Notifier {
	return &Notifier{cfg: cfg, sender: sender}
}

// Notify delivers the event to the account's email. Credited events
// are copied to the operator distribution list.
func (n *Notifier) Notify(kind string, nctx Context) {
	go func() {
		subject, body, err := n.render(kind, nctx)
		if err != nil {
			zap.L().Error("failed to render notification",
				zap.String("kind", kind),
				zap.Error(err))
			return
		}
		recipients := []string{nctx.Email}
		if kind == EventCredited {
			recipients = append(recipients, n.cfg.Operators...)
		}
		if err := n.sender.Send(recipients, subject, body); err != nil {
			zap.L().Error("failed to send notification",
				zap.String("kind", kind),
				zap.String("email", nctx.Email),
				zap.Error(err))
		}
	}()
}

func (n *Notifier) render(kind string, nctx Context) (string, string, error) {
	tpl, ok := n.cfg.Templates[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for %q", kind)
	}
	body, err := renderTemplate(kind, tpl.Body, nctx)
	if err != nil {
		return "", "", err
	}
	subject, err := renderTemplate(kind+"-subject", tpl.Subject, nctx)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func renderTemplate(name, text string, nctx Context) (string, error) {
	tpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := tpl.Execute(&out, nctx); err != nil {
		return "", err
	}
	return out.String(), nil
}
