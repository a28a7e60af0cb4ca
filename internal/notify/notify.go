// Package notify sends operator notifications, such as telling the data
// owner that a contact subscribed on Mailchimp directly.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"

	log "github.com/sirupsen/logrus"
)

type Kind string

const (
	KindMailchimpSubscribe Kind = "mailchimpSubscribe"
)

type Notification struct {
	Recipient        string
	Kind             Kind
	DataOwnerName    string
	ContactFirstName string
	ContactLastName  string
	ContactEmail     string
	AdminEmail       string
	ConfigName       string
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

var templates = map[Kind]*template.Template{
	KindMailchimpSubscribe: template.Must(template.New(string(KindMailchimpSubscribe)).Parse(
		`Hi {{ .DataOwnerName }}

{{ .ContactFirstName }} {{ .ContactLastName }} <{{ .ContactEmail }}> subscribed
directly in Mailchimp ({{ .ConfigName }}). The contact is not linked to a CRM
record. Please add it to the CRM if it should stay on the list.

For questions contact {{ .AdminEmail }}.
`)),
}

var subjects = map[Kind]string{
	KindMailchimpSubscribe: "New Mailchimp subscriber without CRM record",
}

// Render returns the subject and text body of a notification.
func Render(n Notification) (string, string, error) {
	tmpl, ok := templates[n.Kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification kind %q", n.Kind)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, n); err != nil {
		return "", "", fmt.Errorf("render %s notification: %w", n.Kind, err)
	}

	return subjects[n.Kind], body.String(), nil
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type SMTPSender struct {
	Config SMTPConfig
	Logger *log.Logger

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig, logger *log.Logger) *SMTPSender {
	return &SMTPSender{Config: cfg, Logger: logger, sendMail: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body, err := Render(n)
	if err != nil {
		return err
	}

	from := s.Config.From
	if from == "" {
		from = s.Config.Username
	}

	var auth smtp.Auth
	if s.Config.Username != "" {
		auth = smtp.PlainAuth("", s.Config.Username, s.Config.Password, s.Config.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	msg := buildMessage(from, n.Recipient, subject, body)

	s.Logger.Debugf("sending %s notification to %s via %s...", n.Kind, n.Recipient, addr)

	if err := s.sendMail(addr, auth, from, []string{n.Recipient}, msg); err != nil {
		return fmt.Errorf("send %s notification: %w", n.Kind, err)
	}

	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogSender writes notifications to the log instead of mailing them. Used
// when no SMTP host is configured.
type LogSender struct {
	Logger *log.Logger
}

func (s *LogSender) Send(ctx context.Context, n Notification) error {
	subject, body, err := Render(n)
	if err != nil {
		return err
	}

	s.Logger.WithFields(log.Fields{
		"recipient": n.Recipient,
		"kind":      n.Kind,
		"config":    n.ConfigName,
	}).Infof("%s\n%s", subject, body)

	return nil
}

// NewSender picks the SMTP sender when a host is configured.
func NewSender(cfg SMTPConfig, logger *log.Logger) Sender {
	if cfg.Host == "" {
		return &LogSender{Logger: logger}
	}
	return NewSMTPSender(cfg, logger)
}
