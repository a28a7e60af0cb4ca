package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subscribed = Notification{
	Recipient:        "owner@example.org",
	Kind:             KindMailchimpSubscribe,
	DataOwnerName:    "Data Owner",
	ContactFirstName: "Hugo",
	ContactLastName:  "Muster",
	ContactEmail:     "hugo@example.org",
	AdminEmail:       "admin@example.org",
	ConfigName:       "greens",
}

func TestRender(t *testing.T) {
	subject, body, err := Render(subscribed)
	require.NoError(t, err)

	assert.Equal(t, "New Mailchimp subscriber without CRM record", subject)
	assert.Contains(t, body, "Hi Data Owner")
	assert.Contains(t, body, "Hugo Muster <hugo@example.org>")
	assert.Contains(t, body, "(greens)")
	assert.Contains(t, body, "admin@example.org")

	_, _, err = Render(Notification{Kind: "bogus"})
	assert.Error(t, err)
}

func TestSMTPSender_Send(t *testing.T) {
	logger, _ := test.NewNullLogger()

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	s := NewSMTPSender(SMTPConfig{
		Host:     "smtp.example.org",
		Port:     587,
		Username: "sync@example.org",
		Password: "pw",
	}, logger)
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.NotNil(t, a)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), subscribed))

	assert.Equal(t, "smtp.example.org:587", gotAddr)
	assert.Equal(t, "sync@example.org", gotFrom)
	assert.Equal(t, []string{"owner@example.org"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: New Mailchimp subscriber without CRM record\r\n")
	assert.Contains(t, string(gotMsg), "To: owner@example.org\r\n")
}

func TestSMTPSender_SendError(t *testing.T) {
	logger, _ := test.NewNullLogger()

	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.org", Port: 25}, logger)
	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := s.Send(context.Background(), subscribed)
	assert.ErrorContains(t, err, "connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, subscribed), context.Canceled)
}

func TestNewSender(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.InfoLevel)

	sender := NewSender(SMTPConfig{}, logger)
	require.IsType(t, &LogSender{}, sender)

	require.NoError(t, sender.Send(context.Background(), subscribed))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "owner@example.org", hook.LastEntry().Data["recipient"])

	assert.IsType(t, &SMTPSender{}, NewSender(SMTPConfig{Host: "smtp.example.org"}, logger))
}
