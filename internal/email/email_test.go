package email

import (
	"bytes"
	"context"
	"errors"
	"testing"

	mail "github.com/go-mail/mail"
	"github.com/notesd/apiserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDialer struct {
	sent []*mail.Message
	err  error
}

func (d *recordingDialer) DialAndSend(m ...*mail.Message) error {
	d.sent = append(d.sent, m...)
	return d.err
}

func newTestSender(d *recordingDialer) *SMTPSender {
	s := NewSMTPSender(config.SMTPConfig{Host: "smtp.local", Port: 25, From: "noreply@notes.local"}, nil)
	s.dial = func() dialer { return d }
	return s
}

func TestNewSender_DisabledIsNop(t *testing.T) {
	s := NewSender(config.SMTPConfig{}, nil)
	assert.IsType(t, NopSender{}, s)
	assert.NoError(t, s.Send(context.Background(), Welcome("a@b.c")))
}

func TestSMTPSender_Send(t *testing.T) {
	d := &recordingDialer{}
	s := newTestSender(d)

	require.NoError(t, s.Send(context.Background(), Welcome("alice@example.com")))
	require.Len(t, d.sent, 1)

	m := d.sent[0]
	assert.Equal(t, []string{"noreply@notes.local"}, m.GetHeader("From"))
	assert.Equal(t, []string{"alice@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Welcome to Notes"}, m.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "multipart/alternative")
}

func TestSMTPSender_SendErrors(t *testing.T) {
	boom := errors.New("connection refused")
	s := newTestSender(&recordingDialer{err: boom})

	err := s.Send(context.Background(), Message{To: "a@b.c", TextBody: "hi"})
	assert.ErrorIs(t, err, boom)

	assert.Error(t, s.Send(context.Background(), Message{TextBody: "hi"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, Message{To: "a@b.c"}), context.Canceled)
}

func TestWelcome_EscapesHTML(t *testing.T) {
	msg := Welcome("<x>@example.com")
	assert.Contains(t, msg.HTMLBody, "&lt;x&gt;")
	assert.Contains(t, msg.TextBody, "<x>@example.com")
}
