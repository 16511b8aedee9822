package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"
)

// EmailSender delivers messages over SMTP.
type EmailSender struct {
	cfg config.EmailChannel
	now func() time.Time
}

// NewEmailSender creates SMTP sender.
// Params: email channel config with host, port, optional credentials, and sender address.
// Returns: email channel sender.
func NewEmailSender(cfg config.EmailChannel) *EmailSender {
	return &EmailSender{cfg: cfg, now: time.Now}
}

// Channel returns sender channel name.
func (s *EmailSender) Channel() domain.Channel {
	return domain.ChannelEmail
}

// Send performs one SMTP transaction bounded by context deadline.
// Params: context and delivery with recipient address, subject, and body.
// Returns: server reply on success or classified error.
func (s *EmailSender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		return SendResult{}, &domain.DispatchError{Kind: domain.DispatchKindRejected, Err: errors.New("smtp host is not configured")}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return SendResult{}, classifyTransportError(ctx, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return SendResult{}, classifySMTPError(ctx, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return SendResult{}, classifySMTPError(ctx, err)
		}
	}
	if s.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)); err != nil {
			return SendResult{}, classifySMTPError(ctx, err)
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return SendResult{}, classifySMTPError(ctx, err)
	}
	if err := client.Rcpt(delivery.Address); err != nil {
		return SendResult{}, classifySMTPError(ctx, err)
	}
	writer, err := client.Data()
	if err != nil {
		return SendResult{}, classifySMTPError(ctx, err)
	}
	if _, err := writer.Write(buildMessage(s.cfg.From, delivery.Address, delivery.Subject, delivery.Body, s.now())); err != nil {
		_ = writer.Close()
		return SendResult{}, classifySMTPError(ctx, err)
	}
	if err := writer.Close(); err != nil {
		return SendResult{}, classifySMTPError(ctx, err)
	}
	if err := client.Quit(); err != nil {
		return SendResult{}, classifySMTPError(ctx, err)
	}
	return SendResult{}, nil
}

// buildMessage renders RFC 5322 message with CRLF line endings.
func buildMessage(from, to, subject, body string, at time.Time) []byte {
	var builder strings.Builder
	builder.WriteString("From: " + from + "\r\n")
	builder.WriteString("To: " + to + "\r\n")
	builder.WriteString("Subject: " + strings.ReplaceAll(strings.ReplaceAll(subject, "\r", ""), "\n", " ") + "\r\n")
	builder.WriteString("Date: " + at.UTC().Format(time.RFC1123Z) + "\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	builder.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	builder.WriteString("\r\n")
	return []byte(builder.String())
}

// classifySMTPError maps SMTP replies: 4xx transient, 5xx permanent.
func classifySMTPError(ctx context.Context, err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code >= 500 {
			return &domain.DispatchError{Kind: domain.DispatchKindRejected, Err: fmt.Errorf("smtp %d: %s", protoErr.Code, protoErr.Msg)}
		}
		return domain.Transport(err)
	}
	return classifyTransportError(ctx, err)
}
