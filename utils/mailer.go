package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// SMTPSettings is one outbound mail account, already decrypted.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool
	UseTLS   bool
	From     string
	FromName string
}

func (s SMTPSettings) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s SMTPSettings) Validate() error {
	switch {
	case s.Host == "":
		return errors.New("smtp host is required")
	case s.Port <= 0:
		return errors.New("smtp port is required")
	case s.From == "":
		return errors.New("sender address is required")
	}
	return nil
}

type Email struct {
	To      []string
	Cc      []string
	Subject string
	Text    string
	HTML    string
}

// SMTPMailer sends mail with gomail, one connection per message.
type SMTPMailer struct {
	Timeout time.Duration
	log     *logrus.Entry
}

func NewSMTPMailer(timeout time.Duration) *SMTPMailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMTPMailer{Timeout: timeout, log: Component("mailer")}
}

func (m *SMTPMailer) dialer(s SMTPSettings) *gomail.Dialer {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	// Port 465 is implicit TLS whatever the profile says.
	d.SSL = s.UseSSL || s.Port == 465
	if !d.SSL {
		d.TLSConfig = &tls.Config{ServerName: s.Host}
	}
	return d
}

// Send delivers e and returns the Message-Id it was sent with.
func (m *SMTPMailer) Send(ctx context.Context, s SMTPSettings, e Email) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if len(e.To) == 0 {
		return "", errors.New("no recipient")
	}

	domain := s.Host
	if at := strings.LastIndex(s.From, "@"); at >= 0 {
		domain = s.From[at+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	msg := gomail.NewMessage()
	if s.FromName != "" {
		msg.SetAddressHeader("From", s.From, s.FromName)
	} else {
		msg.SetHeader("From", s.From)
	}
	msg.SetHeader("To", e.To...)
	if len(e.Cc) > 0 {
		msg.SetHeader("Cc", e.Cc...)
	}
	msg.SetHeader("Subject", e.Subject)
	msg.SetHeader("Message-Id", messageID)
	msg.SetDateHeader("Date", time.Now())

	switch {
	case e.Text != "" && e.HTML != "":
		msg.SetBody("text/plain", e.Text)
		msg.AddAlternative("text/html", e.HTML)
	case e.HTML != "":
		msg.SetBody("text/html", e.HTML)
	default:
		msg.SetBody("text/plain", e.Text)
	}

	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- m.dialer(s).DialAndSend(msg)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return "", fmt.Errorf("smtp send via %s: %w", s.addr(), err)
		}
	case <-ctx.Done():
		return "", fmt.Errorf("smtp send via %s: %w", s.addr(), ctx.Err())
	}

	m.log.WithFields(logrus.Fields{
		"smtp_host":  s.Host,
		"to":         strings.Join(e.To, ","),
		"message_id": messageID,
	}).Debug("Email sent")
	return messageID, nil
}

// TestConnection opens a session and authenticates without sending anything.
func (m *SMTPMailer) TestConnection(ctx context.Context, s SMTPSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: m.Timeout}
	tlsConfig := &tls.Config{ServerName: s.Host}

	var (
		conn net.Conn
		err  error
	)
	if s.UseSSL || s.Port == 465 {
		conn, err = tls.DialWithDialer(dialer, "tcp", s.addr(), tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.addr())
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(m.Timeout))
	}

	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok && !(s.UseSSL || s.Port == 465) {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if s.Username != "" && s.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", s.Username, s.Password, s.Host)); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	return client.Quit()
}
