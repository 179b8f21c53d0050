package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Email sends plain-text mail over SMTP with STARTTLS (what smtp.SendMail
// negotiates when the server advertises it).
type Email struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func NewEmail(host string, port int, username, password, from string) *Email {
	if from == "" {
		from = username
	}
	return &Email{Host: host, Port: port, Username: username, Password: password, From: from}
}

func (e *Email) SendText(to, subject, body string) error {
	if e.Host == "" || e.Username == "" || e.Password == "" {
		return fmt.Errorf("smtp not configured")
	}
	if to == "" {
		return fmt.Errorf("empty recipient")
	}
	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	auth := smtp.PlainAuth("", e.Username, e.Password, e.Host)
	msg := strings.Join([]string{
		"From: " + e.From,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")
	return smtp.SendMail(addr, auth, e.From, []string{to}, []byte(msg))
}
