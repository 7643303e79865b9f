// Package notify delivers registration-lifecycle notices.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"

	"registrar/internal/config"
)

// Kind identifies what happened to a registration.
type Kind string

const (
	KindEnrolled           Kind = "enrolled"
	KindWaitlisted         Kind = "waitlisted"
	KindUnregistered       Kind = "unregistered"
	KindEnrollRejected     Kind = "enroll_rejected"
	KindRegistrationUpdate Kind = "registration_update"
	KindApprovalRequest    Kind = "manager_approval_request"
)

// Notice is one message about one registration event.
type Notice struct {
	Kind         Kind
	To           string
	UserEmail    string
	ActivityName string
	ActivityID   string
	Reasons      []string
}

type Sender interface {
	Send(ctx context.Context, n Notice) error
}

type LogSender struct{}

func (LogSender) Send(_ context.Context, n Notice) error {
	log.Printf("notify kind=%s to=%s user=%s activity=%s reasons=%q",
		n.Kind, n.To, n.UserEmail, n.ActivityID, n.Reasons)
	return nil
}

type SMTPSender struct {
	host string
	port int
	from string
}

func NewSender(cfg config.Config) Sender {
	switch cfg.NotifySender {
	case "smtp":
		return SMTPSender{host: cfg.SMTPHost, port: cfg.SMTPPort, from: cfg.NotifyFrom}
	default:
		return LogSender{}
	}
}

func (s SMTPSender) Send(ctx context.Context, n Notice) error {
	_ = ctx
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	subject := fmt.Sprintf("Registration update: %s", n.ActivityName)
	body := fmt.Sprintf("Subject: %s\r\n\r\nYour registration for %s is now %s.\r\n",
		subject, n.ActivityName, n.Kind)
	for _, r := range n.Reasons {
		body += r + "\r\n"
	}
	return smtp.SendMail(addr, nil, s.from, []string{n.To}, []byte(body))
}

// Recorder captures notices for tests.
type Recorder struct {
	Notices []Notice
}

func (r *Recorder) Send(_ context.Context, n Notice) error {
	r.Notices = append(r.Notices, n)
	return nil
}
