// Package mailer delivers HTML mail over SMTP with a bounded retry.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"report-scheduler/internal/clock"
)

// Message is one outbound mail.
type Message struct {
	To      []string
	Subject string
	HTML    string
	// Attach lists local file paths added as attachments.
	Attach []string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds dialer settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP sends through gomail.
type SMTP struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return &SMTP{dialer: gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password), from: cfg.From}
}

func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	for _, path := range msg.Attach {
		m.Attach(path)
	}
	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", strings.Join(msg.To, ","), err)
	}
	return nil
}

// ErrBudgetExhausted is returned when the next backoff would overrun the
// execution budget.
var ErrBudgetExhausted = errors.New("execution budget exhausted")

// Retry wraps a Sender with increasing backoff. Before every sleep the
// remaining budget is checked; a wait that would overrun Deadline ends the
// retry early.
type Retry struct {
	Sender   Sender
	Attempts int
	Backoff  time.Duration
	MaxWait  time.Duration
	// Deadline is the end of the process execution budget. Zero disables the check.
	Deadline time.Time
	Clock    clock.Clock
	Sleep    func(ctx context.Context, d time.Duration) error
	Log      *logrus.Entry
}

// Send returns the number of attempts made and the last error.
func (r *Retry) Send(ctx context.Context, msg Message) (int, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = r.Sender.Send(ctx, msg); err == nil {
			return attempt, nil
		}
		if r.Log != nil {
			r.Log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "max": attempts}).Warn("mail send failed")
		}
		if attempt == attempts {
			break
		}
		wait := backoff(r.Backoff, r.MaxWait, attempt)
		if !r.Deadline.IsZero() && clk.Now().Add(wait).After(r.Deadline) {
			return attempt, fmt.Errorf("%w after attempt %d: %v", ErrBudgetExhausted, attempt, err)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return attempt, serr
		}
	}
	return attempts, err
}

// backoff doubles base per attempt, capped at max when max > 0.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt <= 1 {
		return base
	}
	wait := base << (attempt - 1)
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
