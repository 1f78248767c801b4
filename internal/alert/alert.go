// Package alert delivers rate-limited operator alert e-mails over SMTP.
//
// Alert delivery is best-effort: failures are logged and never propagate to
// the caller. A process-wide cooldown prevents mail storms when a persistent
// fault (full disk, unreachable record store) trips every request.
package alert

import (
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/ltessier/mediastore/internal/logger"
)

// DefaultCooldown is the minimum interval between dispatched alerts.
const DefaultCooldown = 300 * time.Second

// Config holds SMTP alert settings.
type Config struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	From     string        `mapstructure:"from" yaml:"from"`
	To       string        `mapstructure:"to" yaml:"to"`
	Subject  string        `mapstructure:"subject" yaml:"subject"`
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// Dispatcher sends alerts, enforcing the cooldown. The zero value is a
// disabled dispatcher that drops every alert.
type Dispatcher struct {
	cfg Config

	mu        sync.Mutex
	nextAllow time.Time

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewDispatcher creates a Dispatcher for the given configuration.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Dispatcher{cfg: cfg, send: smtp.SendMail}
}

// Send dispatches an alert e-mail unless disabled or within the cooldown
// window. It never returns an error; delivery problems are logged.
func (d *Dispatcher) Send(body string) {
	if d == nil || !d.cfg.Enabled {
		return
	}

	d.mu.Lock()
	now := time.Now()
	if now.Before(d.nextAllow) {
		d.mu.Unlock()
		return
	}
	d.nextAllow = now.Add(d.cfg.Cooldown)
	d.mu.Unlock()

	logger.Warn("sending alert e-mail", "to", d.cfg.To)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", d.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", d.cfg.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", d.cfg.Subject)
	msg.WriteString("\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if d.cfg.Username != "" {
		auth = smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	if err := d.send(addr, auth, d.cfg.From, []string{d.cfg.To}, []byte(msg.String())); err != nil {
		logger.Error("unable to send alert e-mail", "error", err)
	}
}
