package alert

import (
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisabledDispatcherDropsAlerts(t *testing.T) {
	sent := 0
	d := NewDispatcher(Config{Enabled: false})
	d.send = func(string, smtp.Auth, string, []string, []byte) error {
		sent++
		return nil
	}

	d.Send("something broke")
	assert.Equal(t, 0, sent)
}

func TestCooldownSuppressesRepeatAlerts(t *testing.T) {
	sent := 0
	d := NewDispatcher(Config{
		Enabled:  true,
		Host:     "localhost",
		Port:     25,
		From:     "mediastore@example.com",
		To:       "ops@example.com",
		Subject:  "mediastore alert",
		Cooldown: time.Hour,
	})
	d.send = func(string, smtp.Auth, string, []string, []byte) error {
		sent++
		return nil
	}

	d.Send("first")
	d.Send("second")
	d.Send("third")
	assert.Equal(t, 1, sent, "only the first alert inside the cooldown should go out")
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() { d.Send("ignored") })
}
