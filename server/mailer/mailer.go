package mailer

import (
	"github.com/legacyguard/shield/server/logger"
	"github.com/legacyguard/shield/shared"
	gomail "gopkg.in/gomail.v2"
)

var logg = logger.NewLogger()

type Mailer struct {
	dialer   *gomail.Dialer
	from     string
	testMode bool
}

// NewMailer builds the SMTP email channel. In testMode messages are logged
// instead of dialed out.
func NewMailer(config shared.SmtpConfig, testMode bool) *Mailer {
	return &Mailer{
		dialer:   gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
		from:     config.From,
		testMode: testMode,
	}
}

func (m *Mailer) Send(to, subject, body string) error {
	if m.testMode {
		logg.Infof("[test email] to=%v subject=%v", to, subject)
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	return m.dialer.DialAndSend(msg)
}
