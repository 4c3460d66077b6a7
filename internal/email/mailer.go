package email

import (
	"fmt"
	"html"
	"net/url"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Enabled reports whether enough is configured to actually send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

type Invite struct {
	To        string
	OrgName   string
	Role      string
	Token     string
	ExpiresAt time.Time
}

// Mailer sends transactional mail over SMTP. With SMTP unconfigured it only logs.
type Mailer struct {
	cfg         SMTPConfig
	dialer      *gomail.Dialer
	frontendURL string
	log         *zap.Logger
}

func NewMailer(cfg SMTPConfig, frontendURL string, log *zap.Logger) *Mailer {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Mailer{cfg: cfg, frontendURL: frontendURL, log: log}
	if cfg.Enabled() {
		m.dialer = gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	}
	return m
}

// InviteLink is the dashboard URL that accepts token.
func (m *Mailer) InviteLink(token string) string {
	return fmt.Sprintf("%s/invite/accept?token=%s", m.frontendURL, url.QueryEscape(token))
}

func (m *Mailer) SendInvite(inv Invite) error {
	link := m.InviteLink(inv.Token)
	if m.dialer == nil {
		m.log.Info("smtp not configured, invite mail skipped", zap.String("to", inv.To))
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", inv.To)
	msg.SetHeader("Subject", fmt.Sprintf("You have been invited to %s", inv.OrgName))
	msg.SetBody("text/plain", fmt.Sprintf(
		"Hello,\n\nYou have been invited to join %s as %s.\n\nAccept the invitation here:\n%s\n\nThis link expires on %s.\n",
		inv.OrgName, inv.Role, link, inv.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"),
	))
	msg.AddAlternative("text/html", fmt.Sprintf(
		`<p>You have been invited to join <b>%s</b> as <b>%s</b>.</p><p><a href="%s">Accept the invitation</a></p><p>This link expires on %s.</p>`,
		html.EscapeString(inv.OrgName), html.EscapeString(inv.Role), html.EscapeString(link),
		inv.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"),
	))

	if err := m.dialer.DialAndSend(msg); err != nil {
		m.log.Error("send invite mail failed", zap.String("to", inv.To), zap.Error(err))
		return err
	}
	m.log.Info("invite mail sent", zap.String("to", inv.To))
	return nil
}
