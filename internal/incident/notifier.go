package incident

import (
	"fmt"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"

	"github.com/partydesk/partydesk/config"
	"github.com/partydesk/partydesk/internal/domain"
)

// Notifier emails operators when incidents open or close. Delivery is best
// effort; failures are logged and never block the guard loops.
type Notifier struct {
	cfg config.SmtpConfig
}

func NewNotifier(cfg config.SmtpConfig, bus EventBus.Bus) *Notifier {
	n := &Notifier{cfg: cfg}
	if bus != nil {
		_ = bus.SubscribeAsync(TopicOpened, n.onOpened, false)
		_ = bus.SubscribeAsync(TopicClosed, n.onClosed, false)
	}
	return n
}

func (n *Notifier) onOpened(inc domain.Incident) {
	subject := fmt.Sprintf("[partydesk] incident opened: %s", inc.Type)
	body := fmt.Sprintf("Reason: %s\n\n%s\n\nStarted: %s",
		inc.Reason, inc.Details, inc.StartAt.Format("2006-01-02 15:04:05"))
	n.send(subject, body)
}

func (n *Notifier) onClosed(inc domain.Incident) {
	subject := fmt.Sprintf("[partydesk] incident resolved: %s", inc.Type)
	n.send(subject, inc.Details)
}

func (n *Notifier) send(subject, body string) {
	if n.cfg.Host == "" || n.cfg.To == "" {
		return
	}
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", n.cfg.To)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	d := gomail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)
	if err := d.DialAndSend(m); err != nil {
		zap.L().Warn("incident: mail delivery failed", zap.Error(err))
	}
}
