package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"incident-desk/core/metrics"
	"incident-desk/core/utils"
)

const sendTimeout = 15 * time.Second

// Notifier renders and sends the domain emails. Every method is best-effort:
// the result is logged and returned, never turned into an error.
type Notifier struct {
	sender    Sender
	logger    *utils.Logger
	publicURL string
}

func NewNotifier(sender Sender, publicURL string, logger *utils.Logger) *Notifier {
	if sender == nil {
		sender = DisabledSender{}
	}
	return &Notifier{sender: sender, logger: logger, publicURL: strings.TrimRight(publicURL, "/")}
}

type IncidentInfo struct {
	ID          int64
	Type        string
	Description string
	Severity    string
}

func (n *Notifier) Assignment(ctx context.Context, to, name string, inc IncidentInfo) Result {
	subject := fmt.Sprintf("New incident assigned - %s [%s]", inc.Type, inc.Severity)
	return n.send(ctx, "assignment", to, subject, map[string]any{
		"Name": name, "IncidentID": inc.ID, "Type": inc.Type, "Severity": inc.Severity,
		"Description": inc.Description, "Link": n.link("/incidents/%d", inc.ID),
	})
}

func (n *Notifier) StatusChange(ctx context.Context, to, name string, inc IncidentInfo, from, toStatus, changedBy string) Result {
	subject := fmt.Sprintf("Incident status changed - %s", inc.Type)
	return n.send(ctx, "status", to, subject, map[string]any{
		"Name": name, "IncidentID": inc.ID, "Type": inc.Type, "From": from, "To": toStatus,
		"ChangedBy": changedBy, "Link": n.link("/incidents/%d", inc.ID),
	})
}

func (n *Notifier) VerificationCode(ctx context.Context, to, name, code, role string, ttl time.Duration) Result {
	subject := fmt.Sprintf("Verification code - role: %s", role)
	return n.send(ctx, "code", to, subject, map[string]any{
		"Name": name, "Code": code, "Role": role, "TTLMinutes": int(ttl.Minutes()),
	})
}

func (n *Notifier) AccountApproved(ctx context.Context, to, name, role string) Result {
	subject := fmt.Sprintf("Your account has been approved - role: %s", role)
	return n.send(ctx, "approved", to, subject, map[string]any{
		"Name": name, "Role": role, "Link": n.link("/"),
	})
}

func (n *Notifier) AccountRejected(ctx context.Context, to, name, role, reason string) Result {
	subject := fmt.Sprintf("Registration request rejected - role: %s", role)
	return n.send(ctx, "rejected", to, subject, map[string]any{
		"Name": name, "Role": role, "Reason": reason,
	})
}

func (n *Notifier) NewRegistration(ctx context.Context, adminEmail, name, email, role string) Result {
	subject := fmt.Sprintf("New registration request - role: %s", role)
	return n.send(ctx, "registration", adminEmail, subject, map[string]any{
		"Name": name, "Email": email, "Role": role, "Link": n.link("/admin/users?state=pending"),
	})
}

func (n *Notifier) link(format string, args ...any) string {
	return n.publicURL + fmt.Sprintf(format, args...)
}

func (n *Notifier) send(ctx context.Context, kind, to, subject string, data map[string]any) Result {
	if n == nil {
		return Result{Error: ErrDisabled.Error()}
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, kind, data); err != nil {
		n.logger.Errorf("notify: render %s: %v", kind, err)
		metrics.Notifications.WithLabelValues(kind, "error").Inc()
		return Result{Error: err.Error()}
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	res := n.sender.Send(sendCtx, Message{To: to, Subject: subject, HTML: buf.String()})
	if res.Success {
		metrics.Notifications.WithLabelValues(kind, "sent").Inc()
		n.logger.Printf("notify: %s sent to %s id=%s", kind, to, res.MessageID)
	} else {
		metrics.Notifications.WithLabelValues(kind, "failed").Inc()
		n.logger.Warnf("notify: %s to %s failed: %s", kind, to, res.Error)
	}
	return res
}
