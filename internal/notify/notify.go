// Package notify delivers security notifications to users.
//
// Delivery is fire-and-forget: the login decision never waits on it and a
// failed delivery is logged and counted, never returned to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/metrics"
)

// Kind classifies a notification.
type Kind string

const (
	KindSuspiciousLogin Kind = "suspicious_login"
	KindLoginBlocked    Kind = "login_blocked"
	KindDeviceFlagged   Kind = "device_flagged"
	KindCloneSuspected  Kind = "clone_suspected"
	KindOneTimeCode     Kind = "one_time_code"
)

// Notification is one message to a user.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Kind      Kind              `json:"kind"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. Used when no broker is
// configured. One-time codes are not logged.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	msg := n.Message
	if n.Kind == KindOneTimeCode {
		msg = "[redacted]"
	}
	l.logger.Info("security notification", "user_id", n.UserID, "kind", n.Kind, "message", msg)
	return nil
}

const defaultTimeout = 5 * time.Second

// Dispatcher sends notifications in the background with a bounded timeout.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over notifier.
func NewDispatcher(notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		logger:   logger,
		timeout:  defaultTimeout,
		now:      time.Now,
	}
}

// WithTimeout sets the per-delivery deadline.
func (d *Dispatcher) WithTimeout(t time.Duration) *Dispatcher {
	d.timeout = t
	return d
}

// Send queues a notification and returns immediately. Safe on a nil
// Dispatcher.
func (d *Dispatcher) Send(userID string, kind Kind, message string, data map[string]string) {
	if d == nil || d.notifier == nil {
		return
	}
	n := Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Message:   message,
		Data:      data,
		CreatedAt: d.now().UTC(),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, n); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("security notification failed",
				"user_id", userID, "kind", kind, "notification_id", n.ID, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}()
}

// Wait blocks until every queued notification has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
