package notify

import (
	"context"

	"github.com/charmbracelet/log"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

// Notification is a user-facing message about a finished operation.
type Notification struct {
	Title   string
	Message string
	Level   Level
	Sticky  bool
}

// Notifier delivers notifications. Delivery failures never fail a sync.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	switch msg.Level {
	case LevelDanger:
		n.Logger.Error(msg.Title, "message", msg.Message)
	case LevelWarning:
		n.Logger.Warn(msg.Title, "message", msg.Message)
	default:
		n.Logger.Info(msg.Title, "message", msg.Message, "level", string(msg.Level))
	}
	return nil
}

// Recorder keeps notifications in memory.
type Recorder struct {
	Sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.Sent = append(r.Sent, n)
	return nil
}
