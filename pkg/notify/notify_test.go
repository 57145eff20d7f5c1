package notify

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(log.New(&buf))

	n.Notify(context.Background(), Notification{Title: "Sync Failed", Message: "2 projects failed", Level: LevelDanger})
	n.Notify(context.Background(), Notification{Title: "Sync Complete", Message: "ok", Level: LevelSuccess})

	out := buf.String()
	if !strings.Contains(out, "ERRO") || !strings.Contains(out, "Sync Failed") {
		t.Errorf("danger notification not logged as error: %q", out)
	}
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "level=success") {
		t.Errorf("success notification not logged as info: %q", out)
	}
}
