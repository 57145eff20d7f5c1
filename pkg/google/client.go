package google

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/larksync/pkg/auth"
	"github.com/harrisonrobin/larksync/pkg/overdue"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// NewClient opens the calendar called calendarName with the stored Google
// credentials and returns a Mirror writing to it.
func NewClient(ctx context.Context, calendarName string, logger *log.Logger) (*Mirror, error) {
	if logger == nil {
		logger = log.Default()
	}
	client, err := auth.GoogleClient(ctx, logger)
	if err != nil {
		return nil, err
	}

	srv, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Calendar client: %w", err)
	}

	calendarID, err := FindCalendar(ctx, srv, calendarName)
	if err != nil {
		return nil, err
	}

	colors, err := LoadColorCache()
	if err != nil {
		logger.Warn("Could not load color cache", "err", err)
	}
	pending, err := overdue.NewTable()
	if err != nil {
		logger.Warn("Could not load overdue table", "err", err)
	}
	return NewMirror(srv, calendarID, colors, pending, logger), nil
}

// FindCalendar returns the id of the calendar whose summary is name.
func FindCalendar(ctx context.Context, srv *calendar.Service, name string) (string, error) {
	list, err := srv.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to retrieve calendar list: %w", err)
	}
	for _, item := range list.Items {
		if item.Summary == name {
			return item.Id, nil
		}
	}
	return "", fmt.Errorf("calendar '%s' not found", name)
}
