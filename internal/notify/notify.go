// Package notify delivers user-facing milestone messages. Delivery is
// best-effort: callers dispatch through the job queue and never block a
// state transition on a notifier error.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("component", "notify").Logger()

type Event string

const (
	EventRequestApproved    Event = "request_approved"
	EventRequestDownloading Event = "request_downloading"
	EventRequestDownloaded  Event = "request_downloaded"
	EventRequestAvailable   Event = "request_available"
	EventRequestError       Event = "request_error"
)

// Notification is one milestone message about a request.
type Notification struct {
	Event     Event
	RequestID uint
	Title     string
	Author    string
	UserName  string
	Message   string
}

type INotifier interface {
	Send(ctx context.Context, n Notification) error
}

// Text renders the notification as a plain-text message.
func (n Notification) Text() string {
	var b strings.Builder

	switch n.Event {
	case EventRequestApproved:
		b.WriteString("Request approved")
	case EventRequestDownloading:
		b.WriteString("Download started")
	case EventRequestDownloaded:
		b.WriteString("Download finished")
	case EventRequestAvailable:
		b.WriteString("Now available")
	case EventRequestError:
		b.WriteString("Request problem")
	default:
		b.WriteString(string(n.Event))
	}

	fmt.Fprintf(&b, ": %s", n.Title)
	if n.Author != "" {
		fmt.Fprintf(&b, " by %s", n.Author)
	}
	if n.UserName != "" {
		fmt.Fprintf(&b, " (requested by %s)", n.UserName)
	}
	if n.Message != "" {
		fmt.Fprintf(&b, "\n%s", n.Message)
	}
	return b.String()
}

// Noop swallows every notification. Used when no channel is configured.
type Noop struct{}

func (Noop) Send(ctx context.Context, n Notification) error { return nil }

// Multi fans one notification out to several channels. A failing channel is
// logged and does not stop delivery to the others.
type Multi []INotifier

func (m Multi) Send(ctx context.Context, n Notification) error {
	var firstErr error
	for _, nt := range m {
		if err := nt.Send(ctx, n); err != nil {
			logger.Error().Err(err).
				Str("event", string(n.Event)).
				Uint("request", n.RequestID).
				Msg("notification channel failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
