// Package webhook turns parsed source-control events into chat
// messages routed through the chat registry. The wire format is the
// transport's concern; this package sees already-parsed events.
package webhook

import (
	"context"
	"fmt"

	"clawd/internal/chatreg"
	"clawd/internal/logging"
)

// Messenger delivers formatted event lines to chats.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) error
}

// Event is one parsed source-control event.
type Event struct {
	Kind     string // push, pull_request, issues, workflow_run, create, release, ping
	Repo     string
	Sender   string
	Action   string // opened, closed, completed, ...
	Title    string // PR/issue/release title, branch name, workflow name
	Number   int
	Ref      string
	Commits  int
	Outcome  string // workflow conclusion: success, failure, ...
	URL      string
}

// Dispatcher fans events out to registered chats.
type Dispatcher struct {
	chats     *chatreg.Registry
	messenger Messenger
	log       *logging.Logger
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(chats *chatreg.Registry, messenger Messenger) *Dispatcher {
	return &Dispatcher{
		chats:     chats,
		messenger: messenger,
		log:       logging.Get(logging.CategoryWebhook),
	}
}

// Handle formats the event, asks the registry where it belongs, and
// delivers. Unknown event kinds are ignored without error.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	msg, critical, ok := format(ev)
	if !ok {
		d.log.Debug("ignoring event kind %q", ev.Kind)
		return nil
	}

	chatIDs, err := d.chats.RouteFor(chatreg.Event{
		Repo:     ev.Repo,
		Critical: critical,
		Message:  msg,
	})
	if err != nil {
		return fmt.Errorf("route %s event: %w", ev.Kind, err)
	}

	for _, chatID := range chatIDs {
		if err := d.messenger.Send(ctx, chatID, msg); err != nil {
			d.log.Error("deliver %s event to %s: %v", ev.Kind, chatID, err)
		}
	}
	return nil
}

// format renders the one-line chat message for an event. The second
// return marks events that should reach critical-only chats.
func format(ev Event) (msg string, critical bool, ok bool) {
	switch ev.Kind {
	case "push":
		word := "commit"
		if ev.Commits != 1 {
			word = "commits"
		}
		return fmt.Sprintf("[%s] %s pushed %d %s to %s", ev.Repo, ev.Sender, ev.Commits, word, ev.Ref), false, true
	case "pull_request":
		return fmt.Sprintf("[%s] PR #%d %s by %s: %s", ev.Repo, ev.Number, ev.Action, ev.Sender, ev.Title), false, true
	case "issues":
		return fmt.Sprintf("[%s] issue #%d %s by %s: %s", ev.Repo, ev.Number, ev.Action, ev.Sender, ev.Title), false, true
	case "workflow_run":
		critical = ev.Outcome == "failure"
		line := fmt.Sprintf("[%s] workflow %s %s", ev.Repo, ev.Title, ev.Outcome)
		if ev.URL != "" {
			line += " " + ev.URL
		}
		return line, critical, true
	case "create":
		return fmt.Sprintf("[%s] %s created %s", ev.Repo, ev.Sender, ev.Ref), false, true
	case "release":
		return fmt.Sprintf("[%s] release %s %s", ev.Repo, ev.Title, ev.Action), false, true
	case "ping":
		return fmt.Sprintf("[%s] webhook connected", ev.Repo), false, true
	default:
		return "", false, false
	}
}
