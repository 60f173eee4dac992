// Package chatreg maps chat ids to their operating context: a single
// repository, a company, or the cross-context HQ role. The registry
// steers event fan-out (which chats hear about a push, a deploy, a
// failing workflow) and supplies ambient parameters to skills.
package chatreg

import (
	"errors"
	"fmt"
	"sync"

	"clawd/internal/logging"
	"clawd/internal/store"
)

// ErrBadLevel is returned for notification levels outside {all, critical, digest}.
var ErrBadLevel = errors.New("invalid notification level")

// Registry wraps the store's chat registrations with routing logic and
// an in-memory digest queue for batched delivery.
type Registry struct {
	store *store.Store

	mu     sync.Mutex
	digest map[string][]string // chatID -> queued digest lines
}

// New creates a registry backed by the given store.
func New(s *store.Store) *Registry {
	return &Registry{
		store:  s,
		digest: make(map[string][]string),
	}
}

// Register binds a chat to a context, overwriting any existing row.
func (r *Registry) Register(reg store.ChatRegistration) error {
	if err := r.store.UpsertChat(reg); err != nil {
		return err
	}
	logging.Get(logging.CategoryChats).Info("Registered chat %s as %s target=%s",
		reg.ChatID, reg.Type, reg.Target)
	return nil
}

// Get returns the registration for a chat, or store.ErrNotFound.
func (r *Registry) Get(chatID string) (*store.ChatRegistration, error) {
	return r.store.GetChat(chatID)
}

// Unregister removes a chat's registration.
func (r *Registry) Unregister(chatID string) error {
	return r.store.DeleteChat(chatID)
}

// List returns all registrations.
func (r *Registry) List() ([]store.ChatRegistration, error) {
	return r.store.AllChats()
}

// SetNotificationLevel updates a chat's delivery filter.
func (r *Registry) SetNotificationLevel(chatID string, level store.NotificationLevel) error {
	switch level {
	case store.NotifyAll, store.NotifyCritical, store.NotifyDigest:
	default:
		return fmt.Errorf("%w: %q", ErrBadLevel, level)
	}
	return r.store.SetChatNotifications(chatID, level)
}

// Context is the ambient binding a chat carries into skill execution.
type Context struct {
	Repo    string
	Company string
	HQ      bool
}

// ContextFor resolves a chat's ambient context. An unregistered chat
// yields the zero Context.
func (r *Registry) ContextFor(chatID string) Context {
	reg, err := r.store.GetChat(chatID)
	if err != nil {
		return Context{}
	}
	switch reg.Type {
	case store.ChatRepo:
		return Context{Repo: reg.Target}
	case store.ChatCompany:
		return Context{Company: reg.Target}
	case store.ChatHQ:
		return Context{HQ: true}
	}
	return Context{}
}

// Event is a notification to fan out across registered chats.
type Event struct {
	Repo     string
	Company  string
	Critical bool
	Message  string
}

// RouteFor returns every chat id that should receive the event now.
// HQ chats receive everything subject to their notification level;
// repo/company chats receive matching events; chats set to critical
// only hear critical events; digest chats have the message queued for
// the next flush instead of being returned.
func (r *Registry) RouteFor(ev Event) ([]string, error) {
	regs, err := r.store.AllChats()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, reg := range regs {
		if !matches(reg, ev) {
			continue
		}
		switch reg.Notifications {
		case store.NotifyCritical:
			if ev.Critical {
				out = append(out, reg.ChatID)
			}
		case store.NotifyDigest:
			r.queueDigest(reg.ChatID, ev.Message)
		default: // all
			out = append(out, reg.ChatID)
		}
	}
	return out, nil
}

func matches(reg store.ChatRegistration, ev Event) bool {
	switch reg.Type {
	case store.ChatHQ:
		return true
	case store.ChatRepo:
		return ev.Repo != "" && reg.Target == ev.Repo
	case store.ChatCompany:
		return ev.Company != "" && reg.Target == ev.Company
	}
	return false
}

func (r *Registry) queueDigest(chatID, message string) {
	if message == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.digest[chatID] = append(r.digest[chatID], message)
}

// FlushDigests drains the queued digest lines per chat. The scheduler's
// digest cron job calls this and delivers one batched message per chat.
func (r *Registry) FlushDigests() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.digest
	r.digest = make(map[string][]string)
	return out
}
