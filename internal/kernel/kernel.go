// Package kernel wires the components together and runs the inbound
// dispatch loop. Messages for the same chat are processed strictly in
// order; different chats proceed concurrently.
package kernel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"clawd/internal/adapters"
	"clawd/internal/chatreg"
	"clawd/internal/config"
	"clawd/internal/confirm"
	"clawd/internal/cost"
	"clawd/internal/logging"
	"clawd/internal/nlrouter"
	"clawd/internal/orchestrator"
	"clawd/internal/sched"
	"clawd/internal/skill"
	"clawd/internal/skills"
	"clawd/internal/store"
	"clawd/internal/webhook"
)

// Provider is the free-form completion contract the kernel consumes for
// passthrough text.
type Provider interface {
	Chat(ctx context.Context, system string, messages []adapters.ChatMessage, taskType string) (*adapters.ChatResponse, error)
}

// Transcriber converts a voice message's audio artifact into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (string, error)
}

// Options carries the injectable collaborators. Nil fields get the
// production default built from config; tests swap in doubles.
type Options struct {
	Messenger   skill.Messenger
	Runner      orchestrator.Runner
	Provider    Provider
	Transcriber Transcriber
	Classifier  nlrouter.Classifier
	Source      skill.SourceControl
}

const digestHandler = "digest-flush"

const chatSystemPrompt = `You are clawd, a terse ops assistant for a single operator.
Answer plainly. You manage deploys, reminders, and repo notifications;
suggest the matching command when one exists.`

// Kernel owns the component graph and the per-chat dispatch queues.
type Kernel struct {
	cfg *config.Config

	store   *store.Store
	chats   *chatreg.Registry
	costs   *cost.Tracker
	confirm *confirm.Broker
	sched   *sched.Scheduler
	router  *nlrouter.Router
	orch    *orchestrator.Orchestrator
	runtime *skill.Runtime
	loader  *skill.Loader
	webhook *webhook.Dispatcher

	messenger   skill.Messenger
	provider    Provider
	transcriber Transcriber

	mu     sync.Mutex
	queues map[string]chan skill.Message
	closed bool
	wg     sync.WaitGroup

	log *logging.Logger
}

// New builds the full component graph. A store that cannot be opened is
// fatal; the caller exits non-zero before accepting any message.
func New(cfg *config.Config, opts Options) (*Kernel, error) {
	st, err := store.New(store.Options{
		Path:                  cfg.Store.DatabasePath,
		ConversationRetention: cfg.Store.ConversationRetention,
		AuditCap:              cfg.Pipeline.AuditCap,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	messenger := opts.Messenger
	if messenger == nil {
		if cfg.Chat.Token != "" {
			messenger = adapters.NewSlackMessenger(cfg.Chat.Token)
		} else {
			messenger = adapters.NewMemoryMessenger()
		}
	}

	costs := cost.NewTracker(cfg.Cost.RingCap, rateTable(cfg.Cost.Rates))
	if cfg.Cost.Budget > 0 {
		if err := costs.SetBudget(cfg.Cost.Budget); err != nil {
			st.Close()
			return nil, err
		}
	}

	provider := opts.Provider
	classifier := opts.Classifier
	if provider == nil && cfg.Provider.APIKey != "" {
		p := adapters.NewAnthropicProvider(
			cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.ClassifyModel,
			costs, cfg.Provider.MaxRetries)
		provider = p
		if classifier == nil {
			classifier = p
		}
	}

	transcriber := opts.Transcriber

	router := nlrouter.New(classifier, nlrouter.Tunables{
		AmbiguityThreshold:     cfg.Router.AmbiguityThreshold,
		ClarificationThreshold: cfg.Router.ClarificationThreshold,
		AITimeout:              time.Duration(cfg.Router.AITimeoutMs) * time.Millisecond,
		CacheMaxSize:           cfg.Router.CacheMaxSize,
		CacheMaxAge:            time.Duration(cfg.Router.CacheMaxAgeMs) * time.Millisecond,
	})
	router.SetWeights(nlrouter.Weights{
		KeywordMatch: cfg.Router.Weights.KeywordMatch,
		ContextMatch: cfg.Router.Weights.ContextMatch,
		HistoryMatch: cfg.Router.Weights.HistoryMatch,
		Specificity:  cfg.Router.Weights.Specificity,
	})
	registerRewrites(router)

	costs.SetCacheStatsFunc(func() cost.CacheStats {
		_, hits := router.CacheStats()
		return cost.CacheStats{Hits: hits, Total: router.Snapshot().Total}
	})

	runner := opts.Runner
	if runner == nil {
		runner = adapters.NewRunner(cfg.Pipeline.SimulateOffHost)
	}

	chats := chatreg.New(st)
	scheduler := sched.New(sched.Options{
		Store:     st,
		Messenger: messenger,
		Location:  cfg.Location(),
		Workers:   int64(cfg.Scheduler.Workers),
		TickEvery: config.Duration(cfg.Scheduler.TickInterval, 15*time.Second),
	})
	orch := orchestrator.New(cfg.Pipeline, runner, st)
	broker := confirm.New()

	source := opts.Source
	if source == nil && cfg.GitHub.Owner != "" {
		source = adapters.NewGitHub(cfg.GitHub.Token, cfg.GitHub.Owner)
	}

	shared := &skill.Shared{
		Store:       st,
		Chats:       chats,
		Cost:        costs,
		Confirm:     broker,
		Sched:       scheduler,
		Router:      router,
		Orch:        orch,
		Messenger:   messenger,
		Source:      source,
		Log:         logging.Get(logging.CategoryKernel),
		OwnerUserID: cfg.Chat.OwnerUserID,
	}
	runtime := skill.NewRuntime(shared)

	k := &Kernel{
		cfg:         cfg,
		store:       st,
		chats:       chats,
		costs:       costs,
		confirm:     broker,
		sched:       scheduler,
		router:      router,
		orch:        orch,
		runtime:     runtime,
		loader:      skill.NewLoader(runtime, cfg.Skills.Dir, cfg.Skills.ConfigPath),
		webhook:     webhook.NewDispatcher(chats, messenger),
		messenger:   messenger,
		provider:    provider,
		transcriber: transcriber,
		queues:      make(map[string]chan skill.Message),
		log:         logging.Get(logging.CategoryKernel),
	}

	if err := k.registerCoreSkills(); err != nil {
		st.Close()
		return nil, err
	}
	return k, nil
}

func rateTable(in map[string]map[string]config.Rate) cost.RateTable {
	out := make(cost.RateTable, len(in))
	for provider, models := range in {
		out[provider] = make(map[string]cost.Rate, len(models))
		for model, r := range models {
			out[provider][model] = cost.Rate{InputPerM: r.InputPerM, OutputPerM: r.OutputPerM}
		}
	}
	return out
}

// registerRewrites installs the pattern layer's canonical-command
// rewrites: the short forms users actually type.
func registerRewrites(r *nlrouter.Router) {
	r.RegisterPattern(regexp.MustCompile(`(?i)^deploy\s+(\S+)$`), func(m []string) string {
		return "pipeline deploy " + m[1]
	})
	r.RegisterPattern(regexp.MustCompile(`(?i)^rollback\s+(\S+)$`), func(m []string) string {
		return "pipeline rollback " + m[1]
	})
	r.RegisterPattern(regexp.MustCompile(`(?i)^(costs|spend)$`), func([]string) string {
		return "ai costs"
	})
	r.RegisterPattern(regexp.MustCompile(`(?i)^reminders$`), func([]string) string {
		return "my reminders"
	})
}

func (k *Kernel) registerCoreSkills() error {
	loc := k.cfg.Location()
	ttl := config.Duration(k.cfg.Pipeline.ConfirmTTL, 5*time.Minute)
	for _, s := range []skill.Skill{
		skills.NewChatAdmin(),
		skills.NewReminders(loc),
		skills.NewPipeline(ttl),
		skills.NewConfirmCtl(),
		skills.NewNLAdmin(),
		skills.NewCosts(),
		skills.NewRepos(k.cfg.GitHub.MonitoredRepos),
	} {
		if err := k.runtime.Register(s); err != nil {
			return fmt.Errorf("register skill %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Start initializes skills, loads external ones, arms the digest cron,
// and starts the scheduler.
func (k *Kernel) Start() error {
	k.runtime.Initialize()

	if err := k.loader.Load(); err != nil {
		k.log.Warn("skill load: %v", err)
	}
	if k.cfg.Skills.HotReload {
		if err := k.loader.Watch(); err != nil {
			k.log.Warn("hot reload unavailable: %v", err)
		}
	}

	k.sched.RegisterHandler(digestHandler, k.flushDigests)
	if err := k.sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if spec := k.cfg.Scheduler.DigestCron; spec != "" {
		if err := k.sched.ScheduleCron(digestHandler, spec, digestHandler, nil, "system", true); err != nil {
			k.log.Warn("digest cron not scheduled: %v", err)
		}
	}

	k.log.Info("kernel started (%d skills)", len(k.runtime.Skills()))
	return nil
}

// flushDigests delivers one batched message per digest chat. Delivery
// happens here rather than through the job's own chat binding because a
// single fire fans out to many chats.
func (k *Kernel) flushDigests(ctx context.Context, _ map[string]any) (string, error) {
	queued := k.chats.FlushDigests()
	for chatID, lines := range queued {
		msg := fmt.Sprintf("Digest (%d events):\n%s", len(lines), strings.Join(lines, "\n"))
		if err := k.messenger.Send(ctx, chatID, msg); err != nil {
			k.log.Error("digest delivery to %s: %v", chatID, err)
		}
	}
	return "", nil
}

// Webhook exposes the source-control event dispatcher to the transport
// layer.
func (k *Kernel) Webhook() *webhook.Dispatcher { return k.webhook }

// Runtime exposes the skill runtime, mainly for diagnostics.
func (k *Kernel) Runtime() *skill.Runtime { return k.runtime }

// Submit enqueues an inbound message on its chat's FIFO queue. The
// first message for a chat spawns that chat's worker.
func (k *Kernel) Submit(msg skill.Message) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	q, ok := k.queues[msg.ChatID]
	if !ok {
		q = make(chan skill.Message, 64)
		k.queues[msg.ChatID] = q
		k.wg.Add(1)
		go k.chatWorker(q)
	}
	k.mu.Unlock()

	select {
	case q <- msg:
	default:
		k.log.Warn("queue full for chat %s, dropping message", msg.ChatID)
	}
}

func (k *Kernel) chatWorker(q chan skill.Message) {
	defer k.wg.Done()
	for msg := range q {
		k.process(context.Background(), msg)
	}
}

// process runs one message end to end: authorization, transcription,
// routing, execution, reply.
func (k *Kernel) process(ctx context.Context, msg skill.Message) {
	if owner := k.cfg.Chat.OwnerUserID; owner != "" && msg.SenderID != owner {
		k.audit("message:rejected", msg.ChatID, "failed")
		k.reply(ctx, msg.ChatID, "Sorry, I only answer to my operator.")
		return
	}

	text := msg.Text
	if msg.AudioRef != "" {
		if k.transcriber == nil {
			k.reply(ctx, msg.ChatID, "Voice messages are not configured.")
			return
		}
		transcribed, err := k.transcriber.Transcribe(ctx, msg.AudioRef)
		if err != nil {
			k.log.Error("transcription failed: %v", err)
			k.reply(ctx, msg.ChatID, "I could not transcribe that voice message.")
			return
		}
		text = transcribed
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	if _, err := k.store.AppendConversation(msg.SenderID, store.RoleUser, text); err != nil {
		k.log.Warn("conversation append: %v", err)
	}

	chatCtx := k.chats.ContextFor(msg.ChatID)
	sctx := &skill.Context{
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		Chat:     chatCtx,
	}

	d := k.router.Route(ctx, text, nlrouter.ChatContext{
		Repo:    chatCtx.Repo,
		Company: chatCtx.Company,
	})

	var out string
	switch {
	case d.Verdict == nlrouter.VerdictCommand:
		cmd := d.Command
		if cmd == "" && d.Classification != nil {
			if d.Classification.Ambiguous && len(d.Classification.ClarifyingQuestions) > 0 {
				out = d.Classification.ClarifyingQuestions[0]
				break
			}
			cmd = commandFrom(d.Classification)
		}
		if cmd == "" {
			cmd = text
		}
		res := k.runtime.Route(ctx, cmd, sctx)
		out = renderResult(res)

	default:
		out = k.freeform(ctx, msg.SenderID, text)
	}

	if out == "" {
		return
	}
	if _, err := k.store.AppendConversation(msg.SenderID, store.RoleAssistant, out); err != nil {
		k.log.Warn("conversation append: %v", err)
	}
	k.reply(ctx, msg.ChatID, out)
}

// commandFrom synthesizes a canonical command from a confident
// classification.
func commandFrom(cls *nlrouter.Classification) string {
	switch cls.Intent {
	case "deploy":
		if cls.Project != "" {
			return "pipeline deploy " + cls.Project
		}
	case "rollback":
		if cls.Project != "" {
			return "pipeline rollback " + cls.Project
		}
	case "status":
		return "pipeline status"
	case "costs":
		return "ai costs"
	}
	return ""
}

// freeform answers passthrough text with the provider, carrying recent
// conversation turns as context.
func (k *Kernel) freeform(ctx context.Context, userID, text string) string {
	if k.provider == nil {
		return "I did not recognize that as a command, and no AI provider is configured."
	}

	history, err := k.store.RecentConversations(userID, 20)
	if err != nil {
		k.log.Warn("history load: %v", err)
	}
	var messages []adapters.ChatMessage
	for _, e := range history {
		if e.Role != store.RoleUser && e.Role != store.RoleAssistant {
			continue
		}
		messages = append(messages, adapters.ChatMessage{Role: string(e.Role), Content: e.Content})
	}
	// The current message is already appended to history by process.
	if len(messages) == 0 || messages[len(messages)-1].Content != text {
		messages = append(messages, adapters.ChatMessage{Role: "user", Content: text})
	}

	resp, err := k.provider.Chat(ctx, chatSystemPrompt, messages, "chat")
	if err != nil {
		k.log.Error("provider chat: %v", err)
		return "The AI provider is unavailable right now."
	}
	return resp.Response
}

// renderResult formats a skill result for chat delivery.
func renderResult(res skill.Result) string {
	msg := res.Message
	if res.Success {
		return msg
	}
	if res.Suggestion != "" {
		msg += "\nTry: " + res.Suggestion
	}
	return msg
}

func (k *Kernel) reply(ctx context.Context, chatID, text string) {
	if err := k.messenger.Send(ctx, chatID, text); err != nil {
		k.log.Error("reply to %s failed: %v", chatID, err)
	}
}

func (k *Kernel) audit(action, target, status string) {
	if err := k.store.AppendAudit(store.AuditEntry{
		Action: action,
		Target: target,
		Status: status,
		Actor:  "kernel",
	}); err != nil {
		k.log.Warn("audit append: %v", err)
	}
}

// Stop drains the dispatch queues, stops the scheduler and loader,
// shuts skills down in reverse registration order, and closes the
// store. Safe to call once.
func (k *Kernel) Stop() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	for _, q := range k.queues {
		close(q)
	}
	k.mu.Unlock()
	k.wg.Wait()

	k.loader.Stop()
	k.sched.Stop()
	k.runtime.Shutdown()
	k.confirm.Stop()
	if err := k.store.Close(); err != nil {
		k.log.Warn("store close: %v", err)
	}
	k.log.Info("kernel stopped")
	logging.Sync()
}
