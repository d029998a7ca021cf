package engine

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/connectivity"
	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/go-go-golems/chatsync/pkg/helpers"
	"github.com/go-go-golems/chatsync/pkg/lock"
	"github.com/go-go-golems/chatsync/pkg/outbox"
	"github.com/go-go-golems/chatsync/pkg/remote"
	"github.com/go-go-golems/chatsync/pkg/store"
	"github.com/go-go-golems/chatsync/pkg/stream"
	"github.com/go-go-golems/chatsync/pkg/syncer"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrResponseInProgress = errors.New("a response is being generated")
	ErrNotFound           = errors.New("conversation not found")
	ErrEmptyPrompt        = errors.New("prompt is empty")
	ErrNotStarted         = errors.New("engine not started")
	ErrAlreadyStarted     = errors.New("engine already started")
)

const (
	advisorySwitch = "Please wait until the current response is complete before switching conversations."
	advisoryCreate = "Please wait until the current response is complete before starting a new conversation."
	advisoryDelete = "Conversations cannot be deleted while a response is being generated."
	advisorySubmit = "A response is already being generated."

	untitled = "Untitled"
)

type NewConversationOptions struct {
	Topic    string
	Category string
	// First prepends the conversation to the list instead of appending it.
	First bool
	// BypassLock is used by the submit flow to create a conversation while a
	// response holds the lock. The active id is returned unchanged in that case.
	BypassLock bool
}

type SubmitResult struct {
	ConversationID string
	RequestID      string
	State          stream.State
	// Message is the assistant message kept in the transcript. It is empty
	// when nothing was received before a cancel or failure.
	Message conversation.Message
	// Error is the error-role message appended on failure.
	Error *conversation.Message
	// Save is set for completed responses.
	Save *syncer.SaveResult
}

// Engine owns the conversation list, the response lock and the background
// sync machinery of one user.
type Engine struct {
	settings *config.Settings
	store    store.Store
	client   *remote.Client
	router   *events.EventRouter
	sink     events.EventSink
	monitor  *connectivity.Monitor
	queue    *outbox.Queue
	coord    *syncer.Coordinator
	consumer *stream.Consumer
	lock     *lock.ResponseLock

	mu            sync.Mutex
	conversations []*conversation.Conversation
	activeID      string
	userSettings  remote.UserSettings

	settingsSynced atomic.Bool
	started        atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*options)

type options struct {
	httpClient *http.Client
	sinks      []events.EventSink
	routerOpts []events.EventRouterOption
	now        func() time.Time
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithSink adds a sink receiving every event next to the router.
func WithSink(sink events.EventSink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, sink)
	}
}

func WithRouterOptions(opts ...events.EventRouterOption) Option {
	return func(o *options) {
		o.routerOpts = append(o.routerOpts, opts...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func New(settings *config.Settings, st store.Store, opts ...Option) (*Engine, error) {
	if settings == nil {
		settings = config.NewSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	router, err := events.NewEventRouter(o.routerOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "could not create event router")
	}
	sink := events.MultiSink(append([]events.EventSink{router.Sink(events.TopicChat)}, o.sinks...))

	var clientOpts []remote.ClientOption
	if o.httpClient != nil {
		clientOpts = append(clientOpts, remote.WithHTTPClient(o.httpClient))
	}
	client := remote.NewClient(settings.BaseURL, clientOpts...)

	monitor := connectivity.NewMonitor(client,
		connectivity.WithInterval(settings.HealthInterval),
		connectivity.WithProbeTimeout(settings.ProbeTimeout),
		connectivity.WithSink(sink),
	)
	queue := outbox.NewQueue(st, outbox.WithSink(sink))

	ret := &Engine{
		settings: settings.Clone(),
		store:    st,
		client:   client,
		router:   router,
		sink:     sink,
		monitor:  monitor,
		queue:    queue,
		coord: syncer.NewCoordinator(settings, st, queue, client, monitor,
			syncer.WithSink(sink), syncer.WithClock(o.now)),
		consumer: stream.NewConsumer(client, stream.WithSink(sink)),
		lock:     lock.New(),
		userSettings: remote.UserSettings{
			Theme:           syncer.DefaultTheme,
			DefaultCategory: settings.DefaultCategory,
		},
		conversations: []*conversation.Conversation{},
	}
	return ret, nil
}

// Router exposes the event bus so that callers can register handlers and run it.
func (e *Engine) Router() *events.EventRouter {
	return e.router
}

// Start restores the local state and starts the connectivity monitor.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.restore(ctx); err != nil {
		return err
	}
	if err := e.queue.Load(ctx); err != nil {
		return errors.Wrap(err, "could not load pending syncs")
	}
	s := e.coord.LoadSettings(ctx)
	e.mu.Lock()
	e.userSettings = s
	e.mu.Unlock()

	e.monitor.OnProbe(e.onProbe)
	if err := e.monitor.Start(e.ctx); err != nil {
		return errors.Wrap(err, "could not start connectivity monitor")
	}
	log.Info().
		Str("base_url", e.settings.BaseURL).
		Int("conversations", len(e.Conversations())).
		Int("pending", e.queue.Len()).
		Msg("sync engine started")
	return nil
}

func (e *Engine) restore(ctx context.Context) error {
	var convs []*conversation.Conversation
	if _, err := store.GetJSON(ctx, e.store, store.KeyConversations, &convs); err != nil {
		log.Warn().Err(err).Msg("stored conversations are unreadable, starting with an empty list")
		convs = nil
	}
	restored := make([]*conversation.Conversation, 0, len(convs))
	for _, c := range convs {
		if c == nil || c.ID == "" {
			continue
		}
		c.Normalize()
		restored = append(restored, c)
	}

	var active string
	if _, err := store.GetJSON(ctx, e.store, store.KeyActiveConversationID, &active); err != nil {
		log.Warn().Err(err).Msg("stored active conversation is unreadable")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.conversations = restored
	if _, c := conversation.Find(restored, active); c == nil {
		active = ""
		if n := len(restored); n > 0 {
			active = restored[n-1].ID
		}
	}
	e.activeID = active
	if len(e.conversations) == 0 {
		e.newConversationLocked(NewConversationOptions{})
	}
	e.persistLocked(ctx)
	return nil
}

// Stop ends the monitor, cancels an in-flight response and waits for
// background work before closing the event router.
func (e *Engine) Stop() error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	e.monitor.Stop()
	if err := e.lock.Cancel(); err != nil && !errors.Is(err, lock.ErrNotResponding) {
		log.Debug().Err(err).Msg("could not cancel in-flight response")
	}
	e.cancel()
	e.wg.Wait()
	return e.router.Close()
}

func (e *Engine) onProbe(prev, next connectivity.Snapshot) {
	if !next.Connected() {
		return
	}
	if !prev.Connected() && e.settingsSynced.CompareAndSwap(false, true) {
		s := e.coord.LoadSettings(e.ctx)
		e.mu.Lock()
		e.userSettings = s
		e.mu.Unlock()
	}
	if !prev.Connected() || e.queue.Len() > 0 {
		e.drain(e.ctx)
	}
}

func (e *Engine) drain(ctx context.Context) *outbox.DrainResult {
	res, err := e.coord.DrainPending(ctx, e.lock.HeldFor)
	if err != nil {
		log.Warn().Err(err).Int("pending", e.queue.Len()).Msg("outbox drain interrupted")
	}
	if res == nil {
		res = &outbox.DrainResult{}
	}
	return res
}

// persistLocked writes the conversation list and active id. Failures are
// logged only.
func (e *Engine) persistLocked(ctx context.Context) {
	if err := store.SetJSON(ctx, e.store, store.KeyConversations, e.conversations); err != nil {
		log.Warn().Err(err).Msg("could not persist conversations")
	}
	if err := store.SetJSON(ctx, e.store, store.KeyActiveConversationID, e.activeID); err != nil {
		log.Warn().Err(err).Msg("could not persist active conversation")
	}
}

func (e *Engine) advise(conversationID, text string) {
	events.Publish(e.sink, events.NewAdvisoryEvent(events.NewMetadata(conversationID, ""), text))
}

// Conversations returns a copy of the list, pinned conversations first.
// The stored order is kept otherwise.
func (e *Engine) Conversations() []*conversation.Conversation {
	e.mu.Lock()
	ret := conversation.CloneAll(e.conversations)
	e.mu.Unlock()
	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].Pinned && !ret[j].Pinned
	})
	return ret
}

func (e *Engine) Conversation(id string) (*conversation.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, c := conversation.Find(e.conversations, id)
	if c == nil {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (e *Engine) ActiveConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID
}

func (e *Engine) ActiveMessages() []conversation.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, c := conversation.Find(e.conversations, e.activeID)
	if c == nil {
		return []conversation.Message{}
	}
	return conversation.CloneMessages(c.Messages)
}

func (e *Engine) SearchMessages(term string) []conversation.Message {
	return conversation.Search(e.ActiveMessages(), strings.TrimSpace(term))
}

func (e *Engine) IsResponding() bool {
	return e.lock.IsHeld()
}

func (e *Engine) newConversationLocked(opts NewConversationOptions) *conversation.Conversation {
	title := strings.TrimSpace(opts.Topic)
	if title == "" {
		if opts.First {
			title = untitled
		} else {
			title = conversation.DefaultTitle(len(e.conversations))
		}
	}
	category := opts.Category
	if category == "" {
		category = e.userSettings.DefaultCategory
	}
	if category == "" {
		category = e.settings.DefaultCategory
	}

	c := conversation.New("", title, category, e.settings.Greeting)
	if opts.First {
		e.conversations = append([]*conversation.Conversation{c}, e.conversations...)
	} else {
		e.conversations = append(e.conversations, c)
	}
	e.activeID = c.ID
	return c
}

// NewConversation creates a conversation and makes it active.
func (e *Engine) NewConversation(ctx context.Context, opts NewConversationOptions) (string, error) {
	if e.lock.IsHeld() {
		if opts.BypassLock {
			return e.ActiveConversationID(), nil
		}
		e.advise(e.lock.ConversationID(), advisoryCreate)
		return "", ErrResponseInProgress
	}

	e.mu.Lock()
	c := e.newConversationLocked(opts)
	e.persistLocked(ctx)
	e.mu.Unlock()

	log.Debug().Str("conversation_id", c.ID).Str("title", c.Title).Msg("conversation created")
	return c.ID, nil
}

// SelectConversation makes id active. Ids missing from the list are loaded
// through the coordinator.
func (e *Engine) SelectConversation(ctx context.Context, id string) error {
	if id == e.ActiveConversationID() {
		return nil
	}
	if e.lock.IsHeld() {
		e.advise(e.lock.ConversationID(), advisorySwitch)
		return ErrResponseInProgress
	}

	e.mu.Lock()
	if _, c := conversation.Find(e.conversations, id); c != nil {
		e.activeID = id
		e.persistLocked(ctx)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	snapshot, source := e.coord.Load(ctx, id)
	if source == syncer.LoadedNone {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, c := conversation.Find(e.conversations, id)
	if c == nil {
		c = conversation.New(id, conversation.DefaultTitle(len(e.conversations)), e.userSettings.DefaultCategory, "")
		e.conversations = append(e.conversations, c)
	}
	c.SetMessages(snapshot.Messages)
	c.Normalize()
	e.activeID = id
	e.persistLocked(ctx)
	log.Debug().Str("conversation_id", id).Str("source", string(source)).Msg("conversation loaded")
	return nil
}

// RefreshConversation reloads a listed conversation through the coordinator.
// Conversations with unsynced local changes keep their local copy.
func (e *Engine) RefreshConversation(ctx context.Context, id string) (syncer.LoadSource, error) {
	if e.lock.HeldFor(id) {
		return syncer.LoadedNone, ErrResponseInProgress
	}
	snapshot, source := e.coord.Load(ctx, id)
	if source != syncer.LoadedRemote {
		return source, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, c := conversation.Find(e.conversations, id)
	if c == nil {
		return source, ErrNotFound
	}
	c.SetMessages(snapshot.Messages)
	c.Normalize()
	e.persistLocked(ctx)
	return source, nil
}

// DeleteConversation removes a conversation. When it was active, the last
// remaining conversation becomes active; an emptied list gets a fresh one.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	if e.lock.IsHeld() {
		e.advise(e.lock.ConversationID(), advisoryDelete)
		return ErrResponseInProgress
	}

	e.mu.Lock()
	idx, _ := conversation.Find(e.conversations, id)
	if idx < 0 {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.conversations = append(e.conversations[:idx:idx], e.conversations[idx+1:]...)
	if e.activeID == id {
		e.activeID = ""
		if n := len(e.conversations); n > 0 {
			e.activeID = e.conversations[n-1].ID
		}
	}
	if len(e.conversations) == 0 {
		e.newConversationLocked(NewConversationOptions{})
	}
	e.persistLocked(ctx)
	e.mu.Unlock()

	e.coord.Forget(ctx, id)
	log.Debug().Str("conversation_id", id).Msg("conversation deleted")
	return nil
}

// DeleteAllConversations clears the local state and asks the remote service
// to forget the user's conversations in the background.
func (e *Engine) DeleteAllConversations(ctx context.Context) (string, error) {
	if e.lock.IsHeld() {
		e.advise(e.lock.ConversationID(), advisoryDelete)
		return "", ErrResponseInProgress
	}

	e.mu.Lock()
	for _, c := range e.conversations {
		if err := e.store.Delete(ctx, store.SnapshotKey(c.ID)); err != nil {
			log.Warn().Err(err).Str("conversation_id", c.ID).Msg("could not delete local snapshot")
		}
	}
	e.conversations = []*conversation.Conversation{}
	c := e.newConversationLocked(NewConversationOptions{})
	e.persistLocked(ctx)
	e.mu.Unlock()

	if err := e.queue.Clear(ctx); err != nil {
		log.Warn().Err(err).Msg("could not clear pending syncs")
	}

	if e.monitor.Current().Connected() && e.ctx != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_ = e.coord.DeleteAllRemote(e.ctx)
		}()
	}
	return c.ID, nil
}

func (e *Engine) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, c := conversation.Find(e.conversations, id)
	if c == nil {
		return ErrNotFound
	}
	c.Title = title
	e.persistLocked(ctx)
	return nil
}

// TogglePin flips the pinned flag and returns its new value.
func (e *Engine) TogglePin(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, c := conversation.Find(e.conversations, id)
	if c == nil {
		return false, ErrNotFound
	}
	c.Pinned = !c.Pinned
	e.persistLocked(ctx)
	return c.Pinned, nil
}

// StopGeneration cancels the in-flight response. The partial content stays
// in the transcript.
func (e *Engine) StopGeneration() error {
	return e.lock.Cancel()
}

// SyncPending drains the outbox once. Nothing is sent while disconnected.
func (e *Engine) SyncPending(ctx context.Context) *outbox.DrainResult {
	return e.drain(ctx)
}

func (e *Engine) PendingSyncs() []string {
	return e.queue.List()
}

// CheckStatus probes the remote service right away.
func (e *Engine) CheckStatus(ctx context.Context) connectivity.Snapshot {
	return e.monitor.Probe(ctx)
}

func (e *Engine) BackendStatus() connectivity.Snapshot {
	return e.monitor.Current()
}

func (e *Engine) Settings() remote.UserSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userSettings
}

// UpdateSettings stores the settings locally and, when connected, remotely.
// A remote failure is returned but the local values are kept.
func (e *Engine) UpdateSettings(ctx context.Context, s remote.UserSettings) error {
	e.mu.Lock()
	if s.Theme == "" {
		s.Theme = e.userSettings.Theme
	}
	if s.DefaultCategory == "" {
		s.DefaultCategory = e.userSettings.DefaultCategory
	}
	e.userSettings = s
	e.mu.Unlock()
	return e.coord.SaveSettings(ctx, s)
}

// Subscribe streams every engine event until ctx is done.
func (e *Engine) Subscribe(ctx context.Context) (<-chan events.Event, error) {
	return e.router.Subscribe(ctx, events.TopicChat)
}

// Submit sends prompt in the active conversation and streams the reply into
// it. Stream failures are reported through the result and the transcript; the
// returned error is reserved for rejected submits.
func (e *Engine) Submit(ctx context.Context, prompt, category string) (*SubmitResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	convID := e.ActiveConversationID()
	if convID == "" {
		var err error
		if convID, err = e.NewConversation(ctx, NewConversationOptions{BypassLock: true}); err != nil {
			return nil, err
		}
	}
	if !e.lock.TryAcquire(convID) {
		e.advise(convID, advisorySubmit)
		return nil, ErrResponseInProgress
	}
	defer e.lock.Release()

	requestID := helpers.NewRequestID()
	ctx = helpers.ContextWithRequestID(ctx, requestID)
	logger := log.With().Str("conversation_id", convID).Str("request_id", requestID).Logger()

	e.mu.Lock()
	_, c := conversation.Find(e.conversations, convID)
	if c == nil {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if category == "" {
		category = c.Category
	}
	history := conversation.History(c.Messages)
	firstExchange := c.UserMessageCount() == 0
	c.Append(conversation.NewUserMessage(prompt))
	e.persistLocked(ctx)
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.lock.SetCancel(cancel)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, e.settings.ChatTimeout)
	defer cancelTimeout()

	logger.Debug().Str("category", category).Int("history", len(history)).Msg("submitting prompt")
	res := e.consumer.Run(runCtx, stream.Request{
		ConversationID: convID,
		Path:           e.settings.ChatEndpoint(),
		Chat: remote.ChatRequest{
			Question: prompt,
			Category: category,
			History:  history,
		},
	}, func(u stream.Update) {
		if u.Content == "" && len(u.Sources) == 0 {
			return
		}
		m := conversation.NewAssistantMessage(u.Content, conversation.CloneSources(u.Sources))
		m.MessageID = u.MessageID
		e.replaceAssistant(convID, m)
	})

	// The caller may have given up on ctx; what was received is still kept.
	ctx = context.WithoutCancel(ctx)
	ret := &SubmitResult{ConversationID: convID, RequestID: requestID, State: res.State}
	hasContent := res.Content != "" || len(res.Sources) > 0

	switch res.State {
	case stream.StateCompleted:
		ret.Message = res.Message()
		messages := e.finalize(ctx, convID, &ret.Message, nil)
		save := e.coord.Save(ctx, convID, messages)
		ret.Save = &save
		if firstExchange {
			e.generateTitle(convID, messages)
		}
		logger.Info().Str("save", string(save.Outcome)).Msg("response completed")

	case stream.StateCancelled:
		if hasContent {
			ret.Message = res.Message()
			e.finalize(ctx, convID, &ret.Message, nil)
		} else {
			e.finalize(ctx, convID, nil, nil)
		}
		logger.Info().Int("length", len(res.Content)).Msg("response cancelled")

	default:
		errMsg := conversation.NewErrorMessage(res.Cause())
		ret.Error = &errMsg
		if hasContent {
			ret.Message = res.Message()
			e.finalize(ctx, convID, &ret.Message, &errMsg)
		} else {
			e.finalize(ctx, convID, nil, &errMsg)
		}
		logger.Warn().Err(res.Err).Msg("response failed")
	}
	return ret, nil
}

// replaceAssistant keeps only the latest partial state of the streaming
// message in memory.
func (e *Engine) replaceAssistant(convID string, m conversation.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, c := conversation.Find(e.conversations, convID); c != nil {
		c.ReplaceLast(conversation.RoleAssistant, m)
	}
}

// finalize writes the terminal state of a response into the conversation and
// persists the list. It returns a copy of the resulting messages.
func (e *Engine) finalize(
	ctx context.Context,
	convID string,
	assistant *conversation.Message,
	errMsg *conversation.Message,
) []conversation.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, c := conversation.Find(e.conversations, convID)
	if c == nil {
		return nil
	}
	if assistant != nil {
		c.ReplaceLast(conversation.RoleAssistant, *assistant)
	}
	if errMsg != nil {
		c.Append(*errMsg)
	}
	e.persistLocked(ctx)
	return conversation.CloneMessages(c.Messages)
}

// generateTitle names the conversation after its first exchange in the
// background. Failures fall back to a derived title.
func (e *Engine) generateTitle(convID string, messages []conversation.Message) {
	if e.ctx == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		title, generated := e.coord.GenerateTitle(e.ctx, messages)

		e.mu.Lock()
		_, c := conversation.Find(e.conversations, convID)
		if c == nil {
			e.mu.Unlock()
			return
		}
		c.Title = title
		e.persistLocked(e.ctx)
		e.mu.Unlock()

		log.Debug().Str("conversation_id", convID).Str("title", title).Bool("generated", generated).Msg("conversation titled")
		events.Publish(e.sink, events.NewTitleGeneratedEvent(events.NewMetadata(convID, ""), title, !generated))
	}()
}
