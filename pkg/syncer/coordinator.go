package syncer

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/connectivity"
	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/outbox"
	"github.com/go-go-golems/chatsync/pkg/remote"
	"github.com/go-go-golems/chatsync/pkg/store"
	"github.com/rs/zerolog/log"
)

// Remote is the subset of the remote client used for persistence.
type Remote interface {
	SaveConversation(ctx context.Context, userID, conversationID string, messages []conversation.Message) error
	LoadConversation(ctx context.Context, userID, conversationID string) (*remote.LoadConversationResponse, error)
	GenerateTitle(ctx context.Context, messages []conversation.Message) (string, error)
	SaveSettings(ctx context.Context, userID string, settings remote.UserSettings) error
	LoadSettings(ctx context.Context, userID string) (*remote.LoadSettingsResponse, error)
	DeleteAll(ctx context.Context, userID string) error
}

type StatusProvider interface {
	Status() connectivity.Status
}

type SaveOutcome string

const (
	SavedRemotely    SaveOutcome = "remote"
	SavedLocallyOnly SaveOutcome = "local"
)

const (
	advisoryOffline    = "Backend is not connected. The conversation was saved locally and will be synced later."
	advisorySaveFailed = "Saving to the server failed. The conversation was saved locally and will be synced later."
)

type SaveResult struct {
	Outcome SaveOutcome
	// Advisory is the user-facing notice for a local-only save.
	Advisory string
	Err      error
}

type LoadSource string

const (
	LoadedRemote LoadSource = "remote"
	LoadedLocal  LoadSource = "local"
	LoadedNone   LoadSource = "none"
)

const DefaultTheme = "dark"

// Coordinator decides, for every save and load, whether to go to the remote
// service or fall back to the durable store and the outbox.
type Coordinator struct {
	store  store.Store
	queue  *outbox.Queue
	remote Remote
	status StatusProvider
	sink   events.EventSink

	userID          string
	defaultCategory string
	saveTimeout     time.Duration
	titleTimeout    time.Duration
	settingsTimeout time.Duration

	now func() time.Time
}

type CoordinatorOption func(*Coordinator)

func WithSink(sink events.EventSink) CoordinatorOption {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(
	settings *config.Settings,
	st store.Store,
	queue *outbox.Queue,
	r Remote,
	status StatusProvider,
	options ...CoordinatorOption,
) *Coordinator {
	ret := &Coordinator{
		store:           st,
		queue:           queue,
		remote:          r,
		status:          status,
		sink:            events.NewNullSink(),
		userID:          settings.UserID,
		defaultCategory: settings.DefaultCategory,
		saveTimeout:     settings.SaveTimeout,
		titleTimeout:    settings.TitleTimeout,
		settingsTimeout: settings.SettingsTimeout,
		now:             time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (c *Coordinator) connected() bool {
	return c.status.Status() == connectivity.StatusConnected
}

func (c *Coordinator) Queue() *outbox.Queue {
	return c.queue
}

// Save writes the local snapshot and then tries the remote service. Every
// failed or skipped remote save leaves the id in the outbox; a successful one
// removes it. Saves of one conversation never overlap with a drain of it.
func (c *Coordinator) Save(ctx context.Context, conversationID string, messages []conversation.Message) SaveResult {
	unlock := c.queue.LockConversation(conversationID)
	defer unlock()

	md := events.NewMetadata(conversationID, "")
	snapshot := conversation.NewSnapshot(conversationID, messages)
	snapshot.Timestamp = c.now()
	if err := store.SetJSON(ctx, c.store, store.SnapshotKey(conversationID), snapshot); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("could not write local snapshot")
	}

	if !c.connected() {
		return c.savedLocally(ctx, md, advisoryOffline, nil)
	}

	saveCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()
	if err := c.remote.SaveConversation(saveCtx, c.userID, conversationID, snapshot.Messages); err != nil {
		class := remote.Classify(err)
		metrics.RecordRemoteFailure("save", string(class))
		log.Warn().Err(err).Str("conversation_id", conversationID).Str("class", string(class)).Msg("remote save failed")
		return c.savedLocally(ctx, md, advisorySaveFailed, err)
	}

	if err := c.queue.Dequeue(ctx, conversationID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("could not update pending sync list")
	}
	metrics.RecordSave(string(SavedRemotely))
	events.Publish(c.sink, events.NewSaveResultEvent(md, string(SavedRemotely), nil))
	log.Debug().Str("conversation_id", conversationID).Msg("conversation saved remotely")
	return SaveResult{Outcome: SavedRemotely}
}

func (c *Coordinator) savedLocally(ctx context.Context, md events.EventMetadata, advisory string, err error) SaveResult {
	if qerr := c.queue.Enqueue(ctx, md.ConversationID); qerr != nil {
		log.Warn().Err(qerr).Str("conversation_id", md.ConversationID).Msg("could not update pending sync list")
	}
	metrics.RecordSave(string(SavedLocallyOnly))
	events.Publish(c.sink, events.NewSaveResultEvent(md, string(SavedLocallyOnly), err))
	events.Publish(c.sink, events.NewAdvisoryEvent(md, advisory))
	return SaveResult{Outcome: SavedLocallyOnly, Advisory: advisory, Err: err}
}

// Load returns the freshest available copy of a conversation. The local
// snapshot wins unless a remote fetch succeeds, in which case the remote copy
// overwrites it. Conversations with unsynced local changes are not fetched.
func (c *Coordinator) Load(ctx context.Context, conversationID string) (*conversation.Snapshot, LoadSource) {
	local := &conversation.Snapshot{}
	ok, err := store.GetJSON(ctx, c.store, store.SnapshotKey(conversationID), local)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("could not read local snapshot")
		ok = false
	}
	fallback := func() (*conversation.Snapshot, LoadSource) {
		if !ok {
			return nil, LoadedNone
		}
		return local, LoadedLocal
	}

	if !c.connected() || c.queue.Contains(conversationID) {
		return fallback()
	}

	loadCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()
	resp, err := c.remote.LoadConversation(loadCtx, c.userID, conversationID)
	if err != nil {
		metrics.RecordRemoteFailure("load", string(remote.Classify(err)))
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("remote load failed, using local copy")
		return fallback()
	}
	if resp.Status != remote.StatusSuccess || resp.Conversation == nil {
		return fallback()
	}

	loaded := &conversation.Conversation{ID: conversationID, Messages: resp.Conversation.Messages}
	loaded.Normalize()
	snapshot := conversation.NewSnapshot(conversationID, loaded.Messages)
	snapshot.Timestamp = c.now()
	if err := store.SetJSON(ctx, c.store, store.SnapshotKey(conversationID), snapshot); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("could not cache remote conversation locally")
	}
	return snapshot, LoadedRemote
}

// DrainPending retries the outbox when the remote service is connected.
func (c *Coordinator) DrainPending(ctx context.Context, skip outbox.SkipFunc) (*outbox.DrainResult, error) {
	if !c.connected() {
		return &outbox.DrainResult{}, nil
	}
	return c.queue.Drain(ctx, func(ctx context.Context, snapshot *conversation.Snapshot) error {
		saveCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
		defer cancel()
		err := c.remote.SaveConversation(saveCtx, c.userID, snapshot.ID, snapshot.Messages)
		if err != nil {
			metrics.RecordRemoteFailure("save", string(remote.Classify(err)))
			return err
		}
		metrics.RecordSave(string(SavedRemotely))
		events.Publish(c.sink, events.NewSaveResultEvent(events.NewMetadata(snapshot.ID, ""), string(SavedRemotely), nil))
		return nil
	}, skip)
}

// GenerateTitle asks the remote service for a title and falls back to one
// derived from the first user message. The boolean reports whether the
// remote title was used.
func (c *Coordinator) GenerateTitle(ctx context.Context, messages []conversation.Message) (string, bool) {
	if !c.connected() {
		return conversation.FallbackTitle(messages, c.now()), false
	}

	titleCtx, cancel := context.WithTimeout(ctx, c.titleTimeout)
	defer cancel()
	title, err := c.remote.GenerateTitle(titleCtx, messages)
	if err != nil {
		metrics.RecordRemoteFailure("title", string(remote.Classify(err)))
		log.Debug().Err(err).Msg("title generation failed, using fallback")
		return conversation.FallbackTitle(messages, c.now()), false
	}
	title = strings.TrimSpace(title)
	if !conversation.PlausibleTitle(title) {
		return conversation.FallbackTitle(messages, c.now()), false
	}
	return title, true
}

// LoadSettings returns the local settings, overlaid with the remote ones when
// the remote service has them. Remote values are written back locally.
func (c *Coordinator) LoadSettings(ctx context.Context) remote.UserSettings {
	ret := remote.UserSettings{Theme: DefaultTheme, DefaultCategory: c.defaultCategory}
	c.readLocalSetting(ctx, store.KeyTheme, &ret.Theme)
	c.readLocalSetting(ctx, store.KeyDefaultCategory, &ret.DefaultCategory)

	if !c.connected() {
		return ret
	}
	settingsCtx, cancel := context.WithTimeout(ctx, c.settingsTimeout)
	defer cancel()
	resp, err := c.remote.LoadSettings(settingsCtx, c.userID)
	if err != nil {
		metrics.RecordRemoteFailure("settings-load", string(remote.Classify(err)))
		log.Debug().Err(err).Msg("could not load remote settings, keeping local")
		return ret
	}
	if resp.Status != remote.StatusSuccess || resp.Settings == nil {
		return ret
	}
	if resp.Settings.Theme != "" {
		ret.Theme = resp.Settings.Theme
		c.writeLocalSetting(ctx, store.KeyTheme, ret.Theme)
	}
	if resp.Settings.DefaultCategory != "" {
		ret.DefaultCategory = resp.Settings.DefaultCategory
		c.writeLocalSetting(ctx, store.KeyDefaultCategory, ret.DefaultCategory)
	}
	return ret
}

// SaveSettings stores the settings locally and pushes them to the remote
// service on a best-effort basis.
func (c *Coordinator) SaveSettings(ctx context.Context, settings remote.UserSettings) error {
	if settings.Theme != "" {
		c.writeLocalSetting(ctx, store.KeyTheme, settings.Theme)
	}
	if settings.DefaultCategory != "" {
		c.writeLocalSetting(ctx, store.KeyDefaultCategory, settings.DefaultCategory)
	}
	if !c.connected() {
		return nil
	}
	settingsCtx, cancel := context.WithTimeout(ctx, c.settingsTimeout)
	defer cancel()
	if err := c.remote.SaveSettings(settingsCtx, c.userID, settings); err != nil {
		metrics.RecordRemoteFailure("settings-save", string(remote.Classify(err)))
		log.Warn().Err(err).Msg("could not save settings remotely")
		return err
	}
	return nil
}

func (c *Coordinator) readLocalSetting(ctx context.Context, key string, v *string) {
	var s string
	ok, err := store.GetJSON(ctx, c.store, key, &s)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("could not read local setting")
		return
	}
	if ok && s != "" {
		*v = s
	}
}

func (c *Coordinator) writeLocalSetting(ctx context.Context, key string, v string) {
	if err := store.SetJSON(ctx, c.store, key, v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("could not write local setting")
	}
}

// DeleteAllRemote asks the remote service to drop every conversation of the
// user. Failures are logged and returned for information only.
func (c *Coordinator) DeleteAllRemote(ctx context.Context) error {
	deleteCtx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()
	if err := c.remote.DeleteAll(deleteCtx, c.userID); err != nil {
		metrics.RecordRemoteFailure("delete-all", string(remote.Classify(err)))
		log.Warn().Err(err).Msg("remote delete-all failed")
		return err
	}
	return nil
}

// Forget removes the local snapshot and outbox entry of a deleted conversation.
func (c *Coordinator) Forget(ctx context.Context, conversationID string) {
	unlock := c.queue.LockConversation(conversationID)
	defer unlock()

	if err := c.store.Delete(ctx, store.SnapshotKey(conversationID)); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("could not delete local snapshot")
	}
	if err := c.queue.Dequeue(ctx, conversationID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("could not update pending sync list")
	}
}
