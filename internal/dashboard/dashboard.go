package dashboard

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"dashcal/internal/ics"
	appLog "dashcal/internal/log"
	"dashcal/internal/model"
	"dashcal/internal/notify"
	"dashcal/internal/store"
)

// Store keys.
const (
	KeyEvents   = "events"
	KeyNotified = "notified-events"
)

// SyncErrorMessage is what the UI shows after a failed sync. It does not say
// which feed failed.
const SyncErrorMessage = "Failed to sync one or more calendars. Check URLs and feed availability."

const syncTimeout = 2 * time.Minute

// ErrSyncInProgress is returned by Refresh while another sync is running.
var ErrSyncInProgress = errors.New("calendar sync already in progress")

// Options configures a Service.
type Options struct {
	Fetcher  ics.TextFetcher
	Store    store.Store
	Location *time.Location
	Sources  []model.Source
	// Metrics defaults to collectors on the global Prometheus registry.
	Metrics *Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// SyncStatus reports the outcome of the most recent sync.
type SyncStatus struct {
	Error    string    `json:"error,omitempty"`
	LastSync time.Time `json:"last_sync"`
	Syncing  bool      `json:"syncing"`
}

// Service owns the dashboard state: the merged event list, the notification
// record and the reminder currently on display. It is the only component
// that talks to the Store; the parser and the notification rules stay pure.
type Service struct {
	fetcher ics.TextFetcher
	store   store.Store
	loc     *time.Location
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	sources  []model.Source
	events   []model.CalendarEvent
	notified notify.State
	current  *model.NotificationPayload
	syncErr  string
	lastSync time.Time

	syncing atomic.Bool

	cron    *cron.Cron
	rootCtx context.Context
}

// New builds a Service and restores events and notification state from the
// store. Missing or unreadable state starts empty.
func New(opts Options) *Service {
	s := &Service{
		fetcher:  opts.Fetcher,
		store:    opts.Store,
		loc:      opts.Location,
		metrics:  opts.Metrics,
		now:      opts.Now,
		sources:  slices.Clone(opts.Sources),
		events:   []model.CalendarEvent{},
		notified: notify.State{},
		rootCtx:  context.Background(),
	}
	if s.fetcher == nil {
		s.fetcher = ics.NewFetcher(0)
	}
	if s.store == nil {
		s.store = store.NewMemoryStore()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.metrics == nil {
		s.metrics = defaultMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.restore()
	return s
}

func (s *Service) restore() {
	var events []model.CalendarEvent
	if err := s.store.Load(KeyEvents, &events); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			appLog.Error("restore events failed", err)
		}
	} else if events != nil {
		s.events = events
	}

	var notified notify.State
	if err := s.store.Load(KeyNotified, &notified); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			appLog.Error("restore notification state failed", err)
		}
	} else if notified != nil {
		s.notified = notified
	}

	s.metrics.events.Set(float64(len(s.events)))
	appLog.Info("dashboard state restored", "events", len(s.events), "notified", len(s.notified))
}

// persist saves v under key. Failures are logged and otherwise ignored; the
// in-memory state keeps working for the session.
func (s *Service) persist(key string, v any) {
	if err := s.store.Save(key, v); err != nil {
		appLog.Error("persist failed", err, "key", key)
	}
}

// Refresh fetches all sources and replaces the event list.
//
// With no sources the list is cleared. On failure the previous list is kept,
// SyncStatus carries SyncErrorMessage and the returned error wraps
// ics.ErrSync. Overlapping calls return ErrSyncInProgress.
func (s *Service) Refresh(ctx context.Context) error {
	if !s.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer s.syncing.Store(false)

	s.mu.Lock()
	sources := slices.Clone(s.sources)
	s.mu.Unlock()

	if len(sources) == 0 {
		s.replaceEvents([]model.CalendarEvent{})
		return nil
	}

	events, err := ics.Sync(ctx, s.fetcher, sources, s.loc)
	if err != nil {
		appLog.Error("calendar sync failed", err, "source_count", len(sources))
		s.metrics.syncs.WithLabelValues("failure").Inc()

		s.mu.Lock()
		s.syncErr = SyncErrorMessage
		s.mu.Unlock()
		return err
	}

	s.metrics.syncs.WithLabelValues("success").Inc()
	s.replaceEvents(events)
	appLog.Info("calendar sync completed", "source_count", len(sources), "event_count", len(events))
	return nil
}

func (s *Service) replaceEvents(events []model.CalendarEvent) {
	now := s.now()

	s.mu.Lock()
	s.events = events
	s.syncErr = ""
	s.lastSync = now
	s.mu.Unlock()

	s.metrics.events.Set(float64(len(events)))
	s.metrics.lastSync.Set(float64(now.Unix()))
	s.persist(KeyEvents, events)
}

// CheckNotifications runs one reminder tick at now. The most recent payload
// replaces the one on display; earlier payloads from the same tick are only
// returned, not queued.
func (s *Service) CheckNotifications(now time.Time) []model.NotificationPayload {
	s.mu.Lock()
	fired, next := notify.Evaluate(s.events, now, s.notified)
	s.notified = next
	if len(fired) > 0 {
		latest := fired[len(fired)-1].Payload
		s.current = &latest
	}
	s.mu.Unlock()

	for _, f := range fired {
		s.metrics.notifications.WithLabelValues(string(f.Phase)).Inc()
		appLog.Info("event reminder", "id", f.Payload.Event.ID, "phase", f.Phase, "message", f.Payload.Text())
	}

	s.persist(KeyNotified, next)
	return notify.Payloads(fired)
}

// Events returns a copy of the current event list, sorted by start.
func (s *Service) Events() []model.CalendarEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Notification returns the reminder on display, if any.
func (s *Service) Notification() (model.NotificationPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.NotificationPayload{}, false
	}
	return *s.current, true
}

// DismissNotification clears the reminder on display.
func (s *Service) DismissNotification() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Status reports the last sync outcome.
func (s *Service) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStatus{
		Error:    s.syncErr,
		LastSync: s.lastSync,
		Syncing:  s.syncing.Load(),
	}
}

// Sources returns the configured feeds.
func (s *Service) Sources() []model.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sources)
}

// SetSources replaces the configured feeds. The next Refresh uses them.
func (s *Service) SetSources(sources []model.Source) {
	s.mu.Lock()
	s.sources = slices.Clone(sources)
	s.mu.Unlock()
}

// Start runs an initial sync and schedules the refresh and reminder ticks.
// Both jobs skip a tick while their previous run is still going. ctx bounds
// every sync started by the scheduler.
func (s *Service) Start(ctx context.Context, refreshSpec, notifySpec string) error {
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(appLog.Std()))),
	)

	if _, err := c.AddFunc(refreshSpec, func() { s.runRefresh(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(notifySpec, func() { s.CheckNotifications(s.now()) }); err != nil {
		return err
	}

	s.mu.Lock()
	s.cron = c
	s.rootCtx = ctx
	s.mu.Unlock()
	c.Start()
	appLog.Info("dashboard scheduler started", "refresh", refreshSpec, "notify", notifySpec)

	go s.runRefresh(ctx)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	appLog.Info("dashboard scheduler stopped")
}

// RefreshAsync starts a sync in the background, bound to the scheduler's
// context. Used after the source list changes.
func (s *Service) RefreshAsync() {
	s.mu.Lock()
	ctx := s.rootCtx
	s.mu.Unlock()
	go s.runRefresh(ctx)
}

func (s *Service) runRefresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	err := s.Refresh(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		appLog.Info("calendar sync skipped; previous sync still running")
	}
}
