package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashcal/internal/ics"
	"dashcal/internal/model"
	"dashcal/internal/notify"
	"dashcal/internal/store"
)

var testNow = time.Date(2024, 1, 15, 8, 50, 0, 0, time.UTC)

// stubFetcher serves bodies by URL; URLs missing from bodies fail.
type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	block  chan struct{}
	calls  int
}

func (f *stubFetcher) FetchText(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.calls++
	body, ok := f.bodies[url]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !ok {
		return "", errors.New("unexpected status 503 Service Unavailable")
	}
	return body, nil
}

// failingStore accepts nothing.
type failingStore struct{}

func (failingStore) Load(string, any) error { return errors.New("disk gone") }
func (failingStore) Save(string, any) error { return errors.New("disk gone") }

func feed(events ...string) string {
	return "BEGIN:VCALENDAR\r\n" + strings.Join(events, "\r\n") + "\r\nEND:VCALENDAR\r\n"
}

func vevent(uid, summary, start string) string {
	return "BEGIN:VEVENT\r\nUID:" + uid + "\r\nSUMMARY:" + summary + "\r\nDTSTART:" + start + "\r\nEND:VEVENT"
}

func newTestService(t *testing.T, fetcher ics.TextFetcher, st store.Store, sources []model.Source) (*Service, *Metrics) {
	t.Helper()
	m := MustNewMetrics(prometheus.NewRegistry())
	svc := New(Options{
		Fetcher:  fetcher,
		Store:    st,
		Location: time.UTC,
		Sources:  sources,
		Metrics:  m,
		Now:      func() time.Time { return testNow },
	})
	return svc, m
}

func TestRefreshReplacesEventsAndPersists(t *testing.T) {
	fetcher := &stubFetcher{bodies: map[string]string{
		"https://a.example/a.ics": feed(vevent("a1", "Standup", "20240115T090000Z")),
		"https://b.example/b.ics": feed(vevent("b1", "Early", "20240115T070000Z")),
	}}
	st := store.NewMemoryStore()
	svc, m := newTestService(t, fetcher, st, []model.Source{
		{ID: "a", URL: "https://a.example/a.ics"},
		{ID: "b", URL: "https://b.example/b.ics"},
	})

	require.NoError(t, svc.Refresh(context.Background()))

	events := svc.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "b1", events[0].ID)
	assert.Equal(t, "a1", events[1].ID)

	var persisted []model.CalendarEvent
	require.NoError(t, st.Load(KeyEvents, &persisted))
	assert.Len(t, persisted, 2)

	status := svc.Status()
	assert.Empty(t, status.Error)
	assert.Equal(t, testNow, status.LastSync)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events))
}

func TestRefreshFailureKeepsPreviousEvents(t *testing.T) {
	fetcher := &stubFetcher{bodies: map[string]string{
		"https://a.example/a.ics": feed(vevent("a1", "Standup", "20240115T090000Z")),
	}}
	svc, m := newTestService(t, fetcher, store.NewMemoryStore(), []model.Source{
		{ID: "a", URL: "https://a.example/a.ics"},
	})
	require.NoError(t, svc.Refresh(context.Background()))

	svc.SetSources([]model.Source{
		{ID: "a", URL: "https://a.example/a.ics"},
		{ID: "down", URL: "https://down.example/x.ics"},
	})
	err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ics.ErrSync)

	events := svc.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "a1", events[0].ID)
	assert.Equal(t, SyncErrorMessage, svc.Status().Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs.WithLabelValues("failure")))

	// A later success clears the error.
	svc.SetSources([]model.Source{{ID: "a", URL: "https://a.example/a.ics"}})
	require.NoError(t, svc.Refresh(context.Background()))
	assert.Empty(t, svc.Status().Error)
}

func TestRefreshWithoutSourcesClearsEvents(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Save(KeyEvents, []model.CalendarEvent{{ID: "stale", Summary: "Old", Start: testNow, End: testNow}}))

	svc, _ := newTestService(t, &stubFetcher{}, st, nil)
	require.Len(t, svc.Events(), 1)

	require.NoError(t, svc.Refresh(context.Background()))
	assert.Empty(t, svc.Events())
	assert.NotNil(t, svc.Events())
}

func TestRefreshRejectsOverlap(t *testing.T) {
	fetcher := &stubFetcher{
		bodies: map[string]string{"https://a.example/a.ics": feed(vevent("a1", "Standup", "20240115T090000Z"))},
		block:  make(chan struct{}),
	}
	svc, _ := newTestService(t, fetcher, store.NewMemoryStore(), []model.Source{
		{ID: "a", URL: "https://a.example/a.ics"},
	})

	done := make(chan error, 1)
	go func() { done <- svc.Refresh(context.Background()) }()

	require.Eventually(t, func() bool { return svc.Status().Syncing }, time.Second, time.Millisecond)
	assert.ErrorIs(t, svc.Refresh(context.Background()), ErrSyncInProgress)

	close(fetcher.block)
	require.NoError(t, <-done)
	assert.False(t, svc.Status().Syncing)
	assert.Len(t, svc.Events(), 1)
}

func TestCheckNotificationsPersistsStateAndShowsLatest(t *testing.T) {
	fetcher := &stubFetcher{bodies: map[string]string{
		"https://a.example/a.ics": feed(
			vevent("ten", "Standup", "20240115T090000Z"),
			vevent("five", "Coffee", "20240115T085300Z"),
		),
	}}
	st := store.NewMemoryStore()
	svc, m := newTestService(t, fetcher, st, []model.Source{{ID: "a", URL: "https://a.example/a.ics"}})
	require.NoError(t, svc.Refresh(context.Background()))

	payloads := svc.CheckNotifications(testNow)
	require.Len(t, payloads, 2)
	// Events are sorted by start: Coffee (08:53) before Standup (09:00).
	assert.Equal(t, "Coffee starts in 3 minutes.", payloads[0].Text())
	assert.Equal(t, "Standup starts in 10 minutes.", payloads[1].Text())

	current, ok := svc.Notification()
	require.True(t, ok)
	assert.Equal(t, "ten", current.Event.ID)

	var persisted notify.State
	require.NoError(t, st.Load(KeyNotified, &persisted))
	assert.Equal(t, notify.State{
		"ten":  {Ten: true},
		"five": {Five: true},
	}, persisted)

	assert.Empty(t, svc.CheckNotifications(testNow))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("ten")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("five")))

	svc.DismissNotification()
	_, ok = svc.Notification()
	assert.False(t, ok)
}

func TestStateSurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore()
	fetcher := &stubFetcher{bodies: map[string]string{
		"https://a.example/a.ics": feed(vevent("ten", "Standup", "20240115T090000Z")),
	}}
	sources := []model.Source{{ID: "a", URL: "https://a.example/a.ics"}}

	first, _ := newTestService(t, fetcher, st, sources)
	require.NoError(t, first.Refresh(context.Background()))
	require.Len(t, first.CheckNotifications(testNow), 1)

	second, _ := newTestService(t, fetcher, st, sources)
	assert.Len(t, second.Events(), 1)
	assert.Empty(t, second.CheckNotifications(testNow.Add(15*time.Second)))
}

func TestPersistenceFailuresAreNonFatal(t *testing.T) {
	fetcher := &stubFetcher{bodies: map[string]string{
		"https://a.example/a.ics": feed(vevent("ten", "Standup", "20240115T090000Z")),
	}}
	svc, _ := newTestService(t, fetcher, failingStore{}, []model.Source{{ID: "a", URL: "https://a.example/a.ics"}})

	require.NoError(t, svc.Refresh(context.Background()))
	assert.Len(t, svc.CheckNotifications(testNow), 1)
	assert.Empty(t, svc.CheckNotifications(testNow))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	svc, _ := newTestService(t, &stubFetcher{}, store.NewMemoryStore(), nil)
	assert.Error(t, svc.Start(context.Background(), "not a schedule", "@every 15s"))
	assert.Error(t, svc.Start(context.Background(), "*/15 * * * *", "@every nope"))
}

func TestStartRunsInitialSync(t *testing.T) {
	fetcher := &stubFetcher{bodies: map[string]string{
		"https://a.example/a.ics": feed(vevent("a1", "Standup", "20240115T090000Z")),
	}}
	svc, _ := newTestService(t, fetcher, store.NewMemoryStore(), []model.Source{{ID: "a", URL: "https://a.example/a.ics"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx, "*/15 * * * *", "@every 15s"))
	defer svc.Stop()

	assert.Eventually(t, func() bool { return len(svc.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
}
