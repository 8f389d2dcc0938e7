package digest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/webhook-digest/internal/metrics"
	"github.com/hitoshi/webhook-digest/internal/model"
)

// --- モック定義 ---

type mockCandidates struct {
	listFunc func(ctx context.Context) ([]model.User, error)
}

func (m *mockCandidates) ListDigestCandidates(ctx context.Context) ([]model.User, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx)
	}
	return nil, nil
}

type mockSettings struct {
	settings model.Settings
	err      error
}

func (m *mockSettings) Resolve(_ context.Context) (model.Settings, error) {
	return m.settings, m.err
}

type mockComposer struct {
	calls       atomic.Int64
	composeFunc func(ctx context.Context, user *model.User, since time.Time, formats []model.DigestFormat) (*model.DigestPayload, error)
}

func (m *mockComposer) ComposeFormats(ctx context.Context, user *model.User, since time.Time, formats []model.DigestFormat) (*model.DigestPayload, error) {
	m.calls.Add(1)
	if m.composeFunc != nil {
		return m.composeFunc(ctx, user, since, formats)
	}
	return &model.DigestPayload{
		UserID:        user.ID,
		Username:      user.Username,
		Since:         since,
		PopularTopics: []model.TopicSummary{{ID: 1}},
	}, nil
}

// mockDispatcher は成功時にlast_digest_atを記録するDispatcherのモック。
type mockDispatcher struct {
	mu           sync.Mutex
	dispatchFunc func(ctx context.Context, payload *model.DigestPayload) error
	sent         map[int64]int
	lastDigestAt map[int64]time.Time
	now          time.Time
}

func (m *mockDispatcher) Dispatch(ctx context.Context, payload *model.DigestPayload, _ []model.DigestFormat) error {
	m.mu.Lock()
	if m.sent == nil {
		m.sent = map[int64]int{}
		m.lastDigestAt = map[int64]time.Time{}
	}
	m.sent[payload.UserID]++
	m.mu.Unlock()

	if m.dispatchFunc != nil {
		if err := m.dispatchFunc(ctx, payload); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.lastDigestAt[payload.UserID] = m.now
	m.mu.Unlock()
	return nil
}

func (m *mockDispatcher) totalSent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.sent {
		n += c
	}
	return n
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// --- ヘルパー ---

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func enabledSettings() *mockSettings {
	return &mockSettings{settings: model.Settings{
		Enabled:       true,
		IntervalHours: 24,
		Formats:       []model.DigestFormat{model.DigestFormatJSON},
	}}
}

func dueUser(id int64) model.User {
	seen := testNow.Add(-30 * time.Hour)
	return model.User{ID: id, Username: "user", Active: true, LastSeenAt: &seen}
}

func newTestScheduler(t *testing.T, users CandidateSource, settings SettingsProvider, c DigestComposer, d DigestDispatcher, opts Options) *Scheduler {
	t.Helper()
	var buf bytes.Buffer
	s := NewScheduler(users, settings, c, d, nil, newTestLogger(&buf), opts)
	s.now = func() time.Time { return testNow }
	return s
}

// --- テスト ---

func TestNewScheduler_DefaultConcurrency(t *testing.T) {
	s := newTestScheduler(t, &mockCandidates{}, enabledSettings(), &mockComposer{}, &mockDispatcher{}, Options{})
	if s.opts.MaxConcurrency != 10 {
		t.Errorf("MaxConcurrency = %d, want 10 (default)", s.opts.MaxConcurrency)
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v, want idle", s.State())
	}
}

func TestScheduler_RunOnce_DisabledIsNoop(t *testing.T) {
	var listed atomic.Bool
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		listed.Store(true)
		return []model.User{dueUser(1)}, nil
	}}
	composer := &mockComposer{}
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(t, users, &mockSettings{}, composer, dispatcher, Options{})

	_, err := s.RunOnce(context.Background())
	if !errors.Is(err, model.ErrDigestDisabled) {
		t.Errorf("err = %v, want ErrDigestDisabled", err)
	}
	if composer.calls.Load() != 0 || dispatcher.totalSent() != 0 || listed.Load() {
		t.Errorf("disabled tick should not touch users/composer/dispatcher")
	}
	if s.State() != StateDisabled {
		t.Errorf("State = %v, want disabled", s.State())
	}
}

func TestScheduler_RunOnce_NoEligibleUsers(t *testing.T) {
	recent := testNow.Add(-time.Hour)
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{{ID: 1, Active: true, LastSeenAt: &recent}}, nil
	}}
	composer := &mockComposer{}
	s := newTestScheduler(t, users, enabledSettings(), composer, &mockDispatcher{}, Options{})

	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if result.Eligible != 0 || composer.calls.Load() != 0 {
		t.Errorf("result = %+v, composer calls = %d", result, composer.calls.Load())
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v, want idle", s.State())
	}
}

func TestScheduler_RunOnce_OneSucceedsOneFails(t *testing.T) {
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{dueUser(1), dueUser(2)}, nil
	}}
	dispatcher := &mockDispatcher{
		now: testNow,
		dispatchFunc: func(_ context.Context, p *model.DigestPayload) error {
			if p.UserID == 2 {
				return &model.DeliveryError{TargetURL: "https://hooks.example.com", Err: errors.New("timeout")}
			}
			return nil
		},
	}
	s := newTestScheduler(t, users, enabledSettings(), &mockComposer{}, dispatcher, Options{MaxConcurrency: 2})

	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}

	if result.Eligible != 2 || result.Delivered != 1 || result.Failed != 1 {
		t.Errorf("result = %+v, want eligible=2 delivered=1 failed=1", result)
	}
	if dispatcher.sent[1] != 1 || dispatcher.sent[2] != 1 {
		t.Errorf("sent = %v, want each user exactly once", dispatcher.sent)
	}
	if _, ok := dispatcher.lastDigestAt[1]; !ok {
		t.Error("成功したユーザーのlast_digest_atは更新される")
	}
	if _, ok := dispatcher.lastDigestAt[2]; ok {
		t.Error("失敗したユーザーのlast_digest_atは更新されない")
	}
}

func TestScheduler_RunOnce_ComposeErrorDoesNotAbortTick(t *testing.T) {
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{dueUser(1), dueUser(2), dueUser(3)}, nil
	}}
	composer := &mockComposer{}
	composer.composeFunc = func(_ context.Context, u *model.User, since time.Time, _ []model.DigestFormat) (*model.DigestPayload, error) {
		if u.ID == 2 {
			return nil, errors.New("store unreachable")
		}
		return &model.DigestPayload{UserID: u.ID, PopularTopics: []model.TopicSummary{{ID: 1}}}, nil
	}
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(t, users, enabledSettings(), composer, dispatcher, Options{})

	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if result.Delivered != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want delivered=2 failed=1", result)
	}
	if dispatcher.sent[2] != 0 {
		t.Error("組み立てに失敗したユーザーには配信しない")
	}
}

func TestScheduler_RunOnce_PassesSinceFromLaterTimestamp(t *testing.T) {
	seen := testNow.Add(-72 * time.Hour)
	digested := testNow.Add(-48 * time.Hour)
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{{ID: 1, Active: true, LastSeenAt: &seen, LastDigestAt: &digested}}, nil
	}}
	var gotSince time.Time
	composer := &mockComposer{}
	composer.composeFunc = func(_ context.Context, u *model.User, since time.Time, _ []model.DigestFormat) (*model.DigestPayload, error) {
		gotSince = since
		return &model.DigestPayload{UserID: u.ID}, nil
	}
	s := newTestScheduler(t, users, enabledSettings(), composer, &mockDispatcher{}, Options{})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if !gotSince.Equal(digested) {
		t.Errorf("since = %v, want %v", gotSince, digested)
	}
}

func TestScheduler_RunOnce_SkipEmpty(t *testing.T) {
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{dueUser(1)}, nil
	}}
	composer := &mockComposer{}
	composer.composeFunc = func(_ context.Context, u *model.User, _ time.Time, _ []model.DigestFormat) (*model.DigestPayload, error) {
		return &model.DigestPayload{UserID: u.ID}, nil
	}

	t.Run("省略する", func(t *testing.T) {
		dispatcher := &mockDispatcher{}
		s := newTestScheduler(t, users, enabledSettings(), composer, dispatcher, Options{SkipEmpty: true})
		result, err := s.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce がエラーを返した: %v", err)
		}
		if result.Skipped != 1 || dispatcher.totalSent() != 0 {
			t.Errorf("result = %+v, sent = %d", result, dispatcher.totalSent())
		}
	})

	t.Run("省略しない", func(t *testing.T) {
		dispatcher := &mockDispatcher{}
		s := newTestScheduler(t, users, enabledSettings(), composer, dispatcher, Options{})
		result, err := s.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce がエラーを返した: %v", err)
		}
		if result.Delivered != 1 || dispatcher.totalSent() != 1 {
			t.Errorf("result = %+v, sent = %d", result, dispatcher.totalSent())
		}
	})
}

func TestScheduler_RunOnce_ListErrorFailsTick(t *testing.T) {
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return nil, errors.New("db down")
	}}
	s := newTestScheduler(t, users, enabledSettings(), &mockComposer{}, &mockDispatcher{}, Options{})

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if s.State() != StateIdle {
		t.Errorf("State = %v, want idle after a failed tick", s.State())
	}
}

func TestScheduler_RunOnce_SettingsErrorUsesDefaults(t *testing.T) {
	settings := enabledSettings()
	settings.err = errors.New("site_settings unavailable")
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{dueUser(1)}, nil
	}}
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(t, users, settings, &mockComposer{}, dispatcher, Options{})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if dispatcher.totalSent() != 1 {
		t.Errorf("sent = %d, want 1", dispatcher.totalSent())
	}
}

func TestScheduler_RunOnce_ConcurrentTickIsRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{dueUser(1)}, nil
	}}
	composer := &mockComposer{}
	composer.composeFunc = func(_ context.Context, u *model.User, _ time.Time, _ []model.DigestFormat) (*model.DigestPayload, error) {
		close(entered)
		<-release
		return &model.DigestPayload{UserID: u.ID}, nil
	}
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(t, users, enabledSettings(), composer, dispatcher, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	if s.State() != StateRunning {
		t.Errorf("State = %v, want running", s.State())
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, model.ErrTickInProgress) {
		t.Errorf("err = %v, want ErrTickInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunOnce がエラーを返した: %v", err)
	}
	if dispatcher.totalSent() != 1 {
		t.Errorf("sent = %d, want 1 (no duplicate delivery)", dispatcher.totalSent())
	}
}

func TestScheduler_RunOnce_RespectsMaxConcurrency(t *testing.T) {
	var users []model.User
	for i := int64(1); i <= 8; i++ {
		users = append(users, dueUser(i))
	}
	var current, peak atomic.Int64
	composer := &mockComposer{}
	composer.composeFunc = func(_ context.Context, u *model.User, _ time.Time, _ []model.DigestFormat) (*model.DigestPayload, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return &model.DigestPayload{UserID: u.ID}, nil
	}
	s := newTestScheduler(t,
		&mockCandidates{listFunc: func(context.Context) ([]model.User, error) { return users, nil }},
		enabledSettings(), composer, &mockDispatcher{}, Options{MaxConcurrency: 3})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestScheduler_RunOnce_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	var buf bytes.Buffer
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{dueUser(1), dueUser(2)}, nil
	}}
	s := NewScheduler(users, enabledSettings(), &mockComposer{}, &mockDispatcher{}, collector, newTestLogger(&buf), Options{})
	s.now = func() time.Time { return testNow }

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "webhook_digest_eligible_users" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 2 {
				t.Errorf("eligible_users = %v, want 2", v)
			}
			return
		}
	}
	t.Error("webhook_digest_eligible_users metric not found")
}

func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	var ticks atomic.Int64
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		ticks.Add(1)
		return nil, nil
	}}
	s := newTestScheduler(t, users, enabledSettings(), &mockComposer{}, &mockDispatcher{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if ticks.Load() < 2 {
		t.Errorf("ticks = %d, want at least 2 (immediate + ticker)", ticks.Load())
	}
}

func TestScheduler_Start_InFlightTickFinishesAfterCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	composer := &mockComposer{composeFunc: func(ctx context.Context, user *model.User, since time.Time, formats []model.DigestFormat) (*model.DigestPayload, error) {
		close(started)
		<-release
		return &model.DigestPayload{UserID: user.ID, PopularTopics: []model.TopicSummary{{ID: 1}}}, nil
	}}
	var dispatchErr atomic.Value
	dispatcher := &mockDispatcher{now: testNow, dispatchFunc: func(ctx context.Context, payload *model.DigestPayload) error {
		if err := ctx.Err(); err != nil {
			dispatchErr.Store(err)
			return err
		}
		return nil
	}}
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{dueUser(1)}, nil
	}}
	s := newTestScheduler(t, users, enabledSettings(), composer, dispatcher, Options{ShutdownGrace: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Start returned before the in-flight tick finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after the tick finished")
	}

	if err := dispatchErr.Load(); err != nil {
		t.Errorf("dispatch received a cancelled context: %v", err)
	}
	if _, ok := dispatcher.lastDigestAt[1]; !ok {
		t.Error("last_digest_at should be advanced for the user delivered during shutdown")
	}
}

func TestScheduler_Start_GraceExpiryAbortsTick(t *testing.T) {
	started := make(chan struct{})
	composer := &mockComposer{composeFunc: func(ctx context.Context, user *model.User, since time.Time, formats []model.DigestFormat) (*model.DigestPayload, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	users := &mockCandidates{listFunc: func(context.Context) ([]model.User, error) {
		return []model.User{dueUser(1)}, nil
	}}
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(t, users, enabledSettings(), composer, dispatcher, Options{ShutdownGrace: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after the shutdown grace expired")
	}
	if dispatcher.totalSent() != 0 {
		t.Errorf("sent = %d, want 0", dispatcher.totalSent())
	}
}
