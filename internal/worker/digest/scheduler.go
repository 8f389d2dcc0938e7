// Package digest はダイジェスト配信のバックグラウンドスケジューラを提供する。
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/webhook-digest/internal/digest"
	"github.com/hitoshi/webhook-digest/internal/metrics"
	"github.com/hitoshi/webhook-digest/internal/model"
)

// State はスケジューラの状態。
type State int32

const (
	StateIdle State = iota
	StateDisabled
	StateRunning
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

// CandidateSource は配信候補ユーザーのスナップショットを提供する。
type CandidateSource interface {
	ListDigestCandidates(ctx context.Context) ([]model.User, error)
}

// SettingsProvider はティックごとの設定を提供する。
type SettingsProvider interface {
	Resolve(ctx context.Context) (model.Settings, error)
}

// DigestComposer は1ユーザー分のダイジェストを組み立ててレンダリングする。
type DigestComposer interface {
	ComposeFormats(ctx context.Context, user *model.User, since time.Time, formats []model.DigestFormat) (*model.DigestPayload, error)
}

// DigestDispatcher はダイジェストを配信する。
type DigestDispatcher interface {
	Dispatch(ctx context.Context, payload *model.DigestPayload, formats []model.DigestFormat) error
}

// Options はSchedulerの調整値。
type Options struct {
	MaxConcurrency   int
	MustApproveUsers bool
	SkipEmpty        bool
	// ShutdownGrace は停止シグナル後に処理中のティックを待つ上限。0以下の場合は30秒。
	ShutdownGrace time.Duration
}

// TickResult は1ティックの処理結果。
type TickResult struct {
	Eligible  int `json:"eligible"`
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Scheduler はダイジェスト配信のスケジューリングと並列制御を行う。
// ティックは重複して実行されず、処理中に次のティックが来た場合はスキップする。
// 1ティック内ではsemaphoreパターンで最大並列数を制御し、各ユーザーは1つのワーカーだけが処理する。
type Scheduler struct {
	users      CandidateSource
	settings   SettingsProvider
	composer   DigestComposer
	dispatcher DigestDispatcher
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	opts       Options
	now        func() time.Time

	running atomic.Bool
	state   atomic.Int32
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	users CandidateSource,
	settings SettingsProvider,
	composer DigestComposer,
	dispatcher DigestDispatcher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 10
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		users:      users,
		settings:   settings,
		composer:   composer,
		dispatcher: dispatcher,
		metrics:    collector,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// State は現在の状態を返す。
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// defaultShutdownGrace は停止シグナル後に処理中のティックを待つ既定の上限。
const defaultShutdownGrace = 30 * time.Second

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続し、処理中のティックの完了を待って戻る。
// 処理中のティックはキャンセルの影響を受けず、ShutdownGraceを超えた場合のみ中断される。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ダイジェストスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.opts.MaxConcurrency),
	)

	// 起動直後に1回実行
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ダイジェストスケジューラを停止しました")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tickCtx, cancel := s.detach(ctx)
	defer cancel()

	if _, err := s.RunOnce(tickCtx); err != nil && !errors.Is(err, model.ErrTickInProgress) {
		s.logger.Error("ダイジェストティックの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// detach はparentのキャンセル後もShutdownGraceの間は処理を継続できるコンテキストを返す。
// 送信済みのユーザーのlast_digest_atを書き損ねないよう、処理中のティックは途中で打ち切らない。
func (s *Scheduler) detach(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		select {
		case <-time.After(s.opts.ShutdownGrace):
			s.logger.Warn("停止猶予を超えたため処理中のティックを中断します",
				slog.Duration("shutdown_grace", s.opts.ShutdownGrace),
			)
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// RunOnce は1ティック分の処理を実行する。
// 機能が無効な場合は何もせずmodel.ErrDigestDisabledを返す。
// 別のティックが処理中の場合はmodel.ErrTickInProgressを返す。
// ユーザー単位のエラーはログとメトリクスに記録し、ティック自体は失敗させない。
func (s *Scheduler) RunOnce(ctx context.Context) (TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.RecordTick(metrics.TickResultSkipped, 0)
		s.logger.Warn("前回のダイジェストティックが処理中のためスキップします")
		return TickResult{}, model.ErrTickInProgress
	}
	defer s.running.Store(false)

	start := time.Now()

	settings, err := s.settings.Resolve(ctx)
	if err != nil {
		// site_settingsが読めない場合も既定値で継続する
		s.logger.Warn("site_settingsの読み取りに失敗したため既定値を使用します",
			slog.String("error", err.Error()),
		)
	}
	if !settings.Enabled {
		s.state.Store(int32(StateDisabled))
		s.metrics.RecordTick(metrics.TickResultDisabled, 0)
		return TickResult{}, model.ErrDigestDisabled
	}

	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateIdle))

	result, err := s.process(ctx, settings)
	if err != nil {
		s.metrics.RecordTick(metrics.TickResultFailed, time.Since(start))
		return result, err
	}

	duration := time.Since(start)
	s.metrics.RecordTick(metrics.TickResultRan, duration)
	if result.Eligible > 0 {
		s.logger.Info("ダイジェストティックが完了しました",
			slog.Int("eligible", result.Eligible),
			slog.Int("delivered", result.Delivered),
			slog.Int("skipped", result.Skipped),
			slog.Int("failed", result.Failed),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}
	return result, nil
}

func (s *Scheduler) process(ctx context.Context, settings model.Settings) (TickResult, error) {
	now := s.now()

	candidates, err := s.users.ListDigestCandidates(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to list digest candidates: %w", err)
	}

	ids := digest.SelectEligible(candidates, now, settings.IntervalHours, s.opts.MustApproveUsers)
	s.metrics.RecordEligibleUsers(len(ids))
	if len(ids) == 0 {
		s.logger.Debug("ダイジェスト配信対象のユーザーはいません")
		return TickResult{}, nil
	}

	byID := make(map[int64]*model.User, len(candidates))
	for i := range candidates {
		byID[candidates[i].ID] = &candidates[i]
	}

	s.logger.Info("ダイジェストティックを開始します",
		slog.Int("eligible", len(ids)),
		slog.Int("interval_hours", settings.IntervalHours),
	)

	var delivered, skipped, failed atomic.Int64

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.opts.MaxConcurrency)
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(u *model.User) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			switch s.processUser(ctx, u, now, settings.Formats) {
			case outcomeDelivered:
				delivered.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
		}(byID[id])
	}

	wg.Wait()

	return TickResult{
		Eligible:  len(ids),
		Delivered: int(delivered.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeSkipped
	outcomeFailed
)

// processUser は1ユーザー分の組み立てと配信を行う。エラーはここで記録して握りつぶす。
func (s *Scheduler) processUser(ctx context.Context, u *model.User, now time.Time, formats []model.DigestFormat) outcome {
	since := digest.ResolveSince(u, now)

	payload, err := s.composer.ComposeFormats(ctx, u, since, formats)
	if err != nil {
		s.metrics.RecordUserError("compose")
		s.logger.Error("ダイジェストの組み立てに失敗しました",
			slog.Int64("user_id", u.ID),
			slog.String("error", err.Error()),
		)
		return outcomeFailed
	}
	s.metrics.RecordDigestComposed(payload.HasContent())

	if s.opts.SkipEmpty && !payload.HasContent() {
		s.metrics.RecordDigestSkipped()
		s.logger.Debug("内容がないためダイジェストの送信を省略します",
			slog.Int64("user_id", u.ID),
		)
		return outcomeSkipped
	}

	if err := s.dispatcher.Dispatch(ctx, payload, formats); err != nil {
		s.metrics.RecordUserError("dispatch")
		s.logger.Error("ダイジェストの配信に失敗しました。次回のティックで再送します",
			slog.Int64("user_id", u.ID),
			slog.String("error", err.Error()),
		)
		return outcomeFailed
	}
	return outcomeDelivered
}
