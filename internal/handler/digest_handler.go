package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/webhook-digest/internal/digest"
	"github.com/hitoshi/webhook-digest/internal/middleware"
	"github.com/hitoshi/webhook-digest/internal/model"
	"github.com/hitoshi/webhook-digest/internal/webhook"
	workerdigest "github.com/hitoshi/webhook-digest/internal/worker/digest"
)

// UserFinder はユーザーをIDで取得する。見つからない場合はnilを返す。
type UserFinder interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
}

// DigestPreviewer はダイジェストを組み立ててレンダリングする。
type DigestPreviewer interface {
	ComposeFormats(ctx context.Context, user *model.User, since time.Time, formats []model.DigestFormat) (*model.DigestPayload, error)
}

// TickRunner はスケジューラのティックを1回実行する。
type TickRunner interface {
	RunOnce(ctx context.Context) (workerdigest.TickResult, error)
}

// DigestHandler はダイジェスト管理APIのHTTPハンドラー。
type DigestHandler struct {
	users    UserFinder
	composer DigestPreviewer
	runner   TickRunner
	logger   *slog.Logger
	now      func() time.Time
}

// NewDigestHandler はDigestHandlerを生成する。
func NewDigestHandler(users UserFinder, composer DigestPreviewer, runner TickRunner, logger *slog.Logger) *DigestHandler {
	return &DigestHandler{
		users:    users,
		composer: composer,
		runner:   runner,
		logger:   logger,
		now:      time.Now,
	}
}

// Preview は指定ユーザーのダイジェストを配信せずに組み立て、Webhookと同じ本文を返す。
// クエリ types で形式（既定はjson）、since（RFC3339）で集計開始日時を指定できる。
// GET /api/digests/{userID}/preview
func (h *DigestHandler) Preview(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "userID")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidUserIDError(raw))
		return
	}

	formats := []model.DigestFormat{model.DigestFormatJSON}
	if v := r.URL.Query().Get("types"); v != "" {
		parsed, err := model.ParseDigestFormats(v)
		if err != nil || len(parsed) == 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_TYPES",
				Message:  "無効なダイジェスト形式です: " + v,
				Category: "validation",
				Action:   "json、html、またはその組み合わせをカンマ区切りで指定してください。",
			})
			return
		}
		formats = parsed
	}

	user, err := h.users.FindByID(r.Context(), userID)
	if err != nil {
		h.logger.Error("ユーザーの取得に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if user == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError(userID))
		return
	}

	since := digest.ResolveSince(user, h.now())
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_SINCE",
				Message:  "無効な日時です: " + v,
				Category: "validation",
				Action:   "RFC3339形式（例: 2026-01-02T15:04:05Z）で指定してください。",
			})
			return
		}
		since = parsed
	}

	payload, err := h.composer.ComposeFormats(r.Context(), user, since, formats)
	if err != nil {
		h.logger.Error("ダイジェストのプレビューに失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	body, _, err := webhook.BuildEnvelope(payload, model.WebhookTarget{}, formats)
	if err != nil {
		h.logger.Error("プレビュー本文の組み立てに失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		h.logWriteError(r, err)
	}
}

// Run はスケジューラのティックを即時に1回実行する。
// 無効時は204、処理中のティックがある場合は409を返す。
// POST /api/digests/run
func (h *DigestHandler) Run(w http.ResponseWriter, r *http.Request) {
	result, err := h.runner.RunOnce(r.Context())
	switch {
	case errors.Is(err, model.ErrDigestDisabled):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, model.ErrTickInProgress):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewTickInProgressError())
		return
	case err != nil:
		h.logger.Error("手動ティックの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logWriteError(r, err)
	}
}

// logWriteError はレスポンス本文の書き込み失敗（クライアント切断など）を記録する。
// ステータスは送信済みのため、ログのみ残す。
func (h *DigestHandler) logWriteError(r *http.Request, err error) {
	h.logger.Warn("レスポンスの書き込みに失敗しました",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}
