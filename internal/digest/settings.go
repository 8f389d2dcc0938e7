package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// site_settingsの設定名
const (
	SettingEnabled  = "webhook_digest_enabled"
	SettingInterval = "webhook_digest_interval"
	SettingTypes    = "webhook_digest_types"
)

// SettingsSource はsite_settingsの値を提供する。
type SettingsSource interface {
	FindValues(ctx context.Context, names []string) (map[string]string, error)
}

// SettingsResolver はsite_settingsの値を環境変数の既定値に上書きしてティックごとの設定を決める。
type SettingsResolver struct {
	source   SettingsSource
	defaults model.Settings
	logger   *slog.Logger
}

// NewSettingsResolver はSettingsResolverを生成する。sourceがnilの場合は常に既定値を返す。
func NewSettingsResolver(source SettingsSource, defaults model.Settings, logger *slog.Logger) *SettingsResolver {
	return &SettingsResolver{source: source, defaults: defaults, logger: logger}
}

// Resolve は現在の設定を返す。
// site_settingsの読み取りに失敗した場合は既定値とエラーを返す。
// 不正な値は警告を出して無視する。
func (r *SettingsResolver) Resolve(ctx context.Context) (model.Settings, error) {
	s := r.defaults
	if r.source == nil {
		return s, nil
	}

	values, err := r.source.FindValues(ctx, []string{SettingEnabled, SettingInterval, SettingTypes})
	if err != nil {
		return s, fmt.Errorf("failed to read site settings: %w", err)
	}

	if v, ok := values[SettingEnabled]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Enabled = b
		} else {
			r.invalid(SettingEnabled, v)
		}
	}

	if v, ok := values[SettingInterval]; ok {
		if h, err := strconv.Atoi(v); err == nil && model.IsValidIntervalHours(h) {
			s.IntervalHours = h
		} else {
			r.invalid(SettingInterval, v)
		}
	}

	if v, ok := values[SettingTypes]; ok {
		if formats, err := model.ParseDigestFormats(v); err == nil {
			s.Formats = formats
		} else {
			r.invalid(SettingTypes, v)
		}
	}

	return s, nil
}

func (r *SettingsResolver) invalid(name, value string) {
	r.logger.Warn("site_settingsの値が不正なため無視します",
		slog.String("name", name),
		slog.String("value", value),
	)
}
