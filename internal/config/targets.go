package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// targetsFile はWEBHOOK_TARGETS_FILEのYAML構造。
//
//	targets:
//	  - url: https://hooks.example.com/digest
//	    formats: [json]
//	    secret: s3cr3t
type targetsFile struct {
	Targets []model.WebhookTarget `yaml:"targets"`
}

// WebhookTargets は設定された送信先一覧を返す。
// WEBHOOK_URLが設定されていれば先頭に追加し、WEBHOOK_TARGETS_FILEの内容を続ける。
// ファイル内でsecretが省略されたターゲットにはWEBHOOK_SECRETを適用する。
func (c *Config) WebhookTargets() ([]model.WebhookTarget, error) {
	var targets []model.WebhookTarget

	if c.WebhookURL != "" {
		targets = append(targets, model.WebhookTarget{
			URL:    c.WebhookURL,
			Secret: c.WebhookSecret,
		})
	}

	if c.WebhookTargetsFile != "" {
		fromFile, err := LoadWebhookTargetsFile(c.WebhookTargetsFile)
		if err != nil {
			return nil, err
		}
		for _, t := range fromFile {
			if t.Secret == "" {
				t.Secret = c.WebhookSecret
			}
			targets = append(targets, t)
		}
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("no webhook targets configured")
	}
	return targets, nil
}

// LoadWebhookTargetsFile はYAMLファイルから送信先一覧を読み込む。
func LoadWebhookTargetsFile(path string) ([]model.WebhookTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook targets file: %w", err)
	}
	return ParseWebhookTargets(data)
}

// ParseWebhookTargets はYAMLバイト列から送信先一覧をパースし、検証する。
func ParseWebhookTargets(data []byte) ([]model.WebhookTarget, error) {
	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse webhook targets file: %w", err)
	}

	for i, t := range f.Targets {
		if t.URL == "" {
			return nil, fmt.Errorf("webhook target #%d has no url", i)
		}
		for _, format := range t.Formats {
			if format != model.DigestFormatJSON && format != model.DigestFormatHTML {
				return nil, fmt.Errorf("webhook target %s has unknown format %q", t.URL, format)
			}
		}
	}
	return f.Targets, nil
}
