package i18n

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/twitch-gpt-bot-go/internal/config"
	"golang.org/x/text/language"
)

// Message IDs
const (
	MsgStoryContinued    = "story_continued"
	MsgStoryNotActive    = "story_not_active"
	MsgFeatureDisabled   = "feature_disabled"
	MsgReloadOK          = "reload_ok"
	MsgReloadFailed      = "reload_failed"
	MsgNotModerator      = "not_moderator"
	MsgRateLimitExceeded = "rate_limit_exceeded"
)

// defaultMessages ship with the binary so the bot speaks English without
// any language files.
var defaultMessages = []*i18n.Message{
	{ID: MsgStoryContinued, Other: "--ToBeCoNtInUeD--"},
	{ID: MsgStoryNotActive, Other: "No story is running right now, start one with !startstory."},
	{ID: MsgFeatureDisabled, Other: "The {{.Feature}} feature is turned off."},
	{ID: MsgReloadOK, Other: "Configuration reloaded."},
	{ID: MsgReloadFailed, Other: "Configuration reload failed, keeping the previous settings."},
	{ID: MsgNotModerator, Other: "Only moderators can do that, {{.User}}."},
	{ID: MsgRateLimitExceeded, Other: "Slow down {{.User}}, try again in a minute."},
}

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer. Languages other than English are
// read from <directory>/<lang>.json; a missing English file is not an error.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
	if err := bundle.AddMessages(language.English, defaultMessages...); err != nil {
		return nil, fmt.Errorf("failed to add default messages: %w", err)
	}

	defaultLanguage := cfg.DefaultLanguage
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{defaultLanguage}
	}

	// Load language files
	for _, lang := range languages {
		if cfg.Directory == "" {
			continue
		}
		path := filepath.Join(cfg.Directory, fmt.Sprintf("%s.json", lang))
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) && lang == "en" {
				continue
			}
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
		if _, err := bundle.LoadMessageFile(path); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang, defaultLanguage)
	}
	if _, ok := localizers[defaultLanguage]; !ok {
		localizers[defaultLanguage] = i18n.NewLocalizer(bundle, defaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: defaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil && msg == "" {
		return messageID // Fallback to message ID
	}

	return msg
}

// Default localizes messageID in the default language.
func (l *Localizer) Default(messageID string, data map[string]interface{}) string {
	return l.Get(l.defaultLanguage, messageID, data)
}
