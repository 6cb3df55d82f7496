package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/pkg/logger"
)

func TestReloadSwapsSnapshotAndNotifies(t *testing.T) {
	version := 0
	var failNext bool
	load := func(path string) (*config.Config, error) {
		if failNext {
			return nil, errors.New("bad yaml")
		}
		version++
		return &config.Config{Chat: config.ChatConfig{MessageWordcount: version}}, nil
	}

	p, err := NewProvider("config.yaml", load, logger.Discard())
	require.NoError(t, err)
	first := p.Current()
	assert.Equal(t, 1, first.Chat.MessageWordcount)

	var notified []int
	p.RegisterConfigChangeListener(func(c *config.Config) {
		notified = append(notified, c.Chat.MessageWordcount)
	})

	next, err := p.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, next.Chat.MessageWordcount)
	assert.Same(t, next, p.Current())
	assert.Equal(t, 1, first.Chat.MessageWordcount, "old snapshots are untouched")

	failNext = true
	_, err = p.Reload()
	assert.Error(t, err)
	assert.Same(t, next, p.Current(), "failed reload keeps the previous snapshot")

	assert.Equal(t, []int{2}, notified)
}

func TestNewProviderPropagatesLoadError(t *testing.T) {
	_, err := NewProvider("config.yaml", func(string) (*config.Config, error) {
		return nil, errors.New("missing")
	}, logger.Discard())
	assert.Error(t, err)
}

func TestStaticProviderRevalidates(t *testing.T) {
	cfg := &config.Config{}
	p := NewStaticProvider(cfg, logger.Discard())
	assert.Same(t, cfg, p.Current())

	_, err := p.Reload()
	assert.Error(t, err, "an empty config does not validate")
	assert.Same(t, cfg, p.Current())
}
