package config

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
)

// Loader builds a validated configuration snapshot from a file path.
type Loader func(path string) (*config.Config, error)

// Provider hands out immutable configuration snapshots. A reload builds a new
// snapshot and swaps it in; snapshots already handed out are never mutated.
type Provider struct {
	path      string
	load      Loader
	logger    *logrus.Logger
	mu        sync.RWMutex
	current   *config.Config
	listeners []func(*config.Config)
}

// NewProvider loads the initial snapshot from path.
func NewProvider(path string, load Loader, logger *logrus.Logger) (*Provider, error) {
	if load == nil {
		load = config.LoadConfig
	}
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	return &Provider{
		path:    path,
		load:    load,
		logger:  logger,
		current: cfg,
	}, nil
}

// NewStaticProvider wraps an already loaded snapshot. Reload re-validates it
// and returns the same snapshot.
func NewStaticProvider(cfg *config.Config, logger *logrus.Logger) *Provider {
	return &Provider{
		load: func(string) (*config.Config, error) {
			if err := config.Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		},
		logger:  logger,
		current: cfg,
	}
}

// Current returns the active snapshot.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Reload re-reads the configuration source. On failure the previous snapshot
// stays active.
func (p *Provider) Reload() (*config.Config, error) {
	cfg, err := p.load(p.path)
	if err != nil {
		p.logger.WithError(err).WithField("path", p.path).Error("Config reload failed, keeping previous snapshot")
		return nil, fmt.Errorf("reload config: %w", err)
	}

	p.mu.Lock()
	p.current = cfg
	listeners := make([]func(*config.Config), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, listener := range listeners {
		listener(cfg)
	}

	p.logger.WithField("path", p.path).Info("Configuration reloaded")
	return cfg, nil
}

// RegisterConfigChangeListener registers fn to run after every successful reload.
func (p *Provider) RegisterConfigChangeListener(fn func(*config.Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}
