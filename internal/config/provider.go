package config

import (
	"log/slog"
	"sync"
)

// Provider holds the current configuration and lets the service reload it
// without a restart. Consumers take a Snapshot at the start of each unit of
// work and never re-read mid-way.
type Provider struct {
	mu              sync.RWMutex
	boot            Config
	current         Config
	load            func() (Config, error)
	restartRequired bool
	logger          *slog.Logger
}

// NewProvider wraps cfg. load is called by Reload; when nil, Load is used.
func NewProvider(cfg Config, load func() (Config, error)) *Provider {
	if load == nil {
		load = Load
	}
	return &Provider{
		boot:    cfg.clone(),
		current: cfg.clone(),
		load:    load,
		logger:  slog.Default(),
	}
}

// Snapshot returns a copy of the current configuration.
func (p *Provider) Snapshot() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.clone()
}

// Reload re-reads configuration. Settings that are fixed for the process
// lifetime (worker count, queue size, port, data dir) do not take effect;
// changing them marks the provider as requiring a restart.
func (p *Provider) Reload() (Config, error) {
	cfg, err := p.load()
	if err != nil {
		return Config{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = cfg.clone()
	p.restartRequired = needsRestart(p.boot, cfg)
	if p.restartRequired {
		p.logger.Warn("config change requires restart",
			"max_workers", cfg.Pipeline.MaxWorkers,
			"queue_size", cfg.Pipeline.QueueSize,
			"port", cfg.Server.Port,
		)
	}
	return p.current.clone(), nil
}

// Set persists a single key and reloads.
func (p *Provider) Set(key, value string) (Config, error) {
	if err := SetKey(key, value); err != nil {
		return Config{}, err
	}
	return p.Reload()
}

// RestartRequired reports whether a reloaded setting only applies after restart.
func (p *Provider) RestartRequired() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.restartRequired
}

func needsRestart(boot, next Config) bool {
	return boot.Pipeline.MaxWorkers != next.Pipeline.MaxWorkers ||
		boot.Pipeline.QueueSize != next.Pipeline.QueueSize ||
		boot.Server.Port != next.Server.Port ||
		boot.Storage.DataDir != next.Storage.DataDir
}
