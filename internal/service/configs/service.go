// Package configs maintains the deploy configuration registry: the
// persistent (repository, branch) -> deploy settings mapping plus an
// in-memory cache consulted on every webhook delivery.
package configs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/repository"
)

// ErrNotConfigured marks a (repository, branch) pair with no deploy config.
var ErrNotConfigured = errors.New("configs: repository/branch not configured")

// Registry serves deploy configurations. Reads hit an in-memory cache that
// is kept coherent by routing every write through the registry.
type Registry struct {
	repo   repository.ConfigRepository
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*domain.DeployConfig
}

// NewRegistry constructs an empty registry. Call Load to warm the cache.
func NewRegistry(repo repository.ConfigRepository, logger *slog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		logger: logger,
		cache:  make(map[string]*domain.DeployConfig),
	}
}

// Load replaces the cache with the full stored config set.
func (r *Registry) Load(ctx context.Context) error {
	configs, err := r.repo.ListConfigs(ctx, "")
	if err != nil {
		return fmt.Errorf("load deploy configs: %w", err)
	}
	fresh := make(map[string]*domain.DeployConfig, len(configs))
	for i := range configs {
		cfg := configs[i]
		fresh[cfg.Key()] = &cfg
	}
	r.mu.Lock()
	r.cache = fresh
	r.mu.Unlock()
	r.logger.Info("deploy config cache loaded", "count", len(fresh))
	return nil
}

// Resolve returns the config for a (repository, branch) pair, or
// ErrNotConfigured. The returned config is a copy.
func (r *Registry) Resolve(ctx context.Context, repoFullName, branch string) (*domain.DeployConfig, error) {
	key := domain.ConfigKey(repoFullName, branch)

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return copyConfig(cached), nil
	}

	cfg, err := r.repo.GetConfig(ctx, repoFullName, branch)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cfg
	r.mu.Unlock()
	return copyConfig(cfg), nil
}

// Upsert validates and stores a config, then refreshes the cache entry.
func (r *Registry) Upsert(ctx context.Context, cfg *domain.DeployConfig) error {
	cfg.RepoFullName = strings.TrimSpace(cfg.RepoFullName)
	cfg.Branch = strings.TrimSpace(cfg.Branch)
	cfg.Command = strings.TrimSpace(cfg.Command)

	if cfg.RepoFullName == "" || !strings.Contains(cfg.RepoFullName, "/") {
		return errors.New("repository must be in owner/name form")
	}
	if cfg.Branch == "" {
		return errors.New("branch is required")
	}
	if cfg.Command == "" {
		return errors.New("deploy command is required")
	}
	for key := range cfg.EnvVars {
		if strings.TrimSpace(key) == "" {
			return errors.New("environment variable names must be non-empty")
		}
	}

	cfg.UpdatedAt = time.Now().UTC()
	if err := r.repo.UpsertConfig(ctx, cfg); err != nil {
		return err
	}

	r.mu.Lock()
	r.cache[cfg.Key()] = copyConfig(cfg)
	r.mu.Unlock()

	r.logger.Info("deploy config stored",
		"repo", cfg.RepoFullName,
		"branch", cfg.Branch,
		"auto_deploy", cfg.AutoDeploy)
	return nil
}

// List returns stored configs, optionally filtered to one repository.
func (r *Registry) List(ctx context.Context, repoFullName string) ([]domain.DeployConfig, error) {
	return r.repo.ListConfigs(ctx, repoFullName)
}

// Get returns the stored config for a pair, bypassing no validation.
func (r *Registry) Get(ctx context.Context, repoFullName, branch string) (*domain.DeployConfig, error) {
	cfg, err := r.Resolve(ctx, repoFullName, branch)
	if errors.Is(err, ErrNotConfigured) {
		return nil, repository.ErrNotFound
	}
	return cfg, err
}

// Delete removes a config from storage and the cache.
func (r *Registry) Delete(ctx context.Context, repoFullName, branch string) error {
	if err := r.repo.DeleteConfig(ctx, repoFullName, branch); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, domain.ConfigKey(repoFullName, branch))
	r.mu.Unlock()
	return nil
}

func copyConfig(cfg *domain.DeployConfig) *domain.DeployConfig {
	out := *cfg
	if cfg.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(cfg.EnvVars))
		for k, v := range cfg.EnvVars {
			out.EnvVars[k] = v
		}
	}
	return &out
}
