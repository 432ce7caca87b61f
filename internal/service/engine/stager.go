package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/git"
	"github.com/sferro/deployd/internal/workspace"
)

// Stager prepares the working tree a deploy command runs in. Stage returns
// the directory even on failure so the caller can clean it up.
type Stager interface {
	Stage(ctx context.Context, deployment *domain.Deployment, cfg *domain.DeployConfig, emit func(line string)) (string, error)
	Cleanup(dir string)
}

// GitStager checks the repository out at the deployment's commit under an
// isolated workspace directory and writes the .env artifact the deploy
// command reads.
type GitStager struct {
	workspaces *workspace.Manager
	baseURL    string
	logger     *slog.Logger
}

// NewGitStager builds the production stager. baseURL is the git host the
// repository full name is appended to.
func NewGitStager(workspaces *workspace.Manager, baseURL string, logger *slog.Logger) *GitStager {
	return &GitStager{workspaces: workspaces, baseURL: baseURL, logger: logger}
}

func (s *GitStager) Stage(ctx context.Context, deployment *domain.Deployment, cfg *domain.DeployConfig, emit func(string)) (string, error) {
	dir, err := s.workspaces.Prepare(deployment.ID)
	if err != nil {
		return "", fmt.Errorf("prepare workspace: %w", err)
	}

	repoURL := fmt.Sprintf("%s/%s.git", s.baseURL, deployment.RepoFullName)
	emit(fmt.Sprintf("cloning %s", deployment.RepoFullName))
	if err := git.Clone(ctx, repoURL, dir); err != nil {
		return dir, err
	}
	emit(fmt.Sprintf("checking out %s", deployment.CommitSHA))
	if err := git.Checkout(ctx, dir, deployment.CommitSHA); err != nil {
		return dir, err
	}
	if err := s.workspaces.WriteEnvFile(dir, cfg.EnvVars); err != nil {
		return dir, err
	}
	return dir, nil
}

func (s *GitStager) Cleanup(dir string) {
	if err := s.workspaces.Cleanup(dir); err != nil {
		s.logger.Warn("workspace cleanup failed", "dir", dir, "error", err)
	}
}
