package domain

import "time"

// DeployConfig describes how a repository/branch pair is deployed. Unique
// per (RepoFullName, Branch).
type DeployConfig struct {
	RepoFullName string
	Branch       string
	AutoDeploy   bool
	Command      string
	EnvVars      map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the serialization key for the config.
func (c DeployConfig) Key() string {
	return ConfigKey(c.RepoFullName, c.Branch)
}

// ConfigKey builds the (repo, branch) lookup key.
func ConfigKey(repoFullName, branch string) string {
	return repoFullName + "@" + branch
}
