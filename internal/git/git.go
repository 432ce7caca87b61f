package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Clone clones the repository into the provided destination directory.
func Clone(ctx context.Context, repoURL, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	cmd := exec.CommandContext(ctx, "git", "clone", repoURL, ".")
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, string(output))
	}
	return nil
}

// Checkout switches the working tree to the given commit or ref.
func Checkout(ctx context.Context, dir, ref string) error {
	if dir == "" {
		return fmt.Errorf("directory cannot be empty")
	}
	if ref == "" {
		return fmt.Errorf("ref cannot be empty")
	}
	cmd := exec.CommandContext(ctx, "git", "checkout", "--detach", ref)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git checkout %s failed: %w: %s", ref, err, string(output))
	}
	return nil
}
