// Package sandbox acquires and releases the transient material a scan runs
// against: a shallow working copy of a repository, or a validated target URL.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AcquisitionError means the working copy could not be obtained: bad
// credential, unreachable remote, or clone timeout. Always fatal to the scan.
type AcquisitionError struct {
	Reason string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox acquisition: %s: %v", e.Reason, e.Err)
	}
	return "sandbox acquisition: " + e.Reason
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Sandbox is an exclusively-owned scratch checkout. Release must be called
// exactly once on every exit path of the analysis phase.
type Sandbox struct {
	Dir      string
	released bool
}

type Manager struct {
	ScratchDir   string
	CloneTimeout time.Duration
}

func NewManager(scratchDir string, cloneTimeout time.Duration) *Manager {
	return &Manager{ScratchDir: scratchDir, CloneTimeout: cloneTimeout}
}

// Acquire performs a shallow depth-1 clone of repoURL into a fresh scratch
// directory. The access token is embedded in the transport URL and never
// written anywhere else. Non-zero exit, timeout, or an empty destination all
// surface as AcquisitionError.
func (m *Manager) Acquire(ctx context.Context, repoURL, token string) (*Sandbox, error) {
	dir := filepath.Join(m.ScratchDir, "scan-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &AcquisitionError{Reason: "create scratch dir", Err: err}
	}

	cloneURL, err := injectToken(repoURL, token)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &AcquisitionError{Reason: "bad repository url", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.CloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", cloneURL, dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.RemoveAll(dir)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &AcquisitionError{Reason: "clone timed out", Err: ctx.Err()}
		}
		return nil, &AcquisitionError{Reason: "clone failed: " + scrubToken(string(out), token), Err: err}
	}

	// A clone that exits 0 but produces nothing is still a failure.
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		_ = os.RemoveAll(dir)
		return nil, &AcquisitionError{Reason: "clone produced empty directory"}
	}

	return &Sandbox{Dir: dir}, nil
}

// Release recursively deletes the working copy. Safe to call more than once;
// only the first call does work.
func (s *Sandbox) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	if err := os.RemoveAll(s.Dir); err != nil {
		log.Printf("sandbox: release %s failed: %v", s.Dir, err)
	}
}

func injectToken(repoURL, token string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if token != "" {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String(), nil
}

func scrubToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
