package git

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	apperrors "github.com/relicta-tech/buildline/internal/errors"
	"github.com/relicta-tech/buildline/internal/observability"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRepo creates a repository with one commit and returns its directory
// and the full HEAD hash.
func newTestRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init test repo: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "services", "api"), 0o755); err != nil { // #nosec G301 -- test directory
		t.Fatalf("failed to create subdirectory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "services", "api", "main.txt"), []byte("v1"), 0o644); err != nil { // #nosec G306 -- test file
		t.Fatalf("failed to write test file: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if _, err := worktree.Add("services/api/main.txt"); err != nil {
		t.Fatalf("failed to stage file: %v", err)
	}
	hash, err := worktree.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test Author", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return dir, hash.String()
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestNativeReader_LastCommit(t *testing.T) {
	dir, hash := newTestRepo(t)

	tests := []struct {
		name string
		dir  string
	}{
		{"repository root", dir},
		{"subdirectory", filepath.Join(dir, "services", "api")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewNativeReader().LastCommit(context.Background(), tt.dir)
			if err != nil {
				t.Fatalf("LastCommit() error = %v", err)
			}
			if got != hash[:7] {
				t.Errorf("LastCommit() = %q, want %q", got, hash[:7])
			}
		})
	}
}

func TestNativeReader_NotARepository(t *testing.T) {
	_, err := NewNativeReader().LastCommit(context.Background(), t.TempDir())
	if !apperrors.IsKind(err, apperrors.KindGit) {
		t.Fatalf("expected git error, got %v", err)
	}
}

func TestCommandReader_LastCommit(t *testing.T) {
	requireBinary(t, "git")
	dir, hash := newTestRepo(t)
	metrics := observability.NewMetrics("test")

	got, err := NewCommandReader(WithMetrics(metrics), WithLogger(quietLogger())).
		LastCommit(context.Background(), dir)
	if err != nil {
		t.Fatalf("LastCommit() error = %v", err)
	}
	if !strings.HasPrefix(hash, got) || len(got) < 7 {
		t.Errorf("LastCommit() = %q, want a prefix of %q", got, hash)
	}
	if snap := metrics.Snapshot(); snap.GitCommands != 1 || snap.GitErrors != 0 {
		t.Errorf("metrics = %d commands, %d errors", snap.GitCommands, snap.GitErrors)
	}
}

func TestCommandReader_MissingDirectory(t *testing.T) {
	metrics := observability.NewMetrics("test")
	r := NewCommandReader(WithMetrics(metrics), WithLogger(quietLogger()))

	_, err := r.LastCommit(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if !apperrors.IsKind(err, apperrors.KindGit) {
		t.Fatalf("expected git error, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped not-exist error, got %v", err)
	}
	if metrics.Snapshot().GitErrors != 1 {
		t.Errorf("expected one git error recorded")
	}
}

func TestCommandReader_NonZeroExit(t *testing.T) {
	requireBinary(t, "git")

	_, err := NewCommandReader(WithLogger(quietLogger())).LastCommit(context.Background(), t.TempDir())
	if !apperrors.IsKind(err, apperrors.KindGit) {
		t.Fatalf("expected git error, got %v", err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Errorf("expected exit error, got %T", errors.Unwrap(err))
	}
}

func TestCommandReader_DrainsLargeStderr(t *testing.T) {
	requireBinary(t, "sh")

	r := NewCommandReader(WithBinary("sh"), WithLogger(quietLogger()))
	out, err := r.Run(context.Background(), t.TempDir(), "-c",
		"i=0; while [ $i -lt 4000 ]; do echo 'warning: padding padding padding padding' >&2; i=$((i+1)); done; echo done")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(out) != "done" {
		t.Errorf("Run() = %q, want %q", out, "done")
	}
}

func TestCommandReader_Timeout(t *testing.T) {
	requireBinary(t, "sh")

	r := NewCommandReader(WithBinary("sh"), WithTimeout(50*time.Millisecond), WithLogger(quietLogger()))
	_, err := r.Run(context.Background(), t.TempDir(), "-c", "sleep 5")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

type stubReader struct {
	commit string
	err    error
	calls  int
}

func (s *stubReader) LastCommit(context.Context, string) (string, error) {
	s.calls++
	return s.commit, s.err
}

func TestFallbackReader(t *testing.T) {
	t.Run("primary succeeds", func(t *testing.T) {
		primary := &stubReader{commit: "aaaaaaa"}
		secondary := &stubReader{commit: "bbbbbbb"}
		got, err := NewFallbackReader(primary, secondary, quietLogger()).LastCommit(context.Background(), "/ws")
		if err != nil || got != "aaaaaaa" {
			t.Fatalf("LastCommit() = %q, %v", got, err)
		}
		if secondary.calls != 0 {
			t.Error("secondary must not be called")
		}
	})

	t.Run("falls back", func(t *testing.T) {
		primary := &stubReader{err: errors.New("bare checkout")}
		secondary := &stubReader{commit: "bbbbbbb"}
		got, err := NewFallbackReader(primary, secondary, quietLogger()).LastCommit(context.Background(), "/ws")
		if err != nil || got != "bbbbbbb" {
			t.Fatalf("LastCommit() = %q, %v", got, err)
		}
	})
}

func TestNewReader(t *testing.T) {
	if _, ok := NewReader(false).(*NativeReader); !ok {
		t.Error("expected native reader without fallback")
	}
	if _, ok := NewReader(true, WithLogger(quietLogger())).(*FallbackReader); !ok {
		t.Error("expected fallback reader")
	}
}
