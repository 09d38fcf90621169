// Package git reads the last commit of a working copy, either through the git
// command line or natively through go-git.
package git

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-git/go-git/v5"

	"github.com/relicta-tech/buildline/internal/domain/build"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
	"github.com/relicta-tech/buildline/internal/observability"
)

const (
	// DefaultBinary is the git executable looked up on PATH.
	DefaultBinary = "git"
	// DefaultTimeout bounds a single git invocation.
	DefaultTimeout = 30 * time.Second
)

// CommandReader runs `git rev-parse --short HEAD` in the working copy.
type CommandReader struct {
	binary  string
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// CommandOption configures a CommandReader.
type CommandOption func(*CommandReader)

// WithBinary sets the git executable.
func WithBinary(binary string) CommandOption {
	return func(r *CommandReader) {
		if binary != "" {
			r.binary = binary
		}
	}
}

// WithTimeout bounds each invocation. Zero disables the bound.
func WithTimeout(d time.Duration) CommandOption {
	return func(r *CommandReader) {
		r.timeout = d
	}
}

// WithMetrics records git command counters on m.
func WithMetrics(m *observability.Metrics) CommandOption {
	return func(r *CommandReader) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CommandOption {
	return func(r *CommandReader) {
		r.logger = logger
	}
}

// NewCommandReader creates a CommandReader.
func NewCommandReader(opts ...CommandOption) *CommandReader {
	r := &CommandReader{
		binary:  DefaultBinary,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("service", "git"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LastCommit returns the abbreviated hash of HEAD in dir.
func (r *CommandReader) LastCommit(ctx context.Context, dir string) (string, error) {
	out, err := r.Run(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Run executes git with args in dir and returns its standard output. A
// missing directory or a non-zero exit is an error carrying standard error.
func (r *CommandReader) Run(ctx context.Context, dir string, args ...string) (string, error) {
	const op = "git.Run"

	ctx, span := observability.StartSpan(ctx, op, observability.AttrCommandName, strings.Join(args, " "))
	defer span.End()

	stdout, stderr, err := r.run(ctx, dir, args...)
	if r.metrics != nil {
		r.metrics.RecordGitCommand(err == nil)
	}
	if err != nil {
		span.RecordError(err)
		r.logger.Error("git command failed",
			"dir", dir,
			"args", args,
			"stderr", strings.TrimSpace(stderr),
			"error", err)
		return "", apperrors.GitWrap(err, op, fmt.Sprintf("git %s failed in %s: %s",
			strings.Join(args, " "), dir, strings.TrimSpace(stderr)))
	}
	return stdout, nil
}

func (r *CommandReader) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", "", err
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("%s is not a directory", dir)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.binary, args...) // #nosec G204 -- binary comes from configuration
	cmd.Dir = dir
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", err
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", err
	}
	if err := cmd.Start(); err != nil {
		return "", "", err
	}

	// Both pipes are drained before Wait so a full pipe cannot block the child.
	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&stdout, outPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, errPipe)
		return err
	})
	drainErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		return stdout.String(), stderr.String(), err
	}
	if drainErr != nil {
		return stdout.String(), stderr.String(), drainErr
	}
	return stdout.String(), stderr.String(), nil
}

// NativeReader opens the working copy with go-git. The enclosing repository
// is found when dir is a subdirectory.
type NativeReader struct{}

// NewNativeReader creates a NativeReader.
func NewNativeReader() *NativeReader {
	return &NativeReader{}
}

// LastCommit returns the first seven characters of the HEAD hash in dir.
func (NativeReader) LastCommit(_ context.Context, dir string) (string, error) {
	const op = "git.NativeReader.LastCommit"

	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", apperrors.GitWrap(err, op, "failed to open repository at "+dir)
	}
	head, err := repo.Head()
	if err != nil {
		return "", apperrors.GitWrap(err, op, "failed to get HEAD")
	}
	return build.ShortHash(head.Hash().String()), nil
}

// Reader reads the last commit of a working copy.
type Reader interface {
	LastCommit(ctx context.Context, dir string) (string, error)
}

// FallbackReader tries primary and, when it fails, secondary.
type FallbackReader struct {
	primary   Reader
	secondary Reader
	logger    *slog.Logger
}

// NewFallbackReader creates a FallbackReader.
func NewFallbackReader(primary, secondary Reader, logger *slog.Logger) *FallbackReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackReader{primary: primary, secondary: secondary, logger: logger}
}

// LastCommit implements Reader.
func (f *FallbackReader) LastCommit(ctx context.Context, dir string) (string, error) {
	commit, err := f.primary.LastCommit(ctx, dir)
	if err == nil {
		return commit, nil
	}
	f.logger.Debug("native read failed, falling back to git command",
		"dir", dir,
		"error", err)
	return f.secondary.LastCommit(ctx, dir)
}

// NewReader returns the reader selected by configuration: go-git with an
// optional fallback to the command line.
func NewReader(useCLIFallback bool, opts ...CommandOption) Reader {
	native := NewNativeReader()
	if !useCLIFallback {
		return native
	}
	cli := NewCommandReader(opts...)
	return NewFallbackReader(native, cli, cli.logger)
}
