package handlers

import (
	"context"
	"log/slog"

	"github.com/relicta-tech/buildline/internal/application/history"
	"github.com/relicta-tech/buildline/internal/application/promotion"
	"github.com/relicta-tech/buildline/internal/domain/build"
)

// HistoryService answers build history queries.
type HistoryService interface {
	Jobs(ctx context.Context) ([]build.Job, error)
	Environments(ctx context.Context, job string) ([]string, error)
	Runs(ctx context.Context, q history.Query) ([]history.RunView, error)
	Run(ctx context.Context, job string, number int) (history.RunView, error)
	Find(ctx context.Context, job string, number int) (build.Run, error)
}

// Promoter promotes a build to further environments.
type Promoter interface {
	Promote(ctx context.Context, run build.Run, envParam string) promotion.Result
}

// Context holds dependencies for HTTP handlers.
type Context struct {
	History   HistoryService
	Promotion Promoter
	Version   string
	Logger    *slog.Logger
}

func (c *Context) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
