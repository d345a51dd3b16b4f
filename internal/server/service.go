package server

import (
	"context"

	"github.com/kieran-voss/fluxflag"
	"github.com/kieran-voss/fluxflag/audit"
	"github.com/kieran-voss/fluxflag/core"
	"github.com/kieran-voss/fluxflag/store"
)

// Service is the subset of the client façade the HTTP layer depends on.
// It is implemented by [fluxflag.Client]; tests supply a fake.
type Service interface {
	CreateFlag(ctx context.Context, flag core.Flag, actor audit.Actor) (store.FlagWithMeta, error)
	UpdateFlag(ctx context.Context, key string, value core.FlagValue, actor audit.Actor) (store.FlagWithMeta, bool, error)
	EnableFlag(ctx context.Context, key string, actor audit.Actor) (bool, error)
	DisableFlag(ctx context.Context, key string, actor audit.Actor) (bool, error)
	DeleteFlag(ctx context.Context, key string, actor audit.Actor) (bool, error)
	GetFlag(ctx context.Context, key string) (store.FlagWithMeta, bool, error)
	ListFlags(ctx context.Context) ([]store.FlagWithMeta, error)
	Evaluate(ctx context.Context, key string, evalCtx core.EvaluationContext) core.EvaluationResult
	MergeRemote(ctx context.Context, remote []store.FlagWithMeta) (int, error)
	Snapshot(ctx context.Context) (store.Snapshot, error)
	Restore(ctx context.Context, snapshot store.Snapshot) error
	QueryAudit(filter audit.QueryFilter) []audit.AuditRecord
}

var _ Service = (*fluxflag.Client)(nil)
