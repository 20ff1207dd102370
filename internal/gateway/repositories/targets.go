package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gatelink-io/gatelink/internal/gateway/router"
	"github.com/gatelink-io/gatelink/internal/sqlutil"
)

// targetResolver adapts DatabaseRepository to the router's Targets interface.
type targetResolver struct {
	databases DatabaseRepository
}

// NewTargetResolver returns the production router.Targets implementation,
// resolving database ids against the databases table.
func NewTargetResolver(databases DatabaseRepository) router.Targets {
	return &targetResolver{databases: databases}
}

// Target resolves a database id to its routing target. A malformed id is
// reported the same way as a missing record, so callers only handle ErrNotFound.
func (t *targetResolver) Target(ctx context.Context, databaseID string) (router.Target, error) {
	id, err := uuid.Parse(databaseID)
	if err != nil {
		return router.Target{}, ErrNotFound
	}

	rec, err := t.databases.GetByID(ctx, id)
	if err != nil {
		return router.Target{}, err
	}

	target := router.Target{
		DatabaseID:   rec.ID.String(),
		Name:         rec.Name,
		Mode:         router.Mode(rec.Mode),
		QueryTimeout: time.Duration(rec.QueryTimeout) * time.Second,
		MaxRows:      rec.MaxRows,
	}
	if rec.HasDirectConfig() {
		target.Direct = &sqlutil.Config{
			Driver:         rec.Driver,
			Host:           rec.Host,
			Port:           rec.Port,
			Database:       rec.DatabaseName,
			Username:       rec.Username,
			Password:       string(rec.Password),
			UseWindowsAuth: rec.UseWindowsAuth,
			ConnectTimeout: time.Duration(rec.ConnectTimeout) * time.Second,
		}
	}
	return target, nil
}
