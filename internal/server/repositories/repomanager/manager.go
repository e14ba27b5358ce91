// Package repomanager wires repository constructors together behind a single
// interface, so services can obtain repositories bound to either the shared
// connection pool or an open transaction.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dezztech/incentives/internal/dbx"
	"github.com/dezztech/incentives/internal/server/repositories/principals"
	"github.com/dezztech/incentives/internal/server/repositories/refreshsessions"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Principals(db dbx.DBTX) principals.Repository
	RefreshSessions(db dbx.DBTX) refreshsessions.Repository
}
