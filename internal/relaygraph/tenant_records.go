package relaygraph

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const postgresOperationTimeout = 5 * time.Second

// DefaultTenantTables hold per-tenant rows in the team/billing database.
var DefaultTenantTables = []string{"team_invitations", "billing_seats"}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTenantRecords removes a tenant's rows from the relational
// team/billing store. Each listed table must carry a graph_id column.
type PostgresTenantRecords struct {
	dsn    string
	tables []string
	column string
	openDB sqlOpenFunc
	logger *zap.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTenantRecords(dsn string, tables []string, logger *zap.Logger) (*PostgresTenantRecords, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, invalidf("postgres dsn is required")
	}
	if len(tables) == 0 {
		tables = DefaultTenantTables
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresTenantRecords{
		dsn:    dsn,
		tables: append([]string(nil), tables...),
		column: "graph_id",
		openDB: sql.Open,
		logger: logger.Named("tenant_records"),
	}, nil
}

// RemoveTenant deletes the tenant's rows from every table in one transaction.
func (p *PostgresTenantRecords) RemoveTenant(ctx context.Context, graphID string) error {
	if strings.TrimSpace(graphID) == "" {
		return invalidf("graphId is required")
	}
	if err := p.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tenant cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range p.tables {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", postgresQuoteIdentifier(table), postgresQuoteIdentifier(p.column))
		res, err := tx.ExecContext(ctx, query, graphID)
		if err != nil {
			return fmt.Errorf("delete tenant rows from %s: %w", table, err)
		}
		rows, _ := res.RowsAffected()
		p.logger.Debug("tenant rows removed", zap.String("table", table), zap.String("graph_id", graphID), zap.Int64("rows", rows))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tenant cleanup: %w", err)
	}
	return nil
}

func (p *PostgresTenantRecords) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresTenantRecords) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

// postgresQuoteIdentifier quotes each dot-separated part, so "billing.seats"
// becomes "billing"."seats".
func postgresQuoteIdentifier(identifier string) string {
	parts := strings.Split(strings.TrimSpace(identifier), ".")
	for i, part := range parts {
		parts[i] = `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}
