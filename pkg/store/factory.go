package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimburion/txrunner/pkg/config"
	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/store/gormstore"
	"github.com/nimburion/txrunner/pkg/store/mysql"
	"github.com/nimburion/txrunner/pkg/store/pgxstore"
	"github.com/nimburion/txrunner/pkg/store/postgres"
	"github.com/nimburion/txrunner/pkg/store/sqldb"
	"github.com/nimburion/txrunner/pkg/store/sqlite"
)

// NewBackend opens the database selected by cfg.Type and verifies the connection.
// It does not fall back to another type when opening fails. When cfg.CircuitBreaker is
// enabled the manager is wrapped in a circuit breaker.
func NewBackend(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger) (*Backend, error) {
	if log == nil {
		log = logger.NewNop()
	}
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if cb := cfg.CircuitBreaker; cb.MaxFailures > 0 {
		b.guard(cb.MaxFailures, cb.ResetTimeout)
		log.Debug("circuit breaker enabled", "max_failures", cb.MaxFailures, "reset_timeout", cb.ResetTimeout)
	}
	return b, nil
}

func openBackend(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger) (*Backend, error) {
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	sqlCfg := sqldb.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		QueryTimeout:    cfg.QueryTimeout,
	}

	switch typ {
	case config.DatabaseTypePostgres:
		adp, err := postgres.NewPostgreSQLAdapter(sqlCfg, log)
		if err != nil {
			return nil, err
		}
		return sqlBackend(typ, adp.DB), nil

	case config.DatabaseTypeMySQL:
		adp, err := mysql.NewMySQLAdapter(sqlCfg, log)
		if err != nil {
			return nil, err
		}
		return sqlBackend(typ, adp.DB), nil

	case config.DatabaseTypeSQLite:
		adp, err := sqlite.NewSQLiteAdapter(sqlCfg, log)
		if err != nil {
			return nil, err
		}
		return sqlBackend(typ, adp.DB), nil

	case config.DatabaseTypePgx:
		m, pool, err := pgxstore.Open(ctx, pgxstore.Config{
			URL:             cfg.URL,
			MaxConns:        int32(cfg.MaxOpenConns),
			MinConns:        int32(cfg.MaxIdleConns),
			MaxConnLifetime: cfg.ConnMaxLifetime,
			MaxConnIdleTime: cfg.ConnMaxIdleTime,
		}, log, pgxstore.WithStatementTimeout(cfg.StatementTimeout))
		if err != nil {
			return nil, err
		}
		return &Backend{
			Adapter:       pgxPool{pool: pool, log: log},
			BatchExecutor: m,
			Type:          typ,
			manager:       m,
		}, nil

	case config.DatabaseTypeGormPostgres, config.DatabaseTypeGormSQLite:
		var (
			m   *gormstore.Manager
			err error
		)
		if typ == config.DatabaseTypeGormPostgres {
			m, err = gormstore.OpenPostgres(cfg.URL, log)
		} else {
			m, err = gormstore.OpenSQLite("sqlite", sqlite.DSN(cfg.URL), log)
		}
		if err != nil {
			return nil, err
		}
		if err := m.HealthCheck(ctx); err != nil {
			_ = m.Close()
			return nil, err
		}
		return &Backend{Adapter: m, BatchExecutor: m, Type: typ, callback: m}, nil

	default:
		return nil, fmt.Errorf("unsupported database.type %q (supported: postgres, mysql, pgx, sqlite, gorm-postgres, gorm-sqlite)", cfg.Type)
	}
}

func sqlBackend(typ string, db *sqldb.DB) *Backend {
	return &Backend{Adapter: db, BatchExecutor: db, Type: typ, manager: db, sql: db}
}

type pgxPool struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

func (p pgxPool) HealthCheck(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		p.log.Error("database health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (p pgxPool) Close() error {
	p.pool.Close()
	return nil
}
