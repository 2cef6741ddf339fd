package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/store/sqldb"
	"github.com/nimburion/txrunner/pkg/transaction"
)

var migrationNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)

// Migration represents a database migration with up and down SQL scripts.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRunnerOptions adds options, such as observers, to the runner of every migration.
func WithRunnerOptions(opts ...transaction.Option) Option {
	return func(m *Manager) { m.runnerOpts = append(m.runnerOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// Manager applies and reverts migrations. Each migration and its schema_migrations
// record are written in one transaction.
type Manager struct {
	db         *sqldb.DB
	migrations []Migration
	runnerOpts []transaction.Option
	logger     logger.Logger
	now        func() time.Time
}

// NewManager loads the migrations found in dir.
func NewManager(db *sqldb.DB, migrationFiles fs.FS, dir string, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if migrationFiles == nil {
		return nil, fmt.Errorf("migration files filesystem is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("migration directory is required")
	}

	migrations, err := loadMigrations(migrationFiles, dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{db: db, migrations: migrations, logger: logger.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Migrations returns the loaded migrations in version order.
func (m *Manager) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// Up applies all pending migrations in order and stops at the first failure.
func (m *Manager) Up(ctx context.Context) (int, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.appliedSet(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mg := range m.migrations {
		if _, already := applied[mg.Version]; already {
			continue
		}
		err := m.inTransaction(ctx, "up", mg, func(ctx context.Context) error {
			if _, err := m.db.ExecContext(ctx, mg.UpSQL); err != nil {
				return fmt.Errorf("apply migration %d_%s: %w", mg.Version, mg.Name, err)
			}
			_, err := m.db.ExecContext(ctx,
				m.bind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
				mg.Version, m.now().UTC(),
			)
			if err != nil {
				return fmt.Errorf("record migration %d: %w", mg.Version, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		m.logger.Info("migration applied", "version", mg.Version, "name", mg.Name)
		count++
	}
	return count, nil
}

// Down reverts up to steps of the most recently applied migrations.
func (m *Manager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] > applied[j] })
	if steps > len(applied) {
		steps = len(applied)
	}

	reverted := 0
	for _, version := range applied[:steps] {
		mg, ok := m.migrationByVersion(version)
		if !ok {
			return reverted, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(mg.DownSQL) == "" {
			return reverted, fmt.Errorf("down migration missing for version %d", version)
		}
		err := m.inTransaction(ctx, "down", mg, func(ctx context.Context) error {
			if _, err := m.db.ExecContext(ctx, mg.DownSQL); err != nil {
				return fmt.Errorf("revert migration %d_%s: %w", mg.Version, mg.Name, err)
			}
			if _, err := m.db.ExecContext(ctx, m.bind(`DELETE FROM schema_migrations WHERE version = ?`), version); err != nil {
				return fmt.Errorf("delete migration record %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return reverted, err
		}
		m.logger.Info("migration reverted", "version", mg.Version, "name", mg.Name)
		reverted++
	}
	return reverted, nil
}

// Status reports applied and pending migrations.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] < applied[j] })

	seen := make(map[int64]struct{}, len(applied))
	for _, v := range applied {
		seen[v] = struct{}{}
	}
	pending := make([]PendingMigration, 0)
	for _, mg := range m.migrations {
		if _, ok := seen[mg.Version]; !ok {
			pending = append(pending, PendingMigration{Version: mg.Version, Name: mg.Name})
		}
	}
	return &Status{AppliedVersions: applied, Pending: pending}, nil
}

func (m *Manager) inTransaction(ctx context.Context, direction string, mg Migration, fn func(ctx context.Context) error) error {
	def := transaction.Definition{
		Name:        fmt.Sprintf("migrate %s %d_%s", direction, mg.Version, mg.Name),
		Propagation: transaction.PropagationRequiresNew,
	}
	opts := append(append([]transaction.Option(nil), m.runnerOpts...),
		transaction.WithAttribute(transaction.NewDefaultAttribute(def)),
		transaction.WithLogger(m.logger),
	)
	r, err := transaction.NewRunner(m.db, opts...)
	if err != nil {
		return err
	}
	_, err = transaction.Execute(ctx, r, func(ctx context.Context, _ transaction.Handle) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (m *Manager) ensureMetadataTable(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL
)
`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func (m *Manager) appliedSet(ctx context.Context) (map[int64]struct{}, error) {
	versions, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(versions))
	for _, v := range versions {
		set[v] = struct{}{}
	}
	return set, nil
}

func (m *Manager) appliedVersions(ctx context.Context) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

func (m *Manager) migrationByVersion(version int64) (Migration, bool) {
	for _, mg := range m.migrations {
		if mg.Version == version {
			return mg, true
		}
	}
	return Migration{}, false
}

// bind rewrites ? placeholders to $n for PostgreSQL.
func (m *Manager) bind(query string) string {
	if m.db.DriverName() != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func loadMigrations(migrationFiles fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(entry.Name())
		if len(matches) != 4 {
			continue
		}

		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", matches[1], err)
		}
		payload, err := fs.ReadFile(migrationFiles, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", entry.Name(), err)
		}

		mg, ok := byVersion[version]
		if !ok {
			mg = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = mg
		} else if mg.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, mg.Name, matches[2])
		}
		if matches[3] == "up" {
			mg.UpSQL = string(payload)
		} else {
			mg.DownSQL = string(payload)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if strings.TrimSpace(mg.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", mg.Version)
		}
		migrations = append(migrations, *mg)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
