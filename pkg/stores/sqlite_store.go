package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveStack inserts a stack record or updates it in place when the ID
// already exists. CreatedAt is preserved on update.
func (s *SQLiteStore) SaveStack(ctx context.Context, stack *StackRecord) error {
	query := `
		INSERT INTO stacks (id, tenant, name, description, status, status_reason, parameters, template, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			description = excluded.description,
			status = excluded.status,
			status_reason = excluded.status_reason,
			parameters = excluded.parameters,
			template = excluded.template,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`

	_, err := s.db.ExecContext(ctx, query,
		stack.ID,
		stack.Tenant,
		stack.Name,
		stack.Description,
		stack.Status,
		stack.StatusReason,
		stack.Parameters,
		stack.Template,
		stack.CreatedAt,
		stack.UpdatedAt,
		stack.DeletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save stack: %w", err)
	}

	return nil
}

// GetStack retrieves a stack by ID, including deleted stacks.
func (s *SQLiteStore) GetStack(ctx context.Context, id string) (*StackRecord, error) {
	query := `
		SELECT id, tenant, name, description, status, status_reason, parameters, template, created_at, updated_at, deleted_at
		FROM stacks
		WHERE id = ?
	`

	stack := &StackRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&stack.ID,
		&stack.Tenant,
		&stack.Name,
		&stack.Description,
		&stack.Status,
		&stack.StatusReason,
		&stack.Parameters,
		&stack.Template,
		&stack.CreatedAt,
		&stack.UpdatedAt,
		&stack.DeletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack: %w", err)
	}

	return stack, nil
}

// GetStackByName retrieves the live stack with the given tenant and name.
// Deleted stacks are excluded so a name can be reused after deletion.
func (s *SQLiteStore) GetStackByName(ctx context.Context, tenant, name string) (*StackRecord, error) {
	query := `
		SELECT id, tenant, name, description, status, status_reason, parameters, template, created_at, updated_at, deleted_at
		FROM stacks
		WHERE tenant = ? AND name = ? AND deleted_at IS NULL
	`

	stack := &StackRecord{}
	err := s.db.QueryRowContext(ctx, query, tenant, name).Scan(
		&stack.ID,
		&stack.Tenant,
		&stack.Name,
		&stack.Description,
		&stack.Status,
		&stack.StatusReason,
		&stack.Parameters,
		&stack.Template,
		&stack.CreatedAt,
		&stack.UpdatedAt,
		&stack.DeletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stack %s/%s: %w", tenant, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack by name: %w", err)
	}

	return stack, nil
}

// ListStacks lists a tenant's stacks, newest first. An empty tenant lists
// stacks across all tenants.
func (s *SQLiteStore) ListStacks(ctx context.Context, tenant string, includeDeleted bool) ([]*StackRecord, error) {
	query := `
		SELECT id, tenant, name, description, status, status_reason, parameters, template, created_at, updated_at, deleted_at
		FROM stacks
		WHERE 1 = 1
	`
	args := []any{}
	if tenant != "" {
		query += " AND tenant = ?"
		args = append(args, tenant)
	}
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	stacks := []*StackRecord{}
	for rows.Next() {
		stack := &StackRecord{}
		err := rows.Scan(
			&stack.ID,
			&stack.Tenant,
			&stack.Name,
			&stack.Description,
			&stack.Status,
			&stack.StatusReason,
			&stack.Parameters,
			&stack.Template,
			&stack.CreatedAt,
			&stack.UpdatedAt,
			&stack.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		stacks = append(stacks, stack)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}

	return stacks, nil
}

// UpdateStackStatus updates the status of a stack
func (s *SQLiteStore) UpdateStackStatus(ctx context.Context, id, status, reason string) error {
	query := `
		UPDATE stacks
		SET status = ?, status_reason = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update stack status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkStackDeleted stamps deleted_at on a stack, freeing its (tenant, name)
// pair for reuse while keeping the row for history.
func (s *SQLiteStore) MarkStackDeleted(ctx context.Context, id string) error {
	query := `
		UPDATE stacks
		SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark stack deleted: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}

	return nil
}

// SaveResource inserts a resource record or updates it in place when the
// (stack, name) pair already exists.
func (s *SQLiteStore) SaveResource(ctx context.Context, res *ResourceRecord) error {
	query := `
		INSERT INTO resources (stack_id, name, type, definition, properties, provider_id, status, status_reason, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stack_id, name) DO UPDATE SET
			type = excluded.type,
			definition = excluded.definition,
			properties = excluded.properties,
			provider_id = excluded.provider_id,
			status = excluded.status,
			status_reason = excluded.status_reason,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		res.StackID,
		res.Name,
		res.Type,
		res.Definition,
		res.Properties,
		res.ProviderID,
		res.Status,
		res.StatusReason,
		res.Metadata,
		res.CreatedAt,
		res.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}

	return nil
}

// GetResource retrieves a resource by owning stack ID and logical name.
func (s *SQLiteStore) GetResource(ctx context.Context, stackID, name string) (*ResourceRecord, error) {
	query := `
		SELECT stack_id, name, type, definition, properties, provider_id, status, status_reason, metadata, created_at, updated_at
		FROM resources
		WHERE stack_id = ? AND name = ?
	`

	res := &ResourceRecord{}
	err := s.db.QueryRowContext(ctx, query, stackID, name).Scan(
		&res.StackID,
		&res.Name,
		&res.Type,
		&res.Definition,
		&res.Properties,
		&res.ProviderID,
		&res.Status,
		&res.StatusReason,
		&res.Metadata,
		&res.CreatedAt,
		&res.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return res, nil
}

// ListResources lists a stack's resources in name order.
func (s *SQLiteStore) ListResources(ctx context.Context, stackID string) ([]*ResourceRecord, error) {
	query := `
		SELECT stack_id, name, type, definition, properties, provider_id, status, status_reason, metadata, created_at, updated_at
		FROM resources
		WHERE stack_id = ?
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query, stackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*ResourceRecord{}
	for rows.Next() {
		res := &ResourceRecord{}
		err := rows.Scan(
			&res.StackID,
			&res.Name,
			&res.Type,
			&res.Definition,
			&res.Properties,
			&res.ProviderID,
			&res.Status,
			&res.StatusReason,
			&res.Metadata,
			&res.CreatedAt,
			&res.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// UpdateResourceStatus updates the status of a resource
func (s *SQLiteStore) UpdateResourceStatus(ctx context.Context, stackID, name, status, reason string) error {
	query := `
		UPDATE resources
		SET status = ?, status_reason = ?, updated_at = ?
		WHERE stack_id = ? AND name = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, reason, time.Now().UTC(), stackID, name)
	if err != nil {
		return fmt.Errorf("failed to update resource status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}

	return nil
}

// UpdateResourceProviderID records the external handle of a resource. It is
// written as soon as the handler returns one, before the outcome of the
// operation is known.
func (s *SQLiteStore) UpdateResourceProviderID(ctx context.Context, stackID, name, providerID string) error {
	query := `
		UPDATE resources
		SET provider_id = ?, updated_at = ?
		WHERE stack_id = ? AND name = ?
	`

	result, err := s.db.ExecContext(ctx, query, providerID, time.Now().UTC(), stackID, name)
	if err != nil {
		return fmt.Errorf("failed to update resource provider id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}

	return nil
}

// DeleteResource removes a resource record after a successful delete.
func (s *SQLiteStore) DeleteResource(ctx context.Context, stackID, name string) error {
	query := `DELETE FROM resources WHERE stack_id = ? AND name = ?`

	result, err := s.db.ExecContext(ctx, query, stackID, name)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}

	return nil
}

// AppendEvent appends an event to a stack's event log and assigns its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (stack_id, resource, status, reason, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.StackID,
		event.Resource,
		event.Status,
		event.Reason,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	event.ID = id

	return nil
}

// ListEvents lists a stack's events in append order. A non-positive limit
// returns all events from offset onward.
func (s *SQLiteStore) ListEvents(ctx context.Context, stackID string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, stack_id, resource, status, reason, timestamp
		FROM events
		WHERE stack_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, stackID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.StackID,
			&event.Resource,
			&event.Status,
			&event.Reason,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}
