// Package gentimebun provides a Bun adapter for gentime
package gentimebun

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lemmego/gentime"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"
)

// =====================================
// Provider Implementation
// =====================================

// Provider implements gentime.Provider using Bun
type Provider struct {
	db       *bun.DB
	config   gentime.Config
	pipeline *gentime.Pipeline
}

// Factory implements gentime.ProviderFactory
type Factory struct{}

// Create creates a new Bun provider instance
func (f *Factory) Create(config gentime.Config) (gentime.Provider, error) {
	var sqlDB *sql.DB
	var err error

	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		if driver, _ := config.AdapterOption("bun", "pg_driver"); driver == "pq" {
			sqlDB, err = createPostgresConnection(config)
		} else {
			sqlDB, err = createPgDriverConnection(config)
		}
	case "mysql":
		sqlDB, err = createMySQLConnection(config)
	case "sqlite", "sqlite3":
		sqlDB, err = createSQLiteConnection(config)
	default:
		return nil, gentime.NewError(gentime.ErrorTypeUnsupported, fmt.Sprintf("unsupported driver: %s", config.Driver))
	}
	if err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "failed to connect to database", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	var bunDB *bun.DB
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		bunDB = bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		bunDB = bun.NewDB(sqlDB, mysqldialect.New())
	case "sqlite", "sqlite3":
		bunDB = bun.NewDB(sqlDB, sqlitedialect.New())
	}

	// Add query hook for logging if enabled
	if logLevel, ok := config.AdapterOption("bun", "log_level"); ok && logLevel != "silent" {
		bunDB.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(logLevel == "debug"),
		))
	}

	provider, err := New(bunDB, config)
	if err != nil {
		bunDB.Close()
		return nil, err
	}
	return provider, nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3"}
}

// New wraps an open Bun database. The dialect is taken from config.Driver
// when set, otherwise from the Bun dialect.
func New(db *bun.DB, config gentime.Config, opts ...gentime.PipelineOption) (*Provider, error) {
	if config.Driver == "" {
		config.Driver = db.Dialect().Name().String()
	}
	pipeline, err := config.NewPipeline(opts...)
	if err != nil {
		return nil, err
	}
	return &Provider{db: db, config: config, pipeline: pipeline}, nil
}

// DB returns the underlying Bun database
func (p *Provider) DB() *bun.DB {
	return p.db
}

// Repository returns a repository for the given entity type
func (p *Provider) Repository(entityType reflect.Type, opts ...gentime.MappingOption) (gentime.Repository, error) {
	mapping, err := gentime.MappingOf(entityType, opts...)
	if err != nil {
		return nil, err
	}

	table := p.db.Table(mapping.Type())
	if len(table.PKs) == 0 {
		return nil, gentime.NewError(gentime.ErrorTypeInvalidConfiguration,
			fmt.Sprintf("%s has no primary key", mapping.Name()))
	}

	// follow the bun tags for derived columns
	mapping, err = mapping.WithColumns(func(field string) string {
		for _, f := range table.Fields {
			if f.GoName == field {
				return f.Name
			}
		}
		return ""
	})
	if err != nil {
		return nil, err
	}

	return &Repository{
		db:       p.db,
		table:    table,
		mapping:  mapping,
		pipeline: p.pipeline,
	}, nil
}

// RepositoryFor returns a repository for the given entity instance
func (p *Provider) RepositoryFor(entity interface{}, opts ...gentime.MappingOption) (gentime.Repository, error) {
	return p.Repository(gentime.EntityType(entity), opts...)
}

// Capabilities returns the dialect capabilities used by the pipeline
func (p *Provider) Capabilities() gentime.Capabilities {
	return p.pipeline.Capabilities()
}

// Migrate creates the tables of the given entities if they do not exist
func (p *Provider) Migrate(ctx context.Context, entities ...interface{}) error {
	for _, entity := range entities {
		if _, err := p.db.NewCreateTable().Model(entity).IfNotExists().Exec(ctx); err != nil {
			return convertBunError(err)
		}
	}
	return nil
}

// Health checks the database connection health
func (p *Provider) Health() error {
	return p.db.DB.Ping()
}

// Close closes the database connection
func (p *Provider) Close() error {
	return p.db.Close()
}

// ProviderInfo returns information about this provider
func (p *Provider) ProviderInfo() gentime.ProviderInfo {
	return gentime.ProviderInfo{
		Name:         "Bun",
		Version:      "1.0.0",
		DatabaseType: gentime.DatabaseTypeSQL,
		Dialect:      gentime.NormalizeDialect(p.config.Driver),
	}
}

// =====================================
// Repository Implementation
// =====================================

// Repository implements gentime.Repository using Bun
type Repository struct {
	db       bun.IDB
	table    *schema.Table
	mapping  *gentime.EntityMapping
	pipeline *gentime.Pipeline
}

// Mapping returns the generation mapping of the entity type
func (r *Repository) Mapping() *gentime.EntityMapping {
	return r.mapping
}

// Create inserts entity with the backend generated columns set from the
// dialect's timestamp expression.
func (r *Repository) Create(ctx context.Context, entity interface{}) error {
	if err := gentime.RunBeforeHooks(ctx, gentime.EventInsert, entity); err != nil {
		return err
	}
	plan, err := r.pipeline.Prepare(gentime.EventInsert, r.mapping, entity)
	if err != nil {
		return err
	}

	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := tx.NewInsert().Model(entity)
		if frozen := plan.FrozenColumns(); len(frozen) > 0 {
			query = query.ExcludeColumn(frozen...)
		}
		for _, a := range plan.Generated {
			query = query.Value(a.Column, r.expr())
		}
		if len(plan.Returning) > 0 {
			query = query.Returning(r.returning(plan))
		}
		if _, err := query.Exec(ctx); err != nil {
			return err
		}
		return r.fetch(ctx, tx, entity, plan)
	})
	if err != nil {
		plan.Revert()
		return convertBunError(err)
	}
	return gentime.RunAfterHooks(ctx, gentime.EventInsert, entity)
}

// Update writes entity except the generated columns the update does not
// trigger. With a version column the write only matches the stored version.
func (r *Repository) Update(ctx context.Context, entity interface{}) error {
	return r.write(ctx, gentime.EventUpdate, entity, true)
}

// SoftDelete writes the values generated on soft delete.
func (r *Repository) SoftDelete(ctx context.Context, entity interface{}) error {
	return r.write(ctx, gentime.EventSoftDelete, entity, false)
}

// ForceIncrement regenerates the version of entity.
func (r *Repository) ForceIncrement(ctx context.Context, entity interface{}) error {
	return r.write(ctx, gentime.EventForceIncrement, entity, false)
}

func (r *Repository) write(ctx context.Context, event gentime.EventType, entity interface{}, withData bool) error {
	if err := gentime.RunBeforeHooks(ctx, event, entity); err != nil {
		return err
	}
	plan, err := r.pipeline.Prepare(event, r.mapping, entity)
	if err != nil {
		return err
	}

	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := tx.NewUpdate().Model(entity).WherePK()
		if withData {
			if frozen := plan.FrozenColumns(); len(frozen) > 0 {
				query = query.ExcludeColumn(frozen...)
			}
		} else {
			query = query.Column(plan.ColumnsGenerated()...)
		}
		for _, a := range plan.Generated {
			query = query.Value(a.Column, r.expr())
		}
		if plan.Version != nil {
			query = query.Where("? = ?", bun.Ident(plan.Version.Attribute.Column), plan.Version.Stored())
		}
		if len(plan.Returning) > 0 {
			query = query.Returning(r.returning(plan))
		}

		result, err := query.Exec(ctx)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return r.missing(plan)
		}
		return r.fetch(ctx, tx, entity, plan)
	})
	if err != nil {
		plan.Revert()
		return convertBunError(err)
	}
	return gentime.RunAfterHooks(ctx, event, entity)
}

// UpdatePartial updates specific columns and regenerates the values
// triggered on update. Generated columns cannot be named in updates.
func (r *Repository) UpdatePartial(ctx context.Context, id interface{}, updates map[string]interface{}) error {
	if err := gentime.GuardUpdates(r.mapping, updates); err != nil {
		return err
	}
	plan, err := r.pipeline.PreparePartial(gentime.EventUpdate, r.mapping)
	if err != nil {
		return err
	}

	entity := reflect.New(r.mapping.Type()).Interface()
	query := r.db.NewUpdate().Model(entity).Where("? = ?", bun.Ident(r.table.PKs[0].Name), id)

	// Apply updates one by one
	for key, value := range updates {
		query = query.Set("? = ?", bun.Ident(key), value)
	}
	for col, value := range plan.Values() {
		query = query.Set("? = ?", bun.Ident(col), value)
	}
	for _, a := range plan.Generated {
		query = query.Set("? = ?", bun.Ident(a.Column), bun.Safe(r.expr()))
	}

	result, err := query.Exec(ctx)
	if err != nil {
		return convertBunError(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return convertBunError(err)
	}
	if rowsAffected == 0 {
		return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
	}
	return nil
}

// Delete deletes an entity by ID
func (r *Repository) Delete(ctx context.Context, id interface{}) error {
	entity := reflect.New(r.mapping.Type()).Interface()
	result, err := r.db.NewDelete().Model(entity).Where("? = ?", bun.Ident(r.table.PKs[0].Name), id).Exec(ctx)
	if err != nil {
		return convertBunError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return convertBunError(err)
	}
	if rowsAffected == 0 {
		return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
	}
	return nil
}

// FindByID finds an entity by its ID
func (r *Repository) FindByID(ctx context.Context, id interface{}, dest interface{}) error {
	err := r.db.NewSelect().Model(dest).Where("? = ?", bun.Ident(r.table.PKs[0].Name), id).Scan(ctx)
	return convertBunError(err)
}

// Close closes the repository (no-op for Bun)
func (r *Repository) Close() error {
	return nil
}

// =====================================
// Helper Methods
// =====================================

func (r *Repository) expr() string {
	return r.pipeline.Capabilities().CurrentTimestampExpr()
}

// returning lists the primary keys with the returned columns so that
// auto-increment keys are still scanned on insert.
func (r *Repository) returning(plan *gentime.Plan) string {
	cols := make([]string, 0, len(r.table.PKs)+len(plan.Returning))
	for _, pk := range r.table.PKs {
		cols = append(cols, pk.Name)
	}
	return strings.Join(append(cols, plan.ReturningColumns()...), ", ")
}

// fetch reads the generated values the write could not return and copies
// them into entity.
func (r *Repository) fetch(ctx context.Context, tx bun.Tx, entity interface{}, plan *gentime.Plan) error {
	if !plan.NeedsFetch() {
		return nil
	}
	v, err := r.mapping.Value(entity)
	if err != nil {
		return err
	}

	fresh := reflect.New(r.mapping.Type())
	query := tx.NewSelect().Model(fresh.Interface()).Column(plan.FetchColumns()...)
	for _, pk := range r.table.PKs {
		query = query.Where("? = ?", bun.Ident(pk.Name), pk.Value(v).Interface())
	}
	if err := query.Scan(ctx); err != nil {
		return err
	}
	for _, a := range plan.Fetch {
		if t, ok := a.Get(fresh.Elem()); ok {
			a.Set(v, t)
		}
	}
	return nil
}

func (r *Repository) missing(plan *gentime.Plan) error {
	if plan.Version != nil {
		return gentime.NewErrorWithCode(gentime.ErrorTypeConflict,
			fmt.Sprintf("%s was modified or deleted concurrently", r.mapping.Name()),
			plan.Version.Attribute.Column)
	}
	return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
}

// =====================================
// Connection Helpers
// =====================================

// createPostgresConnection opens a PostgreSQL connection through lib/pq
func createPostgresConnection(config gentime.Config) (*sql.DB, error) {
	return sql.Open("postgres", buildPostgresDSN(config))
}

// createPgDriverConnection opens a PostgreSQL connection through pgdriver
func createPgDriverConnection(config gentime.Config) (*sql.DB, error) {
	connector := pgdriver.NewConnector(pgdriver.WithDSN(buildPostgresDSN(config)))
	return sql.OpenDB(connector), nil
}

// createMySQLConnection creates a MySQL connection
func createMySQLConnection(config gentime.Config) (*sql.DB, error) {
	if config.ConnectionURL != "" {
		return sql.Open("mysql", config.ConnectionURL)
	}
	return sql.Open("mysql", buildMySQLConfig(config).FormatDSN())
}

// createSQLiteConnection creates a SQLite connection
func createSQLiteConnection(config gentime.Config) (*sql.DB, error) {
	return sql.Open("sqlite3", config.Database)
}

// buildPostgresDSN builds a PostgreSQL DSN string
func buildPostgresDSN(config gentime.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		config.Username, config.Password, config.Host, config.Port, config.Database)

	params := []string{}
	if config.SSL.Enabled {
		params = append(params, "sslmode="+config.SSL.Mode)
		if config.SSL.CertFile != "" {
			params = append(params, "sslcert="+config.SSL.CertFile)
		}
		if config.SSL.KeyFile != "" {
			params = append(params, "sslkey="+config.SSL.KeyFile)
		}
		if config.SSL.CAFile != "" {
			params = append(params, "sslrootcert="+config.SSL.CAFile)
		}
	} else {
		params = append(params, "sslmode=disable")
	}

	return dsn + "?" + strings.Join(params, "&")
}

// buildMySQLConfig builds the driver configuration. Times are parsed in UTC
// so that version values compare equal to what was written.
func buildMySQLConfig(config gentime.Config) *mysql.Config {
	mysqlConfig := mysql.NewConfig()
	mysqlConfig.User = config.Username
	mysqlConfig.Passwd = config.Password
	mysqlConfig.Net = "tcp"
	mysqlConfig.Addr = fmt.Sprintf("%s:%d", config.Host, config.Port)
	mysqlConfig.DBName = config.Database
	mysqlConfig.ParseTime = true
	mysqlConfig.Loc = time.UTC
	if config.SSL.Enabled {
		mysqlConfig.TLSConfig = config.SSL.Mode
	}
	return mysqlConfig
}

// =====================================
// Error Conversion
// =====================================

func convertBunError(err error) error {
	if err == nil {
		return nil
	}
	var gerr gentime.Error
	if errors.As(err, &gerr) {
		return err
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return gentime.NewErrorWithCause(gentime.ErrorTypeDuplicate, "duplicate key violation", err)
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
		if pgErr.Field('C') == "23505" {
			return gentime.NewErrorWithCause(gentime.ErrorTypeDuplicate, "duplicate key violation", err)
		}
		return gentime.NewErrorWithCause(gentime.ErrorTypeConstraint, "constraint violation", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return gentime.NewErrorWithCause(gentime.ErrorTypeNotFound, "record not found", err)
	case strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique"):
		return gentime.NewErrorWithCause(gentime.ErrorTypeDuplicate, "duplicate key violation", err)
	case strings.Contains(msg, "foreign key") || strings.Contains(msg, "constraint"):
		return gentime.NewErrorWithCause(gentime.ErrorTypeConstraint, "constraint violation", err)
	case strings.Contains(msg, "timeout"):
		return gentime.NewErrorWithCause(gentime.ErrorTypeTimeout, "operation timeout", err)
	case strings.Contains(msg, "connection"):
		return gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "connection error", err)
	default:
		return gentime.NewErrorWithCause(gentime.ErrorTypeDatabase, "database operation failed", err)
	}
}

// =====================================
// Registration
// =====================================

func init() {
	gentime.RegisterProvider("bun", &Factory{})
}
