// Package gentimegorm provides a GORM adapter for gentime
package gentimegorm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/lemmego/gentime"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// =====================================
// Provider Implementation
// =====================================

// Provider implements gentime.Provider using GORM
type Provider struct {
	db       *gorm.DB
	config   gentime.Config
	pipeline *gentime.Pipeline
}

// Factory implements gentime.ProviderFactory
type Factory struct{}

// Create creates a new GORM provider instance
func (f *Factory) Create(config gentime.Config) (gentime.Provider, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: false,
		},
	}

	// Apply custom configurations from options
	if logLevel, ok := config.AdapterOption("gorm", "log_level"); ok {
		switch logLevel {
		case "silent":
			gormConfig.Logger = logger.Default.LogMode(logger.Silent)
		case "error":
			gormConfig.Logger = logger.Default.LogMode(logger.Error)
		case "warn":
			gormConfig.Logger = logger.Default.LogMode(logger.Warn)
		case "info":
			gormConfig.Logger = logger.Default.LogMode(logger.Info)
		}
	}
	if singularTable, ok := config.AdapterOption("gorm", "singular_table"); ok {
		if b, ok := singularTable.(bool); ok {
			gormConfig.NamingStrategy = schema.NamingStrategy{SingularTable: b}
		}
	}

	var dialector gorm.Dialector
	switch strings.ToLower(config.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(buildPostgresDSN(config))
	case "mysql":
		dialector = mysql.Open(buildMySQLDSN(config))
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(config.Database)
	case "sqlserver", "mssql":
		dialector = sqlserver.Open(buildSQLServerDSN(config))
	default:
		return nil, gentime.NewError(gentime.ErrorTypeUnsupported, fmt.Sprintf("unsupported driver: %s", config.Driver))
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "failed to connect to database", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "failed to get underlying sql.DB", err)
	}
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

	provider, err := New(db, config)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return provider, nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"postgres", "postgresql", "mysql", "sqlite", "sqlite3", "sqlserver", "mssql"}
}

// New wraps an open GORM connection. The dialect is taken from config.Driver
// when set, otherwise from the GORM dialector.
func New(db *gorm.DB, config gentime.Config, opts ...gentime.PipelineOption) (*Provider, error) {
	if config.Driver == "" {
		config.Driver = db.Dialector.Name()
	}
	pipeline, err := config.NewPipeline(opts...)
	if err != nil {
		return nil, err
	}
	return &Provider{db: db, config: config, pipeline: pipeline}, nil
}

// DB returns the underlying GORM connection
func (p *Provider) DB() *gorm.DB {
	return p.db
}

// Repository returns a repository for the given entity type
func (p *Provider) Repository(entityType reflect.Type, opts ...gentime.MappingOption) (gentime.Repository, error) {
	mapping, err := gentime.MappingOf(entityType, opts...)
	if err != nil {
		return nil, err
	}

	stmt := &gorm.Statement{DB: p.db}
	if err := stmt.Parse(reflect.New(mapping.Type()).Interface()); err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeInvalidConfiguration,
			fmt.Sprintf("cannot parse GORM schema of %s", mapping.Name()), err)
	}
	if stmt.Schema.PrioritizedPrimaryField == nil {
		return nil, gentime.NewError(gentime.ErrorTypeInvalidConfiguration,
			fmt.Sprintf("%s has no primary key", mapping.Name()))
	}

	// follow GORM's naming strategy for derived columns
	mapping, err = mapping.WithColumns(func(field string) string {
		if f := stmt.Schema.LookUpField(field); f != nil {
			return f.DBName
		}
		return ""
	})
	if err != nil {
		return nil, err
	}

	return &Repository{
		db:       p.db,
		schema:   stmt.Schema,
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

// Migrate creates or alters the tables of the given entities
func (p *Provider) Migrate(ctx context.Context, entities ...interface{}) error {
	return convertGormError(p.db.WithContext(ctx).AutoMigrate(entities...))
}

// Health checks the database connection health
func (p *Provider) Health() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "failed to get underlying sql.DB", err)
	}
	return sqlDB.Ping()
}

// Close closes the database connection
func (p *Provider) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ProviderInfo returns information about this provider
func (p *Provider) ProviderInfo() gentime.ProviderInfo {
	return gentime.ProviderInfo{
		Name:         "GORM",
		Version:      "1.0.0",
		DatabaseType: gentime.DatabaseTypeSQL,
		Dialect:      gentime.NormalizeDialect(p.config.Driver),
	}
}

// =====================================
// Repository Implementation
// =====================================

// Repository implements gentime.Repository using GORM
type Repository struct {
	db       *gorm.DB
	schema   *schema.Schema
	mapping  *gentime.EntityMapping
	pipeline *gentime.Pipeline
}

// Mapping returns the generation mapping of the entity type
func (r *Repository) Mapping() *gentime.EntityMapping {
	return r.mapping
}

// Create inserts entity. Columns the backend generates are left out of the
// INSERT and set by a second statement in the same transaction.
func (r *Repository) Create(ctx context.Context, entity interface{}) error {
	if err := gentime.RunBeforeHooks(ctx, gentime.EventInsert, entity); err != nil {
		return err
	}
	plan, err := r.pipeline.Prepare(gentime.EventInsert, r.mapping, entity)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		omit := append(plan.FrozenColumns(), columns(plan.Generated)...)
		if err := tx.Omit(omit...).Create(entity).Error; err != nil {
			return err
		}
		if len(plan.Generated) == 0 {
			return nil
		}
		result := r.returning(tx.Model(entity), plan).UpdateColumns(r.expressions(plan))
		if result.Error != nil {
			return result.Error
		}
		return r.fetch(tx, entity, plan)
	})
	if err != nil {
		plan.Revert()
		return convertGormError(err)
	}
	return gentime.RunAfterHooks(ctx, gentime.EventInsert, entity)
}

// Update writes every column of entity except the generated ones the
// update does not trigger. With a version field the write only matches
// the stored version the entity was loaded with.
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
	v, _ := r.mapping.Value(entity)
	if _, err := r.primaryKey(ctx, v); err != nil {
		plan.Revert()
		return err
	}

	values := r.expressions(plan)
	if withData {
		frozen := make(map[string]bool, len(plan.Frozen))
		for _, col := range plan.FrozenColumns() {
			frozen[col] = true
		}
		for _, field := range r.schema.Fields {
			if field.DBName == "" || field.PrimaryKey || !field.Updatable || frozen[field.DBName] {
				continue
			}
			if _, ok := values[field.DBName]; ok {
				continue
			}
			values[field.DBName], _ = field.ValueOf(ctx, v)
		}
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := r.returning(tx.Model(entity), plan)
		if plan.Version != nil {
			query = query.Where(clause.Eq{Column: clause.Column{Name: plan.Version.Attribute.Column}, Value: plan.Version.Stored()})
		}
		result := query.UpdateColumns(values)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.missing(plan)
		}
		return r.fetch(tx, entity, plan)
	})
	if err != nil {
		plan.Revert()
		return convertGormError(err)
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
	values := r.expressions(plan)
	for k, v := range updates {
		values[k] = v
	}

	entity := reflect.New(r.mapping.Type()).Interface()
	result := r.db.WithContext(ctx).Model(entity).Where(r.idCondition(id)).UpdateColumns(values)
	if result.Error != nil {
		return convertGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
	}
	return nil
}

// Delete deletes an entity by ID
func (r *Repository) Delete(ctx context.Context, id interface{}) error {
	entity := reflect.New(r.mapping.Type()).Interface()
	result := r.db.WithContext(ctx).Where(r.idCondition(id)).Delete(entity)
	if result.Error != nil {
		return convertGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
	}
	return nil
}

// FindByID finds an entity by its ID
func (r *Repository) FindByID(ctx context.Context, id interface{}, dest interface{}) error {
	result := r.db.WithContext(ctx).Where(r.idCondition(id)).Take(dest)
	return convertGormError(result.Error)
}

// Close is a no-op; the connection belongs to the provider
func (r *Repository) Close() error {
	return nil
}

// =====================================
// Helper Methods
// =====================================

// expressions returns the SET values of the plan: VM values as stored and
// DB values as the dialect's timestamp expression.
func (r *Repository) expressions(plan *gentime.Plan) map[string]interface{} {
	values := plan.Values()
	expr := r.pipeline.Capabilities().CurrentTimestampExpr()
	for _, a := range plan.Generated {
		values[a.Column] = gorm.Expr(expr)
	}
	return values
}

func (r *Repository) returning(db *gorm.DB, plan *gentime.Plan) *gorm.DB {
	if len(plan.Returning) == 0 {
		return db
	}
	cols := make([]clause.Column, len(plan.Returning))
	for i, a := range plan.Returning {
		cols[i] = clause.Column{Name: a.Column}
	}
	return db.Clauses(clause.Returning{Columns: cols})
}

// fetch reads the generated values the write could not return and copies
// them into entity.
func (r *Repository) fetch(tx *gorm.DB, entity interface{}, plan *gentime.Plan) error {
	if !plan.NeedsFetch() {
		return nil
	}
	v, err := r.mapping.Value(entity)
	if err != nil {
		return err
	}
	pk, err := r.primaryKey(tx.Statement.Context, v)
	if err != nil {
		return err
	}

	fresh := reflect.New(r.mapping.Type())
	if err := tx.Model(fresh.Interface()).Select(plan.FetchColumns()).Where(pk).Take(fresh.Interface()).Error; err != nil {
		return err
	}
	for _, a := range plan.Fetch {
		if t, ok := a.Get(fresh.Elem()); ok {
			a.Set(v, t)
		}
	}
	return nil
}

func (r *Repository) primaryKey(ctx context.Context, v reflect.Value) (map[string]interface{}, error) {
	pk := make(map[string]interface{}, len(r.schema.PrimaryFields))
	for _, field := range r.schema.PrimaryFields {
		value, zero := field.ValueOf(ctx, v)
		if zero {
			return nil, gentime.NewError(gentime.ErrorTypeValidation,
				fmt.Sprintf("%s.%s: primary key required", r.mapping.Name(), field.Name))
		}
		pk[field.DBName] = value
	}
	return pk, nil
}

func (r *Repository) idCondition(id interface{}) map[string]interface{} {
	return map[string]interface{}{r.schema.PrioritizedPrimaryField.DBName: id}
}

func (r *Repository) missing(plan *gentime.Plan) error {
	if plan.Version != nil {
		return gentime.NewErrorWithCode(gentime.ErrorTypeConflict,
			fmt.Sprintf("%s was modified or deleted concurrently", r.mapping.Name()),
			plan.Version.Attribute.Column)
	}
	return gentime.NewError(gentime.ErrorTypeNotFound, "entity not found")
}

func columns(attrs []gentime.Attribute) []string {
	cols := make([]string, len(attrs))
	for i, a := range attrs {
		cols[i] = a.Column
	}
	return cols
}

// =====================================
// Error Conversion
// =====================================

func convertGormError(err error) error {
	if err == nil {
		return nil
	}
	var gerr gentime.Error
	if errors.As(err, &gerr) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return gentime.NewErrorWithCause(gentime.ErrorTypeNotFound, "record not found", err)
	case errors.Is(err, gorm.ErrInvalidTransaction):
		return gentime.NewErrorWithCause(gentime.ErrorTypeTransaction, "invalid transaction", err)
	case errors.Is(err, gorm.ErrNotImplemented):
		return gentime.NewErrorWithCause(gentime.ErrorTypeUnsupported, "operation not implemented", err)
	case errors.Is(err, gorm.ErrMissingWhereClause):
		return gentime.NewErrorWithCause(gentime.ErrorTypeValidation, "missing where clause", err)
	case errors.Is(err, gorm.ErrPrimaryKeyRequired):
		return gentime.NewErrorWithCause(gentime.ErrorTypeValidation, "primary key required", err)
	case errors.Is(err, gorm.ErrModelValueRequired):
		return gentime.NewErrorWithCause(gentime.ErrorTypeValidation, "model value required", err)
	case errors.Is(err, gorm.ErrInvalidData):
		return gentime.NewErrorWithCause(gentime.ErrorTypeValidation, "invalid data", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return gentime.NewErrorWithCause(gentime.ErrorTypeDuplicate, "duplicate key violation", err)
	}

	// Check for common database constraint errors
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "duplicate") || strings.Contains(errStr, "unique"):
		return gentime.NewErrorWithCause(gentime.ErrorTypeDuplicate, "duplicate key violation", err)
	case strings.Contains(errStr, "foreign key") || strings.Contains(errStr, "constraint"):
		return gentime.NewErrorWithCause(gentime.ErrorTypeConstraint, "constraint violation", err)
	case strings.Contains(errStr, "timeout"):
		return gentime.NewErrorWithCause(gentime.ErrorTypeTimeout, "operation timeout", err)
	case strings.Contains(errStr, "connection"):
		return gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "connection error", err)
	}
	return gentime.NewErrorWithCause(gentime.ErrorTypeDatabase, "database operation failed", err)
}

// =====================================
// DSN Builders
// =====================================

// buildPostgresDSN builds a PostgreSQL DSN
func buildPostgresDSN(config gentime.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database)

	if config.SSL.Enabled {
		dsn += " sslmode=" + config.SSL.Mode
		if config.SSL.CertFile != "" {
			dsn += " sslcert=" + config.SSL.CertFile
		}
		if config.SSL.KeyFile != "" {
			dsn += " sslkey=" + config.SSL.KeyFile
		}
		if config.SSL.CAFile != "" {
			dsn += " sslrootcert=" + config.SSL.CAFile
		}
	} else {
		dsn += " sslmode=disable"
	}

	return dsn
}

// buildMySQLDSN builds a MySQL DSN. Times are read back in UTC so that
// version values compare equal to what was written.
func buildMySQLDSN(config gentime.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		config.Username, config.Password, config.Host, config.Port, config.Database)

	if config.SSL.Enabled {
		dsn += "&tls=" + config.SSL.Mode
	}

	return dsn
}

// buildSQLServerDSN builds a SQL Server DSN
func buildSQLServerDSN(config gentime.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		config.Username, config.Password, config.Host, config.Port, config.Database)
}

// =====================================
// Registration
// =====================================

func init() {
	gentime.RegisterProvider("gorm", &Factory{})
}
