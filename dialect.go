package gentime

import (
	"fmt"
	"strings"
)

// Dialect constants
const (
	DialectSQLite  = "sqlite"
	DialectMySQL   = "mysql"
	DialectPgSQL   = "pgsql"
	DialectMsSQL   = "mssql"
	DialectMongoDB = "mongodb"
	DialectRedis   = "redis"
)

// SupportedDialects is a list of all supported database dialects
var SupportedDialects = []string{
	DialectSQLite,
	DialectMySQL,
	DialectPgSQL,
	DialectMsSQL,
	DialectMongoDB,
	DialectRedis,
}

// IsDialectSupported checks if the given dialect is supported
func IsDialectSupported(dialect string) bool {
	for _, d := range SupportedDialects {
		if d == dialect {
			return true
		}
	}
	return false
}

// DialectCapabilities is the static capability table of a dialect. It
// implements Capabilities.
type DialectCapabilities struct {
	Dialect         string
	InsertReturning bool
	UpdateReturning bool
	TimestampExpr   string
}

// SupportsReturning implements Capabilities. Soft deletes and forced
// increments are executed as updates.
func (c DialectCapabilities) SupportsReturning(event EventType) bool {
	switch event {
	case EventInsert:
		return c.InsertReturning
	case EventUpdate, EventSoftDelete, EventForceIncrement:
		return c.UpdateReturning
	}
	return false
}

// CurrentTimestampExpr implements Capabilities
func (c DialectCapabilities) CurrentTimestampExpr() string {
	return c.TimestampExpr
}

// WithoutReturning returns a copy of c that never reads generated values
// back inline, forcing follow-up fetches. Useful when the driver, not the
// database, lacks the feature.
func (c DialectCapabilities) WithoutReturning() DialectCapabilities {
	c.InsertReturning = false
	c.UpdateReturning = false
	return c
}

var dialectCapabilities = map[string]DialectCapabilities{
	DialectPgSQL: {
		Dialect:         DialectPgSQL,
		InsertReturning: true,
		UpdateReturning: true,
		TimestampExpr:   "CURRENT_TIMESTAMP",
	},
	DialectMsSQL: {
		Dialect:         DialectMsSQL,
		InsertReturning: true,
		UpdateReturning: true,
		TimestampExpr:   "SYSDATETIME()",
	},
	DialectMySQL: {
		Dialect:       DialectMySQL,
		TimestampExpr: "CURRENT_TIMESTAMP(6)",
	},
	// RETURNING depends on the SQLite library the driver links against.
	DialectSQLite: {
		Dialect:       DialectSQLite,
		// the offset suffix matches the layout go-sqlite3 writes time.Time values in
		TimestampExpr: "strftime('%Y-%m-%d %H:%M:%f+00:00', 'now')",
	},
	DialectMongoDB: {
		Dialect:         DialectMongoDB,
		UpdateReturning: true,
		TimestampExpr:   "$currentDate",
	},
	DialectRedis: {
		Dialect:         DialectRedis,
		InsertReturning: true,
		UpdateReturning: true,
		TimestampExpr:   "TIME",
	},
}

// CapabilitiesFor returns the capability table of dialect. Driver names
// such as "postgres" or "sqlite3" are accepted as aliases.
func CapabilitiesFor(dialect string) (DialectCapabilities, error) {
	caps, ok := dialectCapabilities[NormalizeDialect(dialect)]
	if !ok {
		return DialectCapabilities{}, NewError(ErrorTypeUnsupported, fmt.Sprintf("unsupported dialect: %s", dialect))
	}
	return caps, nil
}

// NormalizeDialect maps a driver name to its dialect constant.
func NormalizeDialect(driver string) string {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgsql", "pg":
		return DialectPgSQL
	case "mysql", "mariadb":
		return DialectMySQL
	case "sqlite", "sqlite3":
		return DialectSQLite
	case "sqlserver", "mssql":
		return DialectMsSQL
	case "mongodb", "mongo":
		return DialectMongoDB
	case "redis":
		return DialectRedis
	}
	return strings.ToLower(driver)
}
