package db

import (
	"context"
	"fmt"
)

// SchemaSequence identifies the table layout. Archives record it and the
// importer refuses archives written for another layout.
const SchemaSequence = 3

type tableDDL struct {
	name     string
	sqlite   string
	postgres string
}

// schema lists every table in creation order: referenced tables first.
var schema = []tableDDL{
	{
		name: "user",
		sqlite: `CREATE TABLE IF NOT EXISTS "user" (
    "id"                 INTEGER PRIMARY KEY AUTOINCREMENT,
    "created"            TIMESTAMP NOT NULL,
    "musicbrainz_id"     TEXT NOT NULL UNIQUE,
    "musicbrainz_row_id" INTEGER NOT NULL UNIQUE,
    "auth_token"         TEXT UNIQUE,
    "last_login"         TIMESTAMP,
    "email"              TEXT,
    "gdpr_agreed"        TIMESTAMP,
    "is_paused"          BOOLEAN NOT NULL DEFAULT 0
)`,
		postgres: `CREATE TABLE IF NOT EXISTS "user" (
    "id"                 SERIAL PRIMARY KEY,
    "created"            TIMESTAMP WITH TIME ZONE NOT NULL,
    "musicbrainz_id"     TEXT NOT NULL UNIQUE,
    "musicbrainz_row_id" INTEGER NOT NULL UNIQUE,
    "auth_token"         TEXT UNIQUE,
    "last_login"         TIMESTAMP WITH TIME ZONE,
    "email"              TEXT,
    "gdpr_agreed"        TIMESTAMP WITH TIME ZONE,
    "is_paused"          BOOLEAN NOT NULL DEFAULT FALSE
)`,
	},
	{
		name: "data_dump",
		sqlite: `CREATE TABLE IF NOT EXISTS "data_dump" (
    "id"        INTEGER PRIMARY KEY AUTOINCREMENT,
    "created"   TIMESTAMP NOT NULL,
    "dump_type" TEXT NOT NULL
)`,
		postgres: `CREATE TABLE IF NOT EXISTS "data_dump" (
    "id"        SERIAL PRIMARY KEY,
    "created"   TIMESTAMP WITH TIME ZONE NOT NULL,
    "dump_type" TEXT NOT NULL
)`,
	},
	{
		name: "user_setting",
		sqlite: `CREATE TABLE IF NOT EXISTS "user_setting" (
    "id"            INTEGER PRIMARY KEY AUTOINCREMENT,
    "user_id"       INTEGER NOT NULL UNIQUE REFERENCES "user" ("id") ON DELETE CASCADE,
    "timezone_name" TEXT,
    "brainzplayer"  TEXT
)`,
		postgres: `CREATE TABLE IF NOT EXISTS "user_setting" (
    "id"            SERIAL PRIMARY KEY,
    "user_id"       INTEGER NOT NULL UNIQUE REFERENCES "user" ("id") ON DELETE CASCADE,
    "timezone_name" TEXT,
    "brainzplayer"  TEXT
)`,
	},
	{
		name: "external_service_oauth",
		sqlite: `CREATE TABLE IF NOT EXISTS "external_service_oauth" (
    "id"            INTEGER PRIMARY KEY AUTOINCREMENT,
    "user_id"       INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "service"       TEXT NOT NULL,
    "access_token"  TEXT,
    "refresh_token" TEXT,
    "token_expires" TIMESTAMP,
    "last_updated"  TIMESTAMP NOT NULL,
    "scopes"        TEXT
)`,
		postgres: `CREATE TABLE IF NOT EXISTS "external_service_oauth" (
    "id"            SERIAL PRIMARY KEY,
    "user_id"       INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "service"       TEXT NOT NULL,
    "access_token"  TEXT,
    "refresh_token" TEXT,
    "token_expires" TIMESTAMP WITH TIME ZONE,
    "last_updated"  TIMESTAMP WITH TIME ZONE NOT NULL,
    "scopes"        TEXT
)`,
	},
	{
		name: "recording_feedback",
		sqlite: `CREATE TABLE IF NOT EXISTS "recording_feedback" (
    "id"             INTEGER PRIMARY KEY AUTOINCREMENT,
    "user_id"        INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "recording_msid" TEXT,
    "recording_mbid" TEXT,
    "score"          INTEGER NOT NULL,
    "created"        TIMESTAMP NOT NULL
)`,
		postgres: `CREATE TABLE IF NOT EXISTS "recording_feedback" (
    "id"             SERIAL PRIMARY KEY,
    "user_id"        INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "recording_msid" TEXT,
    "recording_mbid" TEXT,
    "score"          INTEGER NOT NULL,
    "created"        TIMESTAMP WITH TIME ZONE NOT NULL
)`,
	},
	{
		name: "pinned_recording",
		sqlite: `CREATE TABLE IF NOT EXISTS "pinned_recording" (
    "id"             INTEGER PRIMARY KEY AUTOINCREMENT,
    "user_id"        INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "recording_msid" TEXT,
    "recording_mbid" TEXT,
    "blurb_content"  TEXT,
    "pinned_until"   TIMESTAMP NOT NULL,
    "created"        TIMESTAMP NOT NULL
)`,
		postgres: `CREATE TABLE IF NOT EXISTS "pinned_recording" (
    "id"             SERIAL PRIMARY KEY,
    "user_id"        INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "recording_msid" TEXT,
    "recording_mbid" TEXT,
    "blurb_content"  TEXT,
    "pinned_until"   TIMESTAMP WITH TIME ZONE NOT NULL,
    "created"        TIMESTAMP WITH TIME ZONE NOT NULL
)`,
	},
	{
		name: "user_relationship",
		sqlite: `CREATE TABLE IF NOT EXISTS "user_relationship" (
    "user_0"            INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "user_1"            INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "relationship_type" TEXT NOT NULL,
    "created"           TIMESTAMP NOT NULL,
    PRIMARY KEY ("user_0", "user_1", "relationship_type")
)`,
		postgres: `CREATE TABLE IF NOT EXISTS "user_relationship" (
    "user_0"            INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "user_1"            INTEGER NOT NULL REFERENCES "user" ("id") ON DELETE CASCADE,
    "relationship_type" TEXT NOT NULL,
    "created"           TIMESTAMP WITH TIME ZONE NOT NULL,
    PRIMARY KEY ("user_0", "user_1", "relationship_type")
)`,
	},
	{
		name: "statistics",
		sqlite: `CREATE TABLE IF NOT EXISTS "statistics" (
    "stat_type"    TEXT NOT NULL,
    "stat_range"   TEXT NOT NULL,
    "user_id"      INTEGER NOT NULL,
    "from_ts"      INTEGER NOT NULL,
    "to_ts"        INTEGER NOT NULL,
    "data"         TEXT NOT NULL,
    PRIMARY KEY ("stat_type", "stat_range", "user_id")
)`,
		postgres: `CREATE TABLE IF NOT EXISTS "statistics" (
    "stat_type"    TEXT NOT NULL,
    "stat_range"   TEXT NOT NULL,
    "user_id"      INTEGER NOT NULL,
    "from_ts"      BIGINT NOT NULL,
    "to_ts"        BIGINT NOT NULL,
    "data"         JSONB NOT NULL,
    PRIMARY KEY ("stat_type", "stat_range", "user_id")
)`,
	},
}

// TableDDL returns the CREATE TABLE IF NOT EXISTS statement of table for
// the given dialect.
func TableDDL(dialect, table string) (string, error) {
	for _, t := range schema {
		if t.name != table {
			continue
		}
		switch dialect {
		case DialectSQLite:
			return t.sqlite, nil
		case DialectPostgres:
			return t.postgres, nil
		default:
			return "", fmt.Errorf("unsupported dialect: %s", dialect)
		}
	}
	return "", fmt.Errorf("no schema for table %q", table)
}

// SchemaTables lists the tables known to the schema in creation order.
func SchemaTables() []string {
	names := make([]string, len(schema))
	for i, t := range schema {
		names[i] = t.name
	}
	return names
}

// InitSchema creates every missing table.
func InitSchema(ctx context.Context, store Store) error {
	return store.Load(ctx, func(ctx context.Context, l Loader) error {
		for _, t := range schema {
			ddl, err := TableDDL(store.Name(), t.name)
			if err != nil {
				return err
			}
			if err := l.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("create %s: %w", t.name, err)
			}
		}
		return nil
	})
}

// ResetSchema drops every table and creates them again, empty.
func ResetSchema(ctx context.Context, store Store) error {
	err := store.Load(ctx, func(ctx context.Context, l Loader) error {
		for i := len(schema) - 1; i >= 0; i-- {
			drop := "DROP TABLE IF EXISTS " + QuoteIdent(schema[i].name)
			if store.Name() == DialectPostgres {
				drop += " CASCADE"
			}
			if err := l.Exec(ctx, drop); err != nil {
				return fmt.Errorf("drop %s: %w", schema[i].name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return InitSchema(ctx, store)
}

// CountRows returns the number of rows in table.
func CountRows(ctx context.Context, store Store, table string) (int64, error) {
	var n int64
	err := store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
