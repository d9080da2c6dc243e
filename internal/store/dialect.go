package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// dialect holds the statements that differ between the supported engines.
type dialect struct {
	name   string
	schema []string
	// open returns a handle configured for the engine; a read-only handle
	// never creates nor modifies the database
	open func(ctx context.Context, dsn string, readOnly bool) (*sql.DB, error)
	// upsertTarget and upsertService are single atomic statements
	upsertTarget  string
	upsertService string
	// returning reports whether the upserts return (id[, times_seen]) rows
	// instead of relying on LastInsertId and RowsAffected
	returning bool
}

var dialects = map[string]dialect{
	model.DriverSQLite: sqliteDialect,
	model.DriverMySQL:  mysqlDialect,
}

var sqliteDialect = dialect{
	name: model.DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS scan_runs (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT DEFAULT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			targets_processed INTEGER NOT NULL DEFAULT 0,
			targets_failed INTEGER NOT NULL DEFAULT 0,
			services_created INTEGER NOT NULL DEFAULT 0,
			services_updated INTEGER NOT NULL DEFAULT 0,
			records_skipped INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS scan_runs_status ON scan_runs (status, started_at)`,
		`CREATE TABLE IF NOT EXISTS targets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL UNIQUE,
			org TEXT NOT NULL,
			isp TEXT NOT NULL,
			country TEXT NOT NULL,
			asn TEXT NOT NULL,
			provider_updated_at INTEGER DEFAULT NULL,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS services (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id INTEGER NOT NULL REFERENCES targets (id) ON DELETE CASCADE,
			port INTEGER NOT NULL,
			transport TEXT NOT NULL,
			product TEXT NOT NULL,
			version TEXT NOT NULL,
			cpe TEXT NOT NULL,
			vulns TEXT NOT NULL DEFAULT '[]',
			risk_score INTEGER NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			last_run_id TEXT NOT NULL,
			times_seen INTEGER NOT NULL DEFAULT 1,
			stale INTEGER NOT NULL DEFAULT 0,
			UNIQUE (target_id, port, transport)
		)`,
	},
	open: func(ctx context.Context, dsn string, readOnly bool) (*sql.DB, error) {
		pragmas := []string{
			`PRAGMA journal_mode = WAL`,
			`PRAGMA busy_timeout = 5000`,
			`PRAGMA foreign_keys = ON`,
		}
		if readOnly {
			dsn = sqliteReadOnly(dsn)
			pragmas = []string{`PRAGMA busy_timeout = 5000`}
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// pragmas are per connection
		db.SetMaxOpenConns(1)
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return db, nil
	},
	// `excluded` is the row proposed for insertion
	upsertTarget: `INSERT INTO targets (address, org, isp, country, asn, provider_updated_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			org = excluded.org,
			isp = excluded.isp,
			country = excluded.country,
			asn = excluded.asn,
			provider_updated_at = excluded.provider_updated_at,
			last_seen = MAX(targets.last_seen, excluded.last_seen)
		RETURNING id`,
	upsertService: `INSERT INTO services
			(target_id, port, transport, product, version, cpe, vulns, risk_score, first_seen, last_seen, last_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_id, port, transport) DO UPDATE SET
			product = excluded.product,
			version = excluded.version,
			cpe = excluded.cpe,
			vulns = excluded.vulns,
			risk_score = excluded.risk_score,
			last_seen = MAX(services.last_seen, excluded.last_seen),
			last_run_id = excluded.last_run_id,
			times_seen = services.times_seen + 1,
			stale = 0
		RETURNING id, times_seen`,
	returning: true,
}

var mysqlDialect = dialect{
	name: model.DriverMySQL,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS scan_runs (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			started_at BIGINT NOT NULL,
			finished_at BIGINT DEFAULT NULL,
			status VARCHAR(16) NOT NULL,
			failure_reason VARCHAR(255) DEFAULT NULL,
			metadata TEXT NOT NULL,
			targets_processed INT NOT NULL DEFAULT 0,
			targets_failed INT NOT NULL DEFAULT 0,
			services_created INT NOT NULL DEFAULT 0,
			services_updated INT NOT NULL DEFAULT 0,
			records_skipped INT NOT NULL DEFAULT 0,
			INDEX scan_runs_status (status, started_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS targets (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			address VARCHAR(255) NOT NULL UNIQUE,
			org VARCHAR(255) NOT NULL,
			isp VARCHAR(255) NOT NULL,
			country VARCHAR(16) NOT NULL,
			asn VARCHAR(32) NOT NULL,
			provider_updated_at BIGINT DEFAULT NULL,
			last_seen BIGINT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS services (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			target_id BIGINT NOT NULL,
			port INT NOT NULL,
			transport VARCHAR(16) NOT NULL,
			product VARCHAR(255) NOT NULL,
			version VARCHAR(255) NOT NULL,
			cpe VARCHAR(512) NOT NULL,
			vulns TEXT NOT NULL,
			risk_score INT NOT NULL,
			first_seen BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			last_run_id VARCHAR(36) NOT NULL,
			times_seen INT NOT NULL DEFAULT 1,
			stale TINYINT NOT NULL DEFAULT 0,
			UNIQUE KEY services_key (target_id, port, transport),
			FOREIGN KEY (target_id) REFERENCES targets (id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
	},
	open: func(_ context.Context, dsn string, readOnly bool) (*sql.DB, error) {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, &model.ConfigError{Field: "storage.dsn", Err: err}
		}
		// RowsAffected must count changed rows: 1 for insert, 2 for update
		cfg.ClientFoundRows = false
		if readOnly {
			if cfg.Params == nil {
				cfg.Params = map[string]string{}
			}
			cfg.Params["transaction_read_only"] = "1"
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, err
		}
		return sql.OpenDB(connector), nil
	},
	// id = LAST_INSERT_ID(id) exposes the id of the updated row
	upsertTarget: `INSERT INTO targets (address, org, isp, country, asn, provider_updated_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			org = VALUES(org),
			isp = VALUES(isp),
			country = VALUES(country),
			asn = VALUES(asn),
			provider_updated_at = VALUES(provider_updated_at),
			last_seen = GREATEST(last_seen, VALUES(last_seen))`,
	upsertService: `INSERT INTO services
			(target_id, port, transport, product, version, cpe, vulns, risk_score, first_seen, last_seen, last_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			product = VALUES(product),
			version = VALUES(version),
			cpe = VALUES(cpe),
			vulns = VALUES(vulns),
			risk_score = VALUES(risk_score),
			last_seen = GREATEST(last_seen, VALUES(last_seen)),
			last_run_id = VALUES(last_run_id),
			times_seen = times_seen + 1,
			stale = 0`,
}

// sqliteReadOnly turns a path or a file: URI into a read-only URI. SQLite
// refuses to open a missing file in this mode instead of creating it.
func sqliteReadOnly(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "mode=ro"
}
