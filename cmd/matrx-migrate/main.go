// matrx-migrate applies the sandbox registry schema to Postgres.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

var (
	databaseURL = flag.String("database-url", os.Getenv("MATRX_DATABASE_URL"), "Postgres connection string (default: MATRX_DATABASE_URL)")
	dryRun      = flag.Bool("dry-run", false, "Print the statements without executing them")
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS sandbox_instances (
    sandbox_id        TEXT PRIMARY KEY,
    user_id           UUID NOT NULL,
    status            TEXT NOT NULL,
    container_id      TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    stopped_at        TIMESTAMPTZ,
    last_heartbeat_at TIMESTAMPTZ,
    ttl_seconds       INTEGER NOT NULL DEFAULT 7200,
    expires_at        TIMESTAMPTZ GENERATED ALWAYS AS (created_at + make_interval(secs => ttl_seconds)) STORED,
    stop_reason       TEXT,
    hot_path          TEXT NOT NULL DEFAULT '/home/agent',
    cold_path         TEXT NOT NULL DEFAULT '/data/cold',
    ssh_port          INTEGER,
    config            JSONB NOT NULL DEFAULT '{}'::jsonb
)`,

	`CREATE OR REPLACE FUNCTION sandbox_instances_touch_updated_at()
RETURNS trigger AS $$
BEGIN
    NEW.updated_at := now();
    RETURN NEW;
END;
$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS sandbox_instances_updated_at ON sandbox_instances`,

	`CREATE TRIGGER sandbox_instances_updated_at
    BEFORE UPDATE ON sandbox_instances
    FOR EACH ROW EXECUTE FUNCTION sandbox_instances_touch_updated_at()`,

	`CREATE INDEX IF NOT EXISTS idx_sandbox_instances_user_id
    ON sandbox_instances (user_id)`,

	`CREATE INDEX IF NOT EXISTS idx_sandbox_instances_status_expires_at
    ON sandbox_instances (status, expires_at)`,
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Matrx schema migration")

	if *dryRun {
		for _, stmt := range statements {
			fmt.Println(stmt + ";")
			fmt.Println()
		}
		log.Println("Dry run completed. No changes made.")
		return
	}

	if *databaseURL == "" {
		log.Fatal("no database URL: pass --database-url or set MATRX_DATABASE_URL")
	}

	db, err := sql.Open("postgres", *databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	for i, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			log.Fatalf("Statement %d failed: %v", i+1, err)
		}
	}

	log.Println("Migration completed successfully")
}
