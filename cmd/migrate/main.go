package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logger.Init(config.GetEnv("APP_ENV", "local"))
	defer logger.Sync()
	log := logger.Log.Sugar()

	command := os.Args[1]
	migrationsPath := config.GetEnv("MIGRATIONS_PATH", "./migrations")

	if command == "create" {
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate create <migration_name>")
		}
		if err := createMigration(migrationsPath, os.Args[2]); err != nil {
			log.Fatalf("Failed to create migration: %v", err)
		}
		return
	}

	db, err := sql.Open("pgx", database.URL())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		log.Info("Running migrations...")
		if err := database.RunMigrations(db, migrationsPath); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Info("Migrations completed successfully")

	case "down":
		log.Info("Rolling back last migration...")
		if err := database.RollbackMigration(db, migrationsPath); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Info("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, migrationsPath)
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if dirty {
			log.Warnf("Current version: %d (DIRTY - needs manual intervention)", version)
		} else {
			log.Infof("Current version: %d", version)
		}

	default:
		log.Errorf("Unknown command: %s", command)
		printUsage()
		os.Exit(1)
	}
}

// nextVersion is one past the highest NNNNNN_ prefix in dir.
func nextVersion(dir string) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		prefix, _, ok := strings.Cut(file.Name(), "_")
		if !ok {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(prefix, "%d", &v); err == nil && v > highest {
			highest = v
		}
	}
	return highest + 1, nil
}

func createMigration(dir, name string) error {
	version, err := nextVersion(dir)
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", version, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", version, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n-- Add your SQL here\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		return err
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		return err
	}

	logger.Log.Sugar().Infof("Created migration files:\n   - %s\n   - %s", upFile, downFile)
	return nil
}

const usage = `crashgame schema migrations

  migrate up               apply every pending migration
  migrate down             revert the newest migration
  migrate version          print the applied version
  migrate create <name>    scaffold NNNNNN_<name>.{up,down}.sql

Connection settings come from BLUEPRINT_DB_HOST, BLUEPRINT_DB_PORT,
BLUEPRINT_DB_DATABASE, BLUEPRINT_DB_USERNAME, BLUEPRINT_DB_PASSWORD and
BLUEPRINT_DB_SCHEMA. MIGRATIONS_PATH defaults to ./migrations.
`

func printUsage() {
	fmt.Fprint(os.Stderr, usage)
}
