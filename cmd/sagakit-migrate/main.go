// sagakit-migrate управляет схемой Postgres-хранилища событий.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/akriventsev/sagakit/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	dbURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	migrationsDir := flag.String("migrations-dir", "./migrations", "Directory for application migrations")
	flag.CommandLine.Parse(os.Args[2:])

	switch command {
	case "create":
		if len(flag.Args()) == 0 {
			fmt.Fprintln(os.Stderr, "Error: migration name is required")
			os.Exit(1)
		}
		path, err := migrations.Create(*migrationsDir, flag.Args()[0])
		exitOnError(err)
		fmt.Printf("Created migration: %s\n", path)
		return
	}

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --database-url or DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", *dbURL)
	exitOnError(err)
	defer db.Close()
	exitOnError(db.Ping())

	switch command {
	case "up":
		exitOnError(migrations.Up(db))
		fmt.Println("Migrations applied")
	case "up-dir":
		exitOnError(migrations.UpFromDir(db, *migrationsDir))
		fmt.Println("Application migrations applied")
	case "down":
		steps := int64(1)
		if len(flag.Args()) > 0 {
			if n, err := strconv.ParseInt(flag.Args()[0], 10, 64); err == nil {
				steps = n
			}
		}
		exitOnError(migrations.Down(db, steps))
		fmt.Printf("Rolled back %d migration(s)\n", steps)
	case "status":
		statuses, err := migrations.Status(db)
		exitOnError(err)
		fmt.Printf("%-16s %-44s %s\n", "VERSION", "NAME", "STATUS")
		for _, s := range statuses {
			applied := s.Status
			if s.AppliedAt != nil {
				applied = fmt.Sprintf("%s at %s", s.Status, s.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("%-16d %-44s %s\n", s.Version, s.Name, applied)
		}
	case "version":
		version, err := migrations.Version(db)
		exitOnError(err)
		fmt.Printf("Current version: %d\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("sagakit-migrate - event store schema migration tool")
	fmt.Println()
	fmt.Println("Usage: sagakit-migrate <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up            Apply embedded core migrations")
	fmt.Println("  up-dir        Apply application migrations from --migrations-dir")
	fmt.Println("  down [N]      Rollback N migrations (default: 1)")
	fmt.Println("  status        Show migration status")
	fmt.Println("  version       Show current schema version")
	fmt.Println("  create <name> Create a migration template in --migrations-dir")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --database-url   Postgres connection string (or DATABASE_URL)")
	fmt.Println("  --migrations-dir Application migrations directory")
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
