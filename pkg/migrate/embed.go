package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/pressly/goose/v3"
)

// EmbeddedDir is the root of the migrations compiled into the binary.
const EmbeddedDir = "migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Up applies every embedded migration using the given goose dialect
// ("postgres" in services, "sqlite3" in tests).
func Up(ctx context.Context, db *sql.DB, dialect string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	goose.SetBaseFS(embedded)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, EmbeddedDir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Quiet silences goose's stdout progress output.
func Quiet() {
	goose.SetLogger(goose.NopLogger())
}

// UpStatements returns the Up statements of every embedded migration in version
// order, split on goose StatementBegin/StatementEnd markers.
func UpStatements() ([]string, error) {
	entries, err := fs.ReadDir(embedded, EmbeddedDir)
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var statements []string
	for _, name := range names {
		raw, err := fs.ReadFile(embedded, path.Join(EmbeddedDir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		statements = append(statements, upBlocks(string(raw))...)
	}
	return statements, nil
}

func upBlocks(content string) []string {
	var (
		blocks  []string
		current strings.Builder
		inUp    bool
		inBlock bool
	)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch trimmed {
		case "-- +goose Up":
			inUp = true
			continue
		case "-- +goose Down":
			return blocks
		case "-- +goose StatementBegin":
			inBlock = true
			current.Reset()
			continue
		case "-- +goose StatementEnd":
			if inUp && inBlock {
				if stmt := strings.TrimSpace(current.String()); stmt != "" {
					blocks = append(blocks, stmt)
				}
			}
			inBlock = false
			continue
		}
		if inUp && inBlock {
			current.WriteString(line)
			current.WriteString("\n")
		}
	}
	return blocks
}
