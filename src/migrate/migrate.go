// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"grafanamlworker/src/logging"
	"grafanamlworker/src/store"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Run executes the embedded .sql files in lexical order. Statements must be
// idempotent (IF NOT EXISTS, CREATE OR REPLACE, DROP ... IF EXISTS).
func Run(ctx context.Context, db store.DBTX) error {
	return RunFS(ctx, db, schemaFS, "schema")
}

func RunFS(ctx context.Context, db store.DBTX, fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, dir+"/"+e.Name())
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		for _, s := range splitSQL(string(b)) {
			if _, err := db.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("exec %s failed: %w", f, err)
			}
		}
		logging.Log(fmt.Sprintf("Applied migration %s", f), slog.LevelInfo)
	}
	return nil
}

// splitSQL splits on semicolons outside of quotes and $$ function bodies.
func splitSQL(content string) []string {
	var (
		stmts    []string
		cur      strings.Builder
		inQuote  bool
		inDollar bool
	)
	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case !inQuote && c == '$' && i+1 < len(content) && content[i+1] == '$':
			inDollar = !inDollar
			cur.WriteString("$$")
			i++
			continue
		case !inDollar && c == '\'':
			inQuote = !inQuote
		case !inQuote && !inDollar && c == ';':
			if s := strings.TrimSpace(cur.String()); s != "" {
				stmts = append(stmts, s)
			}
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
