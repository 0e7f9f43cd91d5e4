// Package duckdb serves example batches from Parquet files in the object
// store by querying them with an embedded DuckDB.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/dataset"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/storage"
)

const viewName = "examples"

type Source struct {
	db      *sql.DB
	workDir string
	files   []string
	logger  *slog.Logger
}

// Open downloads the example files into a temp dir and exposes them to DuckDB
// as a single view. Keys ending in "/" are expanded to every .parquet object
// under that prefix.
func Open(ctx context.Context, store storage.ObjectStore, keys []string, logger *slog.Logger) (*Source, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	files, err := resolveKeys(ctx, store, keys)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no example files to read")
	}

	workDir, err := os.MkdirTemp("", "sketchsql-dataset-")
	if err != nil {
		return nil, fmt.Errorf("create dataset temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(workDir) }

	localPaths := make([]string, 0, len(files))
	for index, key := range files {
		localPath := filepath.Join(workDir, fmt.Sprintf("examples_%05d.parquet", index))
		if err := download(ctx, store, key, localPath); err != nil {
			cleanup()
			return nil, err
		}
		localPaths = append(localPaths, localPath)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT example_id, question_tokens, header_tokens, header_lengths FROM read_parquet(%s)`,
		quoteIdent(viewName), quoteStringArray(localPaths))
	if _, err := db.ExecContext(ctx, viewSQL); err != nil {
		_ = db.Close()
		cleanup()
		return nil, fmt.Errorf("create examples view: %w", err)
	}

	if logger != nil {
		logger.InfoContext(ctx, "dataset source opened", slog.Int("files", len(files)), slog.String("work_dir", workDir))
	}
	return &Source{db: db, workDir: workDir, files: files, logger: logger}, nil
}

// Files returns the resolved object keys backing the source.
func (s *Source) Files() []string {
	return append([]string(nil), s.files...)
}

func (s *Source) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(viewName)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count examples: %w", err)
	}
	return int(count), nil
}

// Batch returns up to limit examples ordered by example id, starting at offset.
// An empty slice means the source is exhausted.
func (s *Source) Batch(ctx context.Context, offset, limit int) ([]dataset.Example, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	query := fmt.Sprintf(`SELECT example_id, question_tokens, header_tokens, header_lengths
FROM %s
ORDER BY example_id ASC
LIMIT %d OFFSET %d`, quoteIdent(viewName), limit, offset)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query examples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	examples := make([]dataset.Example, 0, limit)
	for rows.Next() {
		var (
			id                         int64
			question, headers, lengths any
		)
		if err := rows.Scan(&id, &question, &headers, &lengths); err != nil {
			return nil, fmt.Errorf("scan example row: %w", err)
		}
		row := dataset.ExampleRow{ExampleID: id}
		if row.QuestionTokens, err = int64List(question); err != nil {
			return nil, fmt.Errorf("example %d question_tokens: %w", id, err)
		}
		if row.HeaderTokens, err = int64List(headers); err != nil {
			return nil, fmt.Errorf("example %d header_tokens: %w", id, err)
		}
		lengths64, err := int64List(lengths)
		if err != nil {
			return nil, fmt.Errorf("example %d header_lengths: %w", id, err)
		}
		row.HeaderLengths = make([]int32, len(lengths64))
		for i, length := range lengths64 {
			row.HeaderLengths[i] = int32(length)
		}
		example, err := dataset.FromRow(row)
		if err != nil {
			return nil, err
		}
		examples = append(examples, example)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate example rows: %w", err)
	}
	return examples, nil
}

func (s *Source) Close() error {
	err := s.db.Close()
	if removeErr := os.RemoveAll(s.workDir); removeErr != nil && err == nil {
		err = removeErr
	}
	return err
}

func resolveKeys(ctx context.Context, store storage.ObjectStore, keys []string) ([]string, error) {
	files := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !storage.IsDirectoryKey(key) {
			files = append(files, key)
			continue
		}
		objects, err := store.List(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list example files under %q: %w", key, err)
		}
		for _, obj := range objects {
			if strings.HasSuffix(obj.Key, ".parquet") {
				files = append(files, obj.Key)
			}
		}
	}
	return files, nil
}

func download(ctx context.Context, store storage.ObjectStore, key, localPath string) error {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := reader.Close(); err != nil {
		return fmt.Errorf("close object %q: %w", key, err)
	}
	return nil
}

// int64List converts a scanned DuckDB LIST value. NULL reads as an empty list.
func int64List(value any) ([]int64, error) {
	if value == nil {
		return []int64{}, nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected list type %T", value)
	}
	out := make([]int64, len(items))
	for i, item := range items {
		switch typed := item.(type) {
		case int64:
			out[i] = typed
		case int32:
			out[i] = int64(typed)
		case int16:
			out[i] = int64(typed)
		case int8:
			out[i] = int64(typed)
		default:
			return nil, fmt.Errorf("unexpected list element type %T", item)
		}
	}
	return out, nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
