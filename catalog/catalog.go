// Package catalog 在 SQLite 中保存已索引图片的路径与特征向量。
package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const FileName = "catalog.db"

// Entry 一张已索引的图片
type Entry struct {
	ID     int64
	Path   string
	Vector []float32
}

type Catalog struct {
	db *sql.DB
}

// Open 打开（必要时创建）目录下的 catalog.db
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		dim INTEGER NOT NULL,
		vector BLOB NOT NULL,
		created_at TEXT NOT NULL
	);`
	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create images table: %w", err)
	}

	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put 写入或覆盖一条记录
func (c *Catalog) Put(ctx context.Context, path string, vector []float32) (int64, error) {
	if len(vector) == 0 {
		return 0, errors.New("empty vector")
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO images (path, dim, vector, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET dim = excluded.dim, vector = excluded.vector, created_at = excluded.created_at`,
		path, len(vector), encodeVector(vector), time.Now().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", path, err)
	}

	var id int64
	if err := c.db.QueryRowContext(ctx, "SELECT id FROM images WHERE path = ?", path).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup %s: %w", path, err)
	}
	return id, nil
}

// All 按 id 顺序返回所有记录
func (c *Catalog) All(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT id, path, dim, vector FROM images ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			dim  int
			blob []byte
		)
		if err := rows.Scan(&e.ID, &e.Path, &dim, &blob); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if e.Vector, err = decodeVector(blob, dim); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Path, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count 记录数
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&n)
	return n, err
}

// encodeVector float32 小端序
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte, dim int) ([]float32, error) {
	if len(buf) != 4*dim {
		return nil, fmt.Errorf("blob has %d bytes, want %d", len(buf), 4*dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
