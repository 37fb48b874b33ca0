//go:build sqlite_vec && cgo

package vecindex

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	// vec.Auto() registers it as an auto-loadable extension.
	vec.Auto()
}

// vecAccel holds snapshot vectors in an in-memory vec0 virtual table and
// answers nearest-candidate queries with vec_distance_cosine. Rowids map to
// entry ordinals, offset by one because rowids start at 1.
type vecAccel struct {
	db  *sql.DB
	dim int
}

func newAccel(dim int, entries []entry) (accel, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vec0 table needs a positive dimension, got %d", dim)
	}
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open accel database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE candidates USING vec0(embedding float[%d])`, dim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create vec0 table: %w", err)
	}

	a := &vecAccel{db: db, dim: dim}
	if err := a.load(entries); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *vecAccel) load(entries []entry) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin accel load: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO candidates (rowid, embedding) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare accel insert: %w", err)
	}
	defer stmt.Close()

	for i := range entries {
		if len(entries[i].Vector) != a.dim {
			continue
		}
		if _, err := stmt.Exec(i+1, encodeFloat32Blob(entries[i].Vector)); err != nil {
			return fmt.Errorf("failed to load accel row: %w", err)
		}
	}
	return tx.Commit()
}

func (a *vecAccel) candidates(query []float32, n int) ([]int, error) {
	if len(query) != a.dim {
		return nil, fmt.Errorf("query dim %d, table dim %d", len(query), a.dim)
	}
	rows, err := a.db.Query(`
		SELECT rowid, vec_distance_cosine(embedding, ?) AS distance
		FROM candidates
		ORDER BY distance ASC
		LIMIT ?`, encodeFloat32Blob(query), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ordinals []int
	for rows.Next() {
		var rowid int64
		var distance float64
		if err := rows.Scan(&rowid, &distance); err != nil {
			return nil, err
		}
		ordinals = append(ordinals, int(rowid-1))
	}
	return ordinals, rows.Err()
}

func (a *vecAccel) close() {
	_ = a.db.Close()
}

func encodeFloat32Blob(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}
