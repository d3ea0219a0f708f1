package background

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	_ "modernc.org/sqlite"
)

// The background store is a SQLite file:
//
//	meta(key TEXT PRIMARY KEY, value TEXT)     -- "dim", "dtype" (float32|float64)
//	features(row_id INTEGER PRIMARY KEY, embedding BLOB)   -- little-endian
//	labels(row_id INTEGER PRIMARY KEY, lat REAL, lon REAL)
//
// row_id runs 0..N-1 in both tables.
const schema = `
CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS features (row_id INTEGER PRIMARY KEY, embedding BLOB NOT NULL);
CREATE TABLE IF NOT EXISTS labels (row_id INTEGER PRIMARY KEY, lat REAL NOT NULL, lon REAL NOT NULL);
`

// Open reads the whole background store into memory. Embeddings stored as
// float64 are cast to float32.
func Open(path string) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("background store: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open background store: %w", err)
	}
	defer db.Close()

	meta, err := readMeta(db)
	if err != nil {
		return nil, err
	}
	dim, err := strconv.Atoi(meta["dim"])
	if err != nil || dim <= 0 {
		return nil, fmt.Errorf("background store has invalid dim %q", meta["dim"])
	}
	width := 4
	switch meta["dtype"] {
	case "", "float32":
	case "float64":
		width = 8
	default:
		return nil, fmt.Errorf("unsupported embedding dtype %q", meta["dtype"])
	}

	embeddings, err := readFeatures(db, dim, width)
	if err != nil {
		return nil, err
	}
	labels, err := readLabels(db)
	if err != nil {
		return nil, err
	}
	return NewTable(embeddings, labels)
}

func readMeta(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query("SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("read meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func readFeatures(db *sql.DB, dim, width int) ([][]float32, error) {
	rows, err := db.Query("SELECT row_id, embedding FROM features ORDER BY row_id")
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	defer rows.Close()

	var out [][]float32
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("read features: %w", err)
		}
		if id != int64(len(out)) {
			return nil, fmt.Errorf("features: expected row_id %d, found %d", len(out), id)
		}
		if len(blob) != dim*width {
			return nil, fmt.Errorf("features: row %d has %d bytes, expected %d", id, len(blob), dim*width)
		}
		out = append(out, decodeRow(blob, dim, width))
	}
	return out, rows.Err()
}

func decodeRow(blob []byte, dim, width int) []float32 {
	row := make([]float32, dim)
	for j := range row {
		if width == 8 {
			row[j] = float32(math.Float64frombits(binary.LittleEndian.Uint64(blob[j*8:])))
		} else {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(blob[j*4:]))
		}
	}
	return row
}

func readLabels(db *sql.DB) ([]Label, error) {
	rows, err := db.Query("SELECT row_id, lat, lon FROM labels ORDER BY row_id")
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	defer rows.Close()

	var out []Label
	for rows.Next() {
		var id int64
		var l Label
		if err := rows.Scan(&id, &l.Lat, &l.Lon); err != nil {
			return nil, fmt.Errorf("read labels: %w", err)
		}
		if id != int64(len(out)) {
			return nil, fmt.Errorf("labels: expected row_id %d, found %d", len(out), id)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Write stores t at path as float32 embeddings, replacing any existing file.
func Write(path string, t *Table) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("create background store: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := writeRows(tx, t); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func writeRows(tx *sql.Tx, t *Table) error {
	if _, err := tx.Exec("INSERT INTO meta (key, value) VALUES ('dim', ?), ('dtype', 'float32')", strconv.Itoa(t.Dim())); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	feat, err := tx.Prepare("INSERT INTO features (row_id, embedding) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer feat.Close()
	lab, err := tx.Prepare("INSERT INTO labels (row_id, lat, lon) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer lab.Close()

	for i := 0; i < t.Len(); i++ {
		blob := make([]byte, 4*t.Dim())
		for j, v := range t.Embedding(i) {
			binary.LittleEndian.PutUint32(blob[j*4:], math.Float32bits(v))
		}
		if _, err := feat.Exec(i, blob); err != nil {
			return fmt.Errorf("write features row %d: %w", i, err)
		}
		l := t.Label(i)
		if _, err := lab.Exec(i, l.Lat, l.Lon); err != nil {
			return fmt.Errorf("write labels row %d: %w", i, err)
		}
	}
	return nil
}
