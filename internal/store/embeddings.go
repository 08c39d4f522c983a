package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"bandi/internal/model"
)

type embeddingRow struct {
	Fingerprint string `db:"fingerprint"`
	Vector      []byte `db:"vector"`
	Dims        int    `db:"dims"`
	TextHash    string `db:"text_hash"`
	Model       string `db:"model"`
	GeneratedAt string `db:"generated_at"`
}

// LoadEmbeddings returns the cached vectors produced by embedModel. Vectors from other
// models are ignored so that switching providers forces a re-embed.
func (s *Store) LoadEmbeddings(ctx context.Context, embedModel string) ([]model.EmbeddingVector, error) {
	var rows []embeddingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT fingerprint, vector, dims, text_hash, model, generated_at
		FROM embeddings WHERE model=?
	`, embedModel)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	out := make([]model.EmbeddingVector, 0, len(rows))
	for _, r := range rows {
		vec, err := decodeVector(r.Vector, r.Dims)
		if err != nil {
			continue
		}
		out = append(out, model.EmbeddingVector{
			Fingerprint: r.Fingerprint,
			Vector:      vec,
			TextHash:    r.TextHash,
			GeneratedAt: parseDBTimeString(r.GeneratedAt),
		})
	}
	return out, nil
}

// SaveEmbeddings upserts vectors in a single transaction. Vectors for fingerprints that no
// longer exist are rejected by the foreign key and skipped.
func (s *Store) SaveEmbeddings(ctx context.Context, embedModel string, vecs []model.EmbeddingVector) error {
	if len(vecs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, v := range vecs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO embeddings(fingerprint, vector, dims, text_hash, model, generated_at)
			VALUES(?,?,?,?,?,?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				vector=excluded.vector,
				dims=excluded.dims,
				text_hash=excluded.text_hash,
				model=excluded.model,
				generated_at=excluded.generated_at
		`, v.Fingerprint, encodeVector(v.Vector), len(v.Vector), v.TextHash, embedModel, dbTime(v.GeneratedAt))
		if isForeignKeyViolation(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("save embedding %s: %w", v.Fingerprint, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteEmbeddings(ctx context.Context, fingerprints []string) (int64, error) {
	if len(fingerprints) == 0 {
		return 0, nil
	}
	q, args := inClause(fingerprints)
	res, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE fingerprint IN (`+q+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte, dims int) ([]float32, error) {
	if len(b) != dims*4 {
		return nil, fmt.Errorf("vector blob has %d bytes, want %d", len(b), dims*4)
	}
	out := make([]float32, dims)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
