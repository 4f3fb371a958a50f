package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"prospectd/internal/logging"
)

// Candidate is an embedded profile awaiting a qualification decision.
type Candidate struct {
	ProfileID int64
	PublicID  string
	Embedding []float32
}

// encodeFloat32SliceToBlob encodes a float32 slice as a binary blob.
// Little-endian, as expected by sqlite-vec.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		// Should never happen with bytes.Buffer
		return nil
	}
	return buf.Bytes()
}

// decodeBlobToFloat32Slice reverses encodeFloat32SliceToBlob.
func decodeBlobToFloat32Slice(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &out); err != nil {
		return nil, fmt.Errorf("decode embedding blob: %w", err)
	}
	return out, nil
}

// HasEmbedding reports whether an embedding was already computed for the
// profile. Embeddings are computed once and immutable thereafter.
func (s *Store) HasEmbedding(profileID int64) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM profile_embeddings WHERE profile_id = ?", profileID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("embedding lookup: %w", err)
	}
	return true, nil
}

// ErrDimensionMismatch rejects an embedding whose length differs from the
// vectors already stored. The qualifier stacks stored vectors into one
// matrix, so a single ragged row would poison every later refit.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// StoreEmbedding persists a profile embedding. A second write for the same
// profile is ignored: re-enrichment never re-embeds. The vector must match
// the dimension of every embedding already in the table.
func (s *Store) StoreEmbedding(profileID int64, publicID string, embedding []float32) error {
	var existing int
	err := s.db.QueryRow(
		"SELECT length(embedding) FROM profile_embeddings LIMIT 1",
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("embedding dimension check: %w", err)
	}
	if err == nil && existing != 4*len(embedding) {
		return fmt.Errorf("%w: %s has %d values, store holds %d",
			ErrDimensionMismatch, publicID, len(embedding), existing/4)
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO profile_embeddings (profile_id, public_id, embedding)
		VALUES (?, ?, ?)`,
		profileID, publicID, encodeFloat32SliceToBlob(embedding),
	)
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logging.StoreDebug("Embedding for %s already present, kept immutable", publicID)
		return nil
	}

	if s.vectorExt {
		if err := s.vecUpsert(profileID, embedding); err != nil {
			// ANN index is an accelerator, not the source of truth.
			logging.Get(logging.CategoryStore).Warn("vec index insert failed for %s: %v", publicID, err)
		}
	}
	return nil
}

// StoreLabel finalizes a qualification decision for an embedded profile.
// Labels are append-only: a profile that already carries a label keeps it.
func (s *Store) StoreLabel(profileID int64, label bool, decidedBy, reason string) error {
	v := 0
	if label {
		v = 1
	}
	res, err := s.db.Exec(`
		UPDATE profile_embeddings
		SET label = ?, decided_by = ?, reason = ?, labeled_at = ?
		WHERE profile_id = ? AND label IS NULL`,
		v, decidedBy, reason, s.now().UTC(), profileID,
	)
	if err != nil {
		return fmt.Errorf("store label: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("profile %d has no unlabeled embedding", profileID)
	}
	return nil
}

// UnlabeledCandidates returns every embedded profile still awaiting a
// decision, oldest first (stable order for deterministic tie-breaks).
func (s *Store) UnlabeledCandidates() ([]Candidate, error) {
	rows, err := s.db.Query(`
		SELECT profile_id, public_id, embedding
		FROM profile_embeddings
		WHERE label IS NULL
		ORDER BY created_at ASC, profile_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("unlabeled candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var blob []byte
		if err := rows.Scan(&c.ProfileID, &c.PublicID, &blob); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if c.Embedding, err = decodeBlobToFloat32Slice(blob); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LabeledData returns all (embedding, label) pairs in labeling order,
// for warm starts and refits.
func (s *Store) LabeledData() ([][]float32, []int, error) {
	rows, err := s.db.Query(`
		SELECT embedding, label
		FROM profile_embeddings
		WHERE label IS NOT NULL
		ORDER BY labeled_at ASC, profile_id ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("labeled data: %w", err)
	}
	defer rows.Close()

	var X [][]float32
	var y []int
	for rows.Next() {
		var blob []byte
		var label int
		if err := rows.Scan(&blob, &label); err != nil {
			return nil, nil, fmt.Errorf("scan label: %w", err)
		}
		vec, err := decodeBlobToFloat32Slice(blob)
		if err != nil {
			return nil, nil, err
		}
		X = append(X, vec)
		y = append(y, label)
	}
	return X, y, rows.Err()
}

// CountLabels returns (positive, negative) label counts.
func (s *Store) CountLabels() (int, int, error) {
	rows, err := s.db.Query(`
		SELECT label, COUNT(*) FROM profile_embeddings
		WHERE label IS NOT NULL GROUP BY label`)
	if err != nil {
		return 0, 0, fmt.Errorf("count labels: %w", err)
	}
	defer rows.Close()

	var pos, neg int
	for rows.Next() {
		var label, count int
		if err := rows.Scan(&label, &count); err != nil {
			return 0, 0, err
		}
		if label == 1 {
			pos = count
		} else {
			neg = count
		}
	}
	return pos, neg, rows.Err()
}

// Embedding returns the stored embedding for a profile, or nil if absent.
func (s *Store) Embedding(publicID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow(
		"SELECT embedding FROM profile_embeddings WHERE public_id = ?", publicID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load embedding: %w", err)
	}
	return decodeBlobToFloat32Slice(blob)
}

// QualificationReason returns the stored decision reason for a labeled
// profile, or "" if the profile has no label yet.
func (s *Store) QualificationReason(publicID string) (string, error) {
	var reason sql.NullString
	err := s.db.QueryRow(`
		SELECT reason FROM profile_embeddings
		WHERE public_id = ? AND label IS NOT NULL`, publicID,
	).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load reason: %w", err)
	}
	return reason.String, nil
}

// =============================================================================
// SIMILARITY - sqlite-vec ANN when available, linear cosine scan otherwise
// =============================================================================

// SimilarMatch is one neighbor from a similarity query.
type SimilarMatch struct {
	PublicID   string
	Similarity float64
	Label      *int
}

func (s *Store) ensureVecTable(dim int) error {
	_, err := s.db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_profiles USING vec0(embedding float[%d])", dim))
	return err
}

func (s *Store) vecUpsert(profileID int64, embedding []float32) error {
	if err := s.ensureVecTable(len(embedding)); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO vec_profiles (rowid, embedding) VALUES (?, ?)",
		profileID, encodeFloat32SliceToBlob(embedding),
	)
	return err
}

// SimilarProfiles returns the labeled profiles nearest to the given public
// id's embedding, most similar first. Used by the explain command to show
// which past decisions anchor a prediction.
func (s *Store) SimilarProfiles(publicID string, topK int) ([]SimilarMatch, error) {
	query, err := s.Embedding(publicID)
	if err != nil {
		return nil, err
	}
	if query == nil {
		return nil, fmt.Errorf("no embedding for %s", publicID)
	}
	if topK <= 0 {
		topK = 5
	}

	if s.vectorExt {
		matches, err := s.similarViaVec(publicID, query, topK)
		if err == nil {
			return matches, nil
		}
		logging.Get(logging.CategoryStore).Warn("vec similarity failed, falling back to scan: %v", err)
	}
	return s.similarViaScan(publicID, query, topK)
}

func (s *Store) similarViaVec(publicID string, query []float32, topK int) ([]SimilarMatch, error) {
	// Over-fetch: vec_profiles holds unlabeled rows too.
	rows, err := s.db.Query(`
		SELECT pe.public_id, pe.label, vec_distance_cosine(v.embedding, ?) AS distance
		FROM vec_profiles v
		JOIN profile_embeddings pe ON pe.profile_id = v.rowid
		WHERE pe.label IS NOT NULL AND pe.public_id != ?
		ORDER BY distance ASC
		LIMIT ?`,
		encodeFloat32SliceToBlob(query), publicID, topK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarMatch
	for rows.Next() {
		var m SimilarMatch
		var label sql.NullInt64
		var distance float64
		if err := rows.Scan(&m.PublicID, &label, &distance); err != nil {
			return nil, err
		}
		if label.Valid {
			v := int(label.Int64)
			m.Label = &v
		}
		m.Similarity = 1 - distance
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) similarViaScan(publicID string, query []float32, topK int) ([]SimilarMatch, error) {
	rows, err := s.db.Query(`
		SELECT public_id, label, embedding FROM profile_embeddings
		WHERE label IS NOT NULL AND public_id != ?`, publicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarMatch
	for rows.Next() {
		var m SimilarMatch
		var label sql.NullInt64
		var blob []byte
		if err := rows.Scan(&m.PublicID, &label, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeBlobToFloat32Slice(blob)
		if err != nil {
			return nil, err
		}
		if label.Valid {
			v := int(label.Int64)
			m.Label = &v
		}
		m.Similarity = cosineSimilarity(query, vec)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Selection sort for small topK
	for i := 0; i < len(out) && i < topK; i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Similarity > out[i].Similarity {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
