package store

import (
	"database/sql"
	"errors"
	"fmt"

	"prospectd/internal/logging"
)

// AddKeywords inserts search keywords into the queue. Duplicates are
// silently ignored so oracle refills can overlap previous batches.
// Returns the number of keywords actually added.
func (s *Store) AddKeywords(keywords []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin keyword insert: %w", err)
	}
	defer tx.Rollback()

	added := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		res, err := tx.Exec("INSERT OR IGNORE INTO search_keywords (keyword) VALUES (?)", kw)
		if err != nil {
			return 0, fmt.Errorf("insert keyword %q: %w", kw, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit keyword insert: %w", err)
	}
	logging.Store("Added %d/%d keywords to search queue", added, len(keywords))
	return added, nil
}

// NextKeyword pops the oldest unused keyword without marking it used.
// Returns "" when the queue is drained.
func (s *Store) NextKeyword() (string, error) {
	var kw string
	err := s.db.QueryRow(`
		SELECT keyword FROM search_keywords
		WHERE used = 0
		ORDER BY id ASC
		LIMIT 1`).Scan(&kw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("next keyword: %w", err)
	}
	return kw, nil
}

// MarkKeywordUsed records that a keyword's search was completed. A keyword
// is consumed only after its search ran, so a crash mid-search replays it.
func (s *Store) MarkKeywordUsed(keyword string) error {
	res, err := s.db.Exec(
		"UPDATE search_keywords SET used = 1, used_at = ? WHERE keyword = ? AND used = 0",
		s.now().UTC(), keyword,
	)
	if err != nil {
		return fmt.Errorf("mark keyword used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("keyword %q not pending", keyword)
	}
	return nil
}

// UsedKeywords returns every keyword ever enqueued, for oracle exclusion
// when generating a fresh batch.
func (s *Store) UsedKeywords() ([]string, error) {
	rows, err := s.db.Query("SELECT keyword FROM search_keywords ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("used keywords: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, err
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

// PendingKeywords returns the queued keywords not yet searched, oldest
// first.
func (s *Store) PendingKeywords() ([]string, error) {
	rows, err := s.db.Query("SELECT keyword FROM search_keywords WHERE used = 0 ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("pending keywords: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, err
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

// UnusedKeywordCount reports how many keywords remain in the queue.
func (s *Store) UnusedKeywordCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM search_keywords WHERE used = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("unused keyword count: %w", err)
	}
	return n, nil
}
