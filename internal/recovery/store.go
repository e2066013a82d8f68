package recovery

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Snapshot slots. One row per kind; saving overwrites the previous snapshot.
const (
	kindCall     = "call"
	kindMatching = "matching"
)

// CallSnapshot is the durable record of an active call. Written on every call
// state change so a restarted client can rejoin within the grace window.
type CallSnapshot struct {
	CallID          string `json:"callId"`
	PartnerID       string `json:"partnerId"`
	PartnerNickname string `json:"partnerNickname"`
	ChannelName     string `json:"channelName"`
	RTCToken        string `json:"rtcToken"`
	AgoraUID        string `json:"agoraUid"`
	Muted           bool   `json:"muted"`
	SavedAt         int64  `json:"savedAt"` // unix millis, set by Save
}

// MatchingSnapshot is the durable record of a pending match attempt.
type MatchingSnapshot struct {
	MatchingID string `json:"matchingId"`
	CategoryID int    `json:"categoryId"`
	StartedAt  int64  `json:"startedAt"` // unix millis, queue entry time
	SavedAt    int64  `json:"savedAt"`
}

// Store persists session snapshots in SQLite so they survive a process
// restart. Snapshots expire after the grace window: the server has already
// torn the session down by then, so restoring it would resurrect a dead call.
type Store struct {
	db    *sql.DB
	path  string
	grace time.Duration

	mu  sync.Mutex
	now func() time.Time // test hook
}

// Open opens or creates the recovery database in dir.
func Open(dir string, grace time.Duration) (*Store, error) {
	if grace <= 0 {
		return nil, fmt.Errorf("recovery: grace window must be > 0")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("recovery: create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "recovery.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("recovery: open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("recovery: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			kind     TEXT PRIMARY KEY,
			payload  TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("recovery: create snapshots table: %w", err)
	}

	return &Store{db: db, path: dbPath, grace: grace, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SaveCall persists snap. A snapshot without a call identity clears the slot
// instead: writing garbage would only poison the next restore.
func (s *Store) SaveCall(snap CallSnapshot) error {
	if snap.CallID == "" || snap.PartnerID == "" {
		log.Printf("RECOVERY: call snapshot missing identity (callId=%q partnerId=%q), clearing slot",
			snap.CallID, snap.PartnerID)
		return s.ClearCall()
	}
	return s.save(kindCall, &snap.SavedAt, &snap)
}

// RestoreCall returns the saved call snapshot, or nil when none exists or the
// saved one has outlived the grace window. Expired snapshots are deleted.
func (s *Store) RestoreCall() (*CallSnapshot, error) {
	var snap CallSnapshot
	ok, err := s.restore(kindCall, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// ClearCall removes the call snapshot. Idempotent.
func (s *Store) ClearCall() error {
	return s.clear(kindCall)
}

// SaveMatching persists snap. A snapshot without a matching id clears the
// slot instead.
func (s *Store) SaveMatching(snap MatchingSnapshot) error {
	if snap.MatchingID == "" {
		log.Printf("RECOVERY: matching snapshot missing matchingId, clearing slot")
		return s.ClearMatching()
	}
	return s.save(kindMatching, &snap.SavedAt, &snap)
}

// RestoreMatching returns the saved matching snapshot, or nil when none
// exists or the saved one has outlived the grace window.
func (s *Store) RestoreMatching() (*MatchingSnapshot, error) {
	var snap MatchingSnapshot
	ok, err := s.restore(kindMatching, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// ClearMatching removes the matching snapshot. Idempotent.
func (s *Store) ClearMatching() error {
	return s.clear(kindMatching)
}

// save stamps savedAt, marshals payload, and upserts the slot.
func (s *Store) save(kind string, savedAt *int64, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	*savedAt = now

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("recovery: encode %s snapshot: %w", kind, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshots (kind, payload, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at
	`, kind, string(b), now)
	if err != nil {
		return fmt.Errorf("recovery: save %s snapshot: %w", kind, err)
	}
	return nil
}

// restore loads the slot into out. Returns false when the slot is empty or
// expired; expired rows are deleted on the way out.
func (s *Store) restore(kind string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload string
	var savedAt int64
	err := s.db.QueryRow(`SELECT payload, saved_at FROM snapshots WHERE kind = ?`, kind).
		Scan(&payload, &savedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recovery: load %s snapshot: %w", kind, err)
	}

	age := s.now().Sub(time.UnixMilli(savedAt))
	if age >= s.grace {
		log.Printf("RECOVERY: %s snapshot expired (age %s >= grace %s), discarding", kind, age.Round(time.Second), s.grace)
		if _, err := s.db.Exec(`DELETE FROM snapshots WHERE kind = ?`, kind); err != nil {
			return false, fmt.Errorf("recovery: discard expired %s snapshot: %w", kind, err)
		}
		return false, nil
	}

	if err := json.Unmarshal([]byte(payload), out); err != nil {
		// A corrupt row is unrecoverable; drop it so it can't wedge startup.
		log.Printf("RECOVERY: %s snapshot corrupt, discarding: %v", kind, err)
		s.db.Exec(`DELETE FROM snapshots WHERE kind = ?`, kind)
		return false, nil
	}
	return true, nil
}

func (s *Store) clear(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM snapshots WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("recovery: clear %s snapshot: %w", kind, err)
	}
	return nil
}
