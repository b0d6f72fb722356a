package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"VerseBet/internal/core"
	"VerseBet/internal/state"
	"VerseBet/internal/vault"
)

// SnapshotManager stores and loads full engine snapshots. On warm
// restart the latest verified snapshot loads first, then the event log
// replays from snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized engine state at a point in time.
// Balances are keyed by account path; vault.ParseAccountPath rebuilds
// the struct keys on restore.
type SnapshotData struct {
	Sequence        int64                         `json:"sequence"`
	StateHash       []byte                        `json:"state_hash"`
	Balances        map[string]int64              `json:"balances"`
	Token           *state.MMTVault               `json:"token,omitempty"`
	Proposals       []*state.Proposal             `json:"proposals,omitempty"`
	Positions       []*state.Position             `json:"positions,omitempty"`
	Chains          []*state.ChainPosition        `json:"chains,omitempty"`
	BorrowIndexes   map[string]*state.BorrowIndex `json:"borrow_indexes,omitempty"`
	BorrowEpochs    map[string]int64              `json:"borrow_epochs,omitempty"`
	SequenceState   map[string]int64              `json:"sequence_state,omitempty"`
	IdempotencyKeys []string                      `json:"idempotency_keys,omitempty"`
	CreatedAt       time.Time                     `json:"created_at"`
}

// FromEngineState converts the engine's in-memory snapshot to the
// storable form.
func FromEngineState(snap *core.SnapshotState) *SnapshotData {
	data := &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       append([]byte(nil), snap.StateHash[:]...),
		Balances:        make(map[string]int64, len(snap.Balances)),
		Token:           snap.Token,
		Proposals:       snap.Proposals,
		Positions:       snap.Positions,
		Chains:          snap.Chains,
		BorrowIndexes:   snap.BorrowIndexes,
		BorrowEpochs:    snap.BorrowEpochs,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	for key, balance := range snap.Balances {
		data.Balances[key.AccountPath()] = balance
	}
	return data
}

// ToEngineState converts a stored snapshot back to the engine form.
func (d *SnapshotData) ToEngineState() (*core.SnapshotState, error) {
	snap := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[vault.AccountKey]int64, len(d.Balances)),
		Token:           d.Token,
		Proposals:       d.Proposals,
		Positions:       d.Positions,
		Chains:          d.Chains,
		BorrowIndexes:   d.BorrowIndexes,
		BorrowEpochs:    d.BorrowEpochs,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(snap.StateHash[:], d.StateHash)
	for path, balance := range d.Balances {
		key, err := vault.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		snap.Balances[key] = balance
	}
	return snap, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Re-saving the same sequence
// overwrites the stored blob.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, 1, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.StateHash, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on
// a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads a page of events for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, proposal_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.ProposalID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or
// zero when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
