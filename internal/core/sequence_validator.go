package core

import (
	"fmt"

	"github.com/google/uuid"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-threaded deterministic core.
//
// Two regimes apply. Regular partitions (trades, chains, funding, keeper
// requests) are strict: the next sequence must be exactly expected, gaps and
// out-of-order deliveries are errors. Oracle price partitions are keyed by
// proposal and tolerate both: stale updates are silently ignored and gaps are
// accepted, since each price vector supersedes the previous one.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering on a strict partition.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed - expected on redelivery
			return nil
		}
		// Out-of-order delivery of a NEW event
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected - gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence validates oracle price updates for a proposal.
// Gaps are tolerated; stale sequences signal a no-op via the skip return.
func (sv *SequenceValidator) ValidatePriceSequence(
	proposalID uuid.UUID,
	priceSequence int64,
) (skip bool) {
	partition := pricePartition(proposalID)

	// Price partitions track the last applied sequence, not a strict
	// next-expected cursor: the latest vector always wins.
	lastSeen := sv.expectedNextSeq[partition]

	if priceSequence <= lastSeen {
		// Stale - ignore (idempotent)
		return true
	}

	if priceSequence > lastSeen+1 {
		// Gap - record but accept, the latest vector wins
		sv.metrics.RecordPriceGap(proposalID, lastSeen+1, priceSequence)
	}

	sv.expectedNextSeq[partition] = priceSequence

	return false
}

func pricePartition(proposalID uuid.UUID) string {
	return fmt.Sprintf("price:%s", proposalID)
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of every partition's next expected
// sequence (used when building snapshots)
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  map[uuid.UUID]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[uuid.UUID]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(proposalID uuid.UUID, expected, got int64) {
	m.priceGaps[proposalID]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(proposalID uuid.UUID) int64 {
	return m.priceGaps[proposalID]
}
