package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"deadman/internal/domain"
)

// maxBatchHits bounds the number of hits accepted in one array payload.
const maxBatchHits = 1000

// decodeHitPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or an array of objects.
// Returns: validated hits or the first decode/validation error.
func decodeHitPayload(raw []byte) ([]domain.HitEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] != '[' {
		hit, err := domain.DecodeHit(trimmed)
		if err != nil {
			return nil, err
		}
		return []domain.HitEvent{hit}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode hit batch: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("hit batch is empty")
	}
	if len(items) > maxBatchHits {
		return nil, fmt.Errorf("hit batch has %d items, limit is %d", len(items), maxBatchHits)
	}
	hits := make([]domain.HitEvent, 0, len(items))
	for i, item := range items {
		hit, err := domain.DecodeHit(item)
		if err != nil {
			return nil, fmt.Errorf("hit %d: %w", i, err)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
