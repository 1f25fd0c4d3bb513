// Package trace reconstructs full provenance chains for the public
// traceability view.
package trace

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/farmchainx/farmchainx-core/repository"
)

// Entry is one trace event annotated with the physical batch it belongs to.
type Entry struct {
	BatchID      string          `json:"batchId"`
	EventID      string          `json:"eventId"`
	Seq          int64           `json:"seq"`
	EventType    string          `json:"eventType"`
	ActorID      string          `json:"actorId"`
	ActorRole    string          `json:"actorRole"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AnchorTxHash *string         `json:"anchorTxHash,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Result is the full trace for a batch: its own events merged with every
// ancestor's, timestamp ordered, plus the summary fields the trace viewer
// displays.
type Result struct {
	BatchID       string  `json:"batchId"`
	FarmerID      string  `json:"farmerId"`
	CropType      string  `json:"cropType"`
	DistributorID *string `json:"distributorId"`
	Traces        []Entry `json:"traces"`
}

// Service answers traceability queries against the batch store. Queries take
// no locks and read a recent-consistent snapshot.
type Service struct {
	repo *repository.Repository
}

func NewService(repo *repository.Repository) *Service {
	return &Service{repo: repo}
}

// GetTrace returns the ordered provenance chain for a batch: the batch's own
// event sequence plus, recursively, the sequences of every ancestor reachable
// via parent pointers. Lineage only points backward in creation order, so the
// walk cannot cycle.
func (s *Service) GetTrace(batchID string) (*Result, *repository.RepositoryError) {
	batch, repoErr := s.repo.GetBatch(batchID)
	if repoErr != nil {
		return nil, repoErr
	}

	visited := map[string]bool{}
	var entries []Entry

	pending := []string{batch.ID}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		current, repoErr := s.repo.GetBatch(id)
		if repoErr != nil {
			if repoErr.Code == repository.ErrCodeNotFound {
				// Dangling parent pointer; skip rather than fail the
				// whole chain.
				continue
			}
			return nil, repoErr
		}

		events, repoErr := s.repo.ListTraceEvents(id)
		if repoErr != nil {
			return nil, repoErr
		}
		for _, e := range events {
			entry := Entry{
				BatchID:      e.BatchID,
				EventID:      e.ID,
				Seq:          e.Seq,
				EventType:    e.EventType,
				ActorID:      e.ActorID,
				ActorRole:    e.ActorRole,
				AnchorTxHash: e.AnchorTxHash,
				Timestamp:    e.CreatedAt,
			}
			if e.Payload != "" {
				entry.Payload = json.RawMessage(e.Payload)
			}
			entries = append(entries, entry)
		}

		pending = append(pending, current.ParentBatchIDs()...)
	}

	// Timestamp ascending for display; (batchId, seq) breaks ties so the
	// order is stable when events share a timestamp.
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		if entries[i].BatchID != entries[j].BatchID {
			return entries[i].BatchID < entries[j].BatchID
		}
		return entries[i].Seq < entries[j].Seq
	})

	return &Result{
		BatchID:       batch.ID,
		FarmerID:      batch.FarmerID,
		CropType:      batch.CropType,
		DistributorID: batch.DistributorID,
		Traces:        entries,
	}, nil
}
