package lifecycle

import (
	"sort"
	"sync"

	"github.com/farmchainx/farmchainx-core/repository"
	"github.com/farmchainx/farmchainx-core/repository/models"
)

// HarvestFailure describes one batch the daily run could not advance.
type HarvestFailure struct {
	BatchID string `json:"batchId"`
	Reason  string `json:"reason"`
}

// HarvestResult aggregates a daily harvest run. The run is best effort:
// individual batch failures are collected, never fatal to the whole run.
type HarvestResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    []HarvestFailure `json:"failed"`
}

// EligibleHarvestBatches snapshots the ids of a farmer's batches currently
// ready for harvest.
func (e *Engine) EligibleHarvestBatches(farmerID string) ([]string, *repository.RepositoryError) {
	return e.repo.ListBatchIDsByFarmerAndStatus(farmerID, models.StatusReadyForHarvest)
}

// HarvestBatches advances each listed batch to HARVESTED independently and in
// parallel, each under its own batch lock. A batch that moved on concurrently
// (merged away, already harvested) simply lands in the failure list.
func (e *Engine) HarvestBatches(farmerID string, batchIDs []string) *HarvestResult {
	result := &HarvestResult{Failed: []HarvestFailure{}}

	var mu sync.Mutex
	var wg sync.WaitGroup
	actor := Actor{ID: farmerID, Role: "FARMER"}

	for _, batchID := range batchIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, repoErr := e.UpdateStatus(id, models.StatusHarvested, actor)

			mu.Lock()
			defer mu.Unlock()
			if repoErr != nil {
				result.Failed = append(result.Failed, HarvestFailure{BatchID: id, Reason: repoErr.Code})
				return
			}
			result.Succeeded++
		}(batchID)
	}
	wg.Wait()

	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].BatchID < result.Failed[j].BatchID
	})
	return result
}

// ProcessDailyHarvest runs the daily bulk harvest for a farmer.
func (e *Engine) ProcessDailyHarvest(farmerID string) (*HarvestResult, *repository.RepositoryError) {
	batchIDs, repoErr := e.EligibleHarvestBatches(farmerID)
	if repoErr != nil {
		return nil, repoErr
	}
	return e.HarvestBatches(farmerID, batchIDs), nil
}
