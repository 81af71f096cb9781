package prompt

import (
	"fmt"

	"github.com/use-agent/chatrelay/models"
)

// Window is the contiguous slice of the full prompt list assigned to one run.
// Invariant: 0 <= Start <= End <= total prompt count.
type Window struct {
	BatchNumber  int
	TotalBatches int
	Start        int
	End          int // exclusive
	MaxPrompts   int
}

// Len returns the number of prompts in the window.
func (w Window) Len() int {
	return w.End - w.Start
}

// Partition computes the window for batchNumber out of totalBatches over n
// prompts. Every batch receives max(1, n/totalBatches) prompts and the last
// batch absorbs the remainder. The result is then capped to maxPrompts
// entries from Start; maxPrompts <= 0 disables the cap.
func Partition(n, totalBatches, batchNumber, maxPrompts int) (Window, error) {
	if n < 0 {
		return Window{}, fmt.Errorf("partition: negative prompt count %d", n)
	}
	if totalBatches < 1 {
		return Window{}, fmt.Errorf("partition: total batches must be >= 1, got %d", totalBatches)
	}
	if batchNumber < 1 || batchNumber > totalBatches {
		return Window{}, fmt.Errorf("partition: batch number %d outside [1, %d]", batchNumber, totalBatches)
	}

	perBatch := max(1, n/totalBatches)
	start := min(n, (batchNumber-1)*perBatch)

	end := n
	if batchNumber != totalBatches {
		end = min(n, start+perBatch)
	}
	if maxPrompts > 0 {
		end = min(end, start+maxPrompts)
	}

	return Window{
		BatchNumber:  batchNumber,
		TotalBatches: totalBatches,
		Start:        start,
		End:          end,
		MaxPrompts:   maxPrompts,
	}, nil
}

// Apply returns the prompts that fall inside the window.
func (w Window) Apply(all []models.Prompt) []models.Prompt {
	return all[w.Start:w.End]
}
