package creditgate

import "fmt"

// EstimateCost returns the credit charged for generating count assets with m.
// A zero count means one asset.
func EstimateCost(m ModelConfig, count int) (int64, error) {
	if count == 0 {
		count = 1
	}
	if count < 0 || (m.MaxCount > 0 && count > m.MaxCount) {
		return 0, fmt.Errorf("%w: count %d out of range for %s", ErrInvalidParams, count, m.Model)
	}
	return m.Cost * int64(count), nil
}
