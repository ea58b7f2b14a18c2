package pipeline

import (
	"math"
	"math/rand"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
)

// RetryDelay computes the wait before retry attempt n (1-based first
// failure): min(max_delay, base * 2^(attempt-1)) scaled by ±jitter to avoid
// thundering herds.
func RetryDelay(p domain.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay)
	delay := base * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
		delay = max
	}
	if p.JitterRatio > 0 {
		delay *= 1 + (rand.Float64()*2-1)*p.JitterRatio
	}
	return time.Duration(delay)
}
