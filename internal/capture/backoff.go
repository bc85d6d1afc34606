package capture

import "math"

// BackoffMeta carries the restart delay computation for observability.
type BackoffMeta struct {
	BaseDelayMs     int64 `json:"baseDelayMs"`
	MinDelayMs      int64 `json:"minDelayMs"`
	MaxDelayMs      int64 `json:"maxDelayMs"`
	MinJitterMs     int64 `json:"minJitterMs"`
	MaxJitterMs     int64 `json:"maxJitterMs"`
	AppliedJitterMs int64 `json:"appliedJitterMs"`
}

// computeBackoff derives the restart delay for a 1-indexed attempt. The
// base doubles per attempt up to maxDelayMs. Attempt 1 only jitters
// upward; later attempts jitter symmetrically. The final delay is clamped
// into [delayMs, maxDelayMs]. rng must return values in [0, 1).
func computeBackoff(attempt int, delayMs, maxDelayMs int64, jitterFactor float64, rng func() float64) (int64, BackoffMeta) {
	if attempt < 1 {
		attempt = 1
	}

	base := delayMs
	// Cap the exponent so the shift cannot overflow for pathological
	// attempt counts.
	exponent := attempt - 1
	if exponent > 30 {
		exponent = 30
	}
	base = delayMs * (1 << exponent)
	if base > maxDelayMs || base <= 0 {
		base = maxDelayMs
	}

	span := int64(math.Round(float64(base) * jitterFactor))
	minJitter := -span
	if attempt == 1 {
		minJitter = 0
	}
	maxJitter := span

	applied := minJitter
	if maxJitter > minJitter {
		applied = minJitter + int64(math.Floor(rng()*float64(maxJitter-minJitter+1)))
		if applied > maxJitter {
			applied = maxJitter
		}
	}

	total := base + applied
	if total < delayMs {
		total = delayMs
	}
	if total > maxDelayMs {
		total = maxDelayMs
	}

	return total, BackoffMeta{
		BaseDelayMs:     base,
		MinDelayMs:      delayMs,
		MaxDelayMs:      maxDelayMs,
		MinJitterMs:     minJitter,
		MaxJitterMs:     maxJitter,
		AppliedJitterMs: applied,
	}
}
