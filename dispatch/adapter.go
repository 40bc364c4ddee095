package dispatch

import "context"

// LoopbackAdapter acknowledges every command and reports the requested
// value as the actual value. It serves deployments where the protocol
// gateway consumes the written point map directly, so the write-back is
// the device path.
type LoopbackAdapter struct{}

// Execute implements Adapter.
func (LoopbackAdapter) Execute(_ context.Context, _, _ int, value float64) (bool, float64, error) {
	return true, value, nil
}
