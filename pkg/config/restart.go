package config

import (
	"github.com/agentmesh/mesh/pkg/supervisor"
)

// BuildRestartStrategy constructs the supervisor.RestartStrategy named by
// r.Strategy, falling back to Backoff for an unrecognized name since it
// is the safest default: retries with a growing, capped delay beat
// either silent giving up or a tight respawn loop.
func (r RestartConfig) BuildRestartStrategy() supervisor.RestartStrategy {
	switch r.Strategy {
	case "immediate":
		return supervisor.Immediate{}
	case "never":
		return supervisor.Never{}
	case "max-failures":
		return &supervisor.MaxFailures{Count: r.MaxRetries, Window: r.MaxDelay}
	default:
		return &supervisor.Backoff{Initial: r.BaseDelay, Max: r.MaxDelay, Multiplier: 2}
	}
}
