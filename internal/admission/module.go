package admission

import (
	"log/slog"

	"github.com/wirebeam/pushfabric/config"
	"github.com/wirebeam/pushfabric/infra/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("admission",
	fx.Provide(
		NewPolicyFromConfig,
	),
)

// NewPolicyFromConfig assembles the four limiter dimensions over one
// in-process store per dimension pair. With no shared store available,
// per-process capacity is reduced by Limits.PerProcessDivisor (fleet size)
// so the fleet-wide rate stays roughly what the config names.
func NewPolicyFromConfig(cfg *config.Config, m *metrics.Set, logger *slog.Logger) *Policy {
	divisor := cfg.Limits.PerProcessDivisor
	if divisor < 1 {
		divisor = 1
	}

	perProcess := func(capacity int) int {
		scaled := capacity / divisor
		if scaled < 1 {
			scaled = 1
		}
		return scaled
	}

	connCap := perProcess(cfg.Limits.ConnectCapacity)
	msgCap := perProcess(cfg.Limits.MessageCapacity)

	// Bucket entries idle past 2 x window are indistinguishable from fresh
	// buckets, hence the TTL.
	connStore := NewLocalStore(cfg.Limits.BucketCacheSize, 2*cfg.Limits.ConnectWindow)
	msgStore := NewLocalStore(cfg.Limits.BucketCacheSize, 2*cfg.Limits.MessageWindow)

	denial := WithDenialCounter(m.RateLimitDenials.Inc)

	return NewPolicy(
		NewLimiter(connStore, connCap, cfg.Limits.ConnectWindow, logger, denial),
		NewLimiter(connStore, connCap, cfg.Limits.ConnectWindow, logger, denial),
		NewLimiter(msgStore, msgCap, cfg.Limits.MessageWindow, logger, denial),
		NewLimiter(msgStore, msgCap, cfg.Limits.MessageWindow, logger, denial),
	)
}
