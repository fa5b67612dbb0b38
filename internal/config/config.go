// Package config loads runtime tunables that spec.md leaves
// implementation-defined: retransmit timing, buffer sizes, and the
// optional metrics listen address. There is no persisted state — the
// tunnel server starts fresh every run.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Runtime holds the server's tunable parameters, loaded from
// UDPTUNNEL_-prefixed environment variables. CLI flags take precedence
// over these values where the CLI exposes an equivalent.
type Runtime struct {
	// RetransmitTimeout is how long a pending DATA frame waits for its
	// ACK before being resent. spec.md §4.2: "≈ 500 ms".
	RetransmitTimeout time.Duration `env:"RETRANSMIT_TIMEOUT,default=500ms"`
	// MaxRetries is how many retransmissions are attempted before a
	// client is torn down. spec.md §4.2: "≥ 3".
	MaxRetries int `env:"MAX_RETRIES,default=3"`
	// TickInterval is the period of the retransmission/liveness sweep.
	// spec.md §4.5: "≤ RETRANSMIT_TIMEOUT / 2".
	TickInterval time.Duration `env:"TICK_INTERVAL,default=200ms"`
	// ReadinessTimeout bounds each UDP read-deadline cycle so the reader
	// goroutine notices shutdown promptly. spec.md §4.5: "≤ 50 ms".
	ReadinessTimeout time.Duration `env:"READINESS_TIMEOUT,default=50ms"`
	// DialTimeout bounds the TCP connect attempted after HELLOACK.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT,default=3s"`
	// EventChannelSize is the buffer depth of the fan-in channel feeding
	// the dispatch goroutine.
	EventChannelSize int `env:"EVENT_CHANNEL_SIZE,default=256"`
	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables the metrics server.
	MetricsAddr string `env:"METRICS_ADDR,default="`
}

// Load reads a Runtime from the environment, applying the defaults above
// to anything unset.
func Load(ctx context.Context) (Runtime, error) {
	var rt Runtime
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &rt,
		Lookuper: envconfig.PrefixLookuper("UDPTUNNEL_", envconfig.OsLookuper()),
	})
	return rt, err
}
