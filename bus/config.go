package bus

import (
	"github.com/nats-io/nats.go"

	"github.com/sourced-io/sourced/config"
)

// NewMemoryBusFromConfig builds a memory bus whose default receive and
// listen timeout comes from bus.default_timeout.
func NewMemoryBusFromConfig(cfg config.BusConfig) *MemoryBus {
	b := NewMemoryBus()
	b.defaultTimeout = cfg.TimeoutDuration()
	return b
}

// NewNatsBusFromConfig builds a NATS bus whose default receive and
// listen timeout comes from bus.default_timeout. Further options apply
// on top.
func NewNatsBusFromConfig(nc *nats.Conn, cfg config.BusConfig, opts ...NatsOption) *NatsBus {
	b := NewNatsBus(nc, opts...)
	b.defaultTimeout = cfg.TimeoutDuration()
	return b
}
