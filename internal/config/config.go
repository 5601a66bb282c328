/*
Package config is the coordinator's admin surface: the MBean getters and
setters spec.md §6 lists (hintedHandoffEnabled, maxHintWindow,
maxHintsInProgress, per-verb RPC timeouts, CAS contention timeout, truncate
timeout, native-transport concurrency caps). Per spec.md §9 "replacing
reflective/dynamic MBean registration", this is a fixed, versioned struct
behind a single writer lock rather than a runtime-discovered JMX registry.
*/
package config

import (
	"sync"
	"time"

	"github.com/chaordic/cassandra/internal/topology"
)

// Timeouts holds the per-verb RPC deadlines spec.md §5 requires every
// await to derive its deadline from.
type Timeouts struct {
	Read          time.Duration
	Write         time.Duration
	CounterWrite  time.Duration
	CASContention time.Duration
	Range         time.Duration
	Truncate      time.Duration
}

// DefaultTimeouts mirrors the teacher's consensus package constants
// (src/consensus/scope.go PREPARE_TIMEOUT et al.), scaled up from that
// package's test-friendly 500ms to values suited to live traffic.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Read:          5 * time.Second,
		Write:         2 * time.Second,
		CounterWrite:  5 * time.Second,
		CASContention: 10 * time.Second,
		Range:         10 * time.Second,
		Truncate:      60 * time.Second,
	}
}

// AdminConfig is the live, mutable tuning surface. All fields are read
// through accessor methods so every mutation passes through the single
// writer lock (mu), the way spec.md §9 asks a "CoordinatorContext" to.
type AdminConfig struct {
	mu sync.RWMutex

	hintedHandoffEnabled bool
	maxHintWindow        time.Duration
	maxHintsInProgress   int64
	disabledHintDCs      map[topology.DatacenterID]struct{}

	timeouts Timeouts

	nativeTransportMaxConcurrentRequests int
}

// New builds an AdminConfig with the conservative defaults a freshly
// started coordinator should run with.
func New() *AdminConfig {
	return &AdminConfig{
		hintedHandoffEnabled:                  true,
		maxHintWindow:                         3 * time.Hour,
		maxHintsInProgress:                    128 * 1024,
		disabledHintDCs:                       make(map[topology.DatacenterID]struct{}),
		timeouts:                              DefaultTimeouts(),
		nativeTransportMaxConcurrentRequests:  1024,
	}
}

func (c *AdminConfig) HintedHandoffEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hintedHandoffEnabled
}

func (c *AdminConfig) SetHintedHandoffEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hintedHandoffEnabled = enabled
}

func (c *AdminConfig) MaxHintWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxHintWindow
}

func (c *AdminConfig) SetMaxHintWindow(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxHintWindow = d
}

func (c *AdminConfig) MaxHintsInProgress() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxHintsInProgress
}

func (c *AdminConfig) SetMaxHintsInProgress(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxHintsInProgress = n
}

// DisabledHintDCs returns the set of datacenters hinted handoff is
// disabled for.
func (c *AdminConfig) DisabledHintDCs() map[topology.DatacenterID]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[topology.DatacenterID]struct{}, len(c.disabledHintDCs))
	for dc := range c.disabledHintDCs {
		out[dc] = struct{}{}
	}
	return out
}

func (c *AdminConfig) SetDisabledHintDCs(dcs []topology.DatacenterID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabledHintDCs = make(map[topology.DatacenterID]struct{}, len(dcs))
	for _, dc := range dcs {
		c.disabledHintDCs[dc] = struct{}{}
	}
}

func (c *AdminConfig) IsHintDisabledForDC(dc topology.DatacenterID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, disabled := c.disabledHintDCs[dc]
	return disabled
}

func (c *AdminConfig) Timeouts() Timeouts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeouts
}

func (c *AdminConfig) SetTimeouts(t Timeouts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts = t
}

func (c *AdminConfig) NativeTransportMaxConcurrentRequests() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nativeTransportMaxConcurrentRequests
}

func (c *AdminConfig) SetNativeTransportMaxConcurrentRequests(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nativeTransportMaxConcurrentRequests = n
}
