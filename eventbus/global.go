package eventbus

import "sync"

var (
	globalMu  sync.Mutex
	globalBus *Bus
)

// Global returns the process-wide bus, creating it with defaults on first
// use.
func Global() *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBus == nil {
		globalBus, _ = New(DefaultConfig(), nil)
	}
	return globalBus
}

// SetGlobal installs a custom process-wide bus and returns the previous one.
func SetGlobal(b *Bus) *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	prev := globalBus
	globalBus = b
	return prev
}

// ResetGlobalForTests clears the singleton. Intended for tests.
func ResetGlobalForTests() {
	globalMu.Lock()
	if globalBus != nil {
		_ = globalBus.Stop(0)
	}
	globalBus = nil
	globalMu.Unlock()
}
