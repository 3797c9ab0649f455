// File: reactor/default.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide default reactor, created lazily on first access.

package reactor

import "sync"

var (
	defaultMu       sync.Mutex
	defaultInstance *Reactor
)

// Default returns the shared reactor, creating it with default options on
// first use. Clients and servers fall back to it when no explicit reactor is
// injected.
func Default() (*Reactor, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultInstance == nil {
		r, err := New()
		if err != nil {
			return nil, err
		}
		defaultInstance = r
	}
	return defaultInstance, nil
}

// SetDefault replaces the shared reactor. Replacing it while clients or
// servers are still registered to the prior instance is unsafe; callers must
// ensure nothing is registered. The library does not enforce this.
func SetDefault(r *Reactor) {
	defaultMu.Lock()
	defaultInstance = r
	defaultMu.Unlock()
}
