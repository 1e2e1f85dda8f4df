// protocol/registry.go
package protocol

import (
	"sync"

	"github.com/AsherValentini/MiLO-Middleware/errcode"
)

// Builder creates a fresh Protocol value.
type Builder func() Protocol

var (
	regMu    sync.Mutex
	builders = map[string]Builder{}
)

// Register maps a protocol name to its builder. Returns false on a
// duplicate name.
func Register(name string, b Builder) bool {
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := builders[name]; exists {
		return false
	}
	builders[name] = b
	return true
}

// Create instantiates the named protocol.
func Create(name string) (Protocol, error) {
	regMu.Lock()
	b, ok := builders[name]
	regMu.Unlock()
	if !ok {
		return Protocol{}, &errcode.E{C: errcode.UnknownProtocol, Op: "protocol.create", Msg: name}
	}
	return b(), nil
}

// Registered reports whether name has a builder.
func Registered(name string) bool {
	regMu.Lock()
	defer regMu.Unlock()
	_, ok := builders[name]
	return ok
}
