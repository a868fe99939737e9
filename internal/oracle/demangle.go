package oracle

import (
	"sync"

	"github.com/ianlancetaylor/demangle"
)

var demangled = struct {
	mu    sync.RWMutex
	names map[string]string
}{names: make(map[string]string)}

// Demangle returns the readable form of a C++ or Rust symbol and leaves
// plain C names untouched.
func Demangle(name string) string {
	demangled.mu.RLock()
	out, ok := demangled.names[name]
	demangled.mu.RUnlock()
	if ok {
		return out
	}
	out = demangle.Filter(name, demangle.NoClones)
	demangled.mu.Lock()
	demangled.names[name] = out
	demangled.mu.Unlock()
	return out
}
