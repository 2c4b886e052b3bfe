package postproc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/annotate.pipeline/internal/config"
)

// Factory builds a Processor from one unit's configuration.
type Factory func(cfg *config.UnitConfig) (Processor, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a transform kind available under the name used in job
// configs. Transforms register themselves from init; registering the same
// name twice panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("postproc: transform %q registered twice", name))
	}
	registry[name] = f
}

// NewProcessor builds the named transform for one unit config.
func NewProcessor(kind string, cfg *config.UnitConfig) (Processor, error) {
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown postprocessing transform %q (have %v)", kind, Kinds())
	}
	return f(cfg)
}

// Kinds lists the registered transform names.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for name := range registry {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)
	return kinds
}
