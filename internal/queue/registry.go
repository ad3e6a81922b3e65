package queue

import (
	"fmt"
	"sort"
	"time"
)

// Definition binds a queue name to its handler and execution defaults.
// Exactly one handler per queue; jobs of different queues never contend
// for the same handler.
type Definition struct {
	// Queue is the stable wire-level queue name.
	Queue string
	// Name is the job-name discriminator stamped on jobs of this queue.
	Name string
	// Handler executes every job of this queue.
	Handler Handler

	// Defaults applied by the dispatcher when EnqueueOptions leave them zero.
	AttemptsMax     int
	MaxReservations int
	Backoff         Backoff

	// Concurrency is the number of workers the pool runs for this queue.
	Concurrency int
	// Visibility is the lease duration for one reservation.
	Visibility time.Duration
}

// Registry is the static map of queue name to definition. It is populated
// during startup and read-only afterwards; no locking is needed once the
// worker pool and dispatcher are running.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def. Registering a queue name twice or a definition
// without a handler is a startup bug and returns an error.
func (r *Registry) Register(def Definition) error {
	if def.Queue == "" {
		return fmt.Errorf("register queue: empty queue name")
	}
	if def.Handler == nil {
		return fmt.Errorf("register queue %q: nil handler", def.Queue)
	}
	if _, dup := r.defs[def.Queue]; dup {
		return fmt.Errorf("register queue %q: already registered", def.Queue)
	}
	if def.Concurrency <= 0 {
		def.Concurrency = 1
	}
	r.defs[def.Queue] = def
	return nil
}

// MustRegister is Register for startup wiring where a failure is fatal.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for the queue name.
func (r *Registry) Lookup(queueName string) (Definition, bool) {
	def, ok := r.defs[queueName]
	return def, ok
}

// Queues returns all registered queue names, sorted for deterministic
// iteration in stats and worker startup.
func (r *Registry) Queues() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
