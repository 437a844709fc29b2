package agent

import (
	"sync"

	"github.com/pennsieve/agent/pkg/status"
)

// Kind identifies one worker of the agent runtime.
type Kind string

const (
	KindCollector  Kind = "collector"
	KindUploader   Kind = "uploader"
	KindWatcher    Kind = "watcher"
	KindHTTPProxy  Kind = "http_proxy"
	KindTimeseries Kind = "timeseries_proxy"
	KindStatusHub  Kind = "status_hub"
)

// Registry maps worker kinds to their event senders, so every worker
// can reach the status hub without holding a direct reference to it.
type Registry struct {
	mu      sync.RWMutex
	senders map[Kind]status.Publisher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[Kind]status.Publisher)}
}

// Register installs the event sender for a worker kind, replacing any
// previous one.
func (r *Registry) Register(kind Kind, sender status.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[kind] = sender
}

// Sender returns a publisher routing through the sender registered for
// kind. The indirection is resolved per event, so a sender registered
// after workers are built is still reached.
func (r *Registry) Sender(kind Kind) status.Publisher {
	return &registeredSender{registry: r, kind: kind}
}

func (r *Registry) lookup(kind Kind) status.Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.senders[kind]
}

type registeredSender struct {
	registry *Registry
	kind     Kind
}

func (s *registeredSender) Publish(ev status.Event) {
	if sender := s.registry.lookup(s.kind); sender != nil {
		sender.Publish(ev)
	}
}
