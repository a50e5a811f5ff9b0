package rpc

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork delivers messages between processes of the same program.
// A stopped or unknown process is unreachable.
type MemoryNetwork struct {
	mut         sync.RWMutex
	dispatchers map[string]Dispatcher
	stopped     map[string]struct{}
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		dispatchers: map[string]Dispatcher{},
		stopped:     map[string]struct{}{},
	}
}

func (n *MemoryNetwork) Register(id string, d Dispatcher) {
	n.mut.Lock()
	defer n.mut.Unlock()

	n.dispatchers[id] = d
	delete(n.stopped, id)
}

// Stop makes the process unreachable from now on
func (n *MemoryNetwork) Stop(id string) {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.stopped[id] = struct{}{}
}

func (n *MemoryNetwork) IsStopped(id string) bool {
	n.mut.RLock()
	defer n.mut.RUnlock()
	_, ok := n.stopped[id]
	return ok
}

func (n *MemoryNetwork) Call(ctx context.Context, to string, input []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mut.RLock()
	d, ok := n.dispatchers[to]
	_, stopped := n.stopped[to]
	n.mut.RUnlock()

	if !ok || stopped {
		return nil, fmt.Errorf("process '%s': %w", to, ErrUnreachable)
	}
	return d.Handle(ctx, input)
}
