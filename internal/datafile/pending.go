package datafile

import "sync"

// PendingSet is an insertion-ordered set of data file paths written since
// they were last staged.
type PendingSet struct {
	mu    sync.Mutex
	order []string
	index map[string]struct{}
}

func NewPendingSet() *PendingSet {
	return &PendingSet{index: make(map[string]struct{})}
}

// Add records path. Adding a path that is already pending is a no-op.
func (p *PendingSet) Add(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[path]; ok {
		return
	}
	p.index[path] = struct{}{}
	p.order = append(p.order, path)
}

func (p *PendingSet) Remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[path]; !ok {
		return
	}
	delete(p.index, path)
	for i, s := range p.order {
		if s == path {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *PendingSet) Contains(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index[path]
	return ok
}

// Paths returns the pending paths in insertion order.
func (p *PendingSet) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
