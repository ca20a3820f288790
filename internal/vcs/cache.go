package vcs

import (
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultCacheSize bounds how many repositories an Opener keeps open.
const DefaultCacheSize = 16

// entry is a doubly linked list node holding an open repository.
type entry struct {
	path string
	repo *Repo
	prev *entry
	next *entry
}

// Opener opens repositories by path and keeps the most recently used ones
// cached. Lookup and eviction are O(1): a map finds the entry and a linked
// list orders entries from most to least recently used.
type Opener struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*entry
	head     *entry // most recently used (sentinel)
	tail     *entry // least recently used (sentinel)
	logger   zerolog.Logger
}

// NewOpener creates an Opener holding at most capacity repositories.
// Capacity below 1 uses DefaultCacheSize.
func NewOpener(capacity int, logger zerolog.Logger) *Opener {
	if capacity < 1 {
		capacity = DefaultCacheSize
	}
	head, tail := &entry{}, &entry{}
	head.next = tail
	tail.prev = head
	return &Opener{
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		head:     head,
		tail:     tail,
		logger:   logger,
	}
}

// Open returns the cached repository for path, opening it on a miss.
func (o *Opener) Open(path string) (*Repo, error) {
	key := filepath.Clean(path)

	o.mu.Lock()
	if e, ok := o.items[key]; ok {
		o.moveToFront(e)
		o.mu.Unlock()
		return e.repo, nil
	}
	o.mu.Unlock()

	repo, err := Open(key, o.logger)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// another caller may have opened it meanwhile
	if e, ok := o.items[key]; ok {
		o.moveToFront(e)
		return e.repo, nil
	}
	if len(o.items) >= o.capacity {
		victim := o.tail.prev
		o.remove(victim)
		delete(o.items, victim.path)
	}
	e := &entry{path: key, repo: repo}
	o.items[key] = e
	o.pushFront(e)
	return repo, nil
}

// Forget drops path from the cache so the next Open reads it from disk.
func (o *Opener) Forget(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.items[filepath.Clean(path)]
	if !ok {
		return false
	}
	o.remove(e)
	delete(o.items, e.path)
	return true
}

// Len returns the number of cached repositories.
func (o *Opener) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Paths returns cached paths from most to least recently used.
func (o *Opener) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	paths := make([]string, 0, len(o.items))
	for cur := o.head.next; cur != o.tail; cur = cur.next {
		paths = append(paths, cur.path)
	}
	return paths
}

func (o *Opener) pushFront(e *entry) {
	e.prev = o.head
	e.next = o.head.next
	o.head.next.prev = e
	o.head.next = e
}

func (o *Opener) remove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (o *Opener) moveToFront(e *entry) {
	o.remove(e)
	o.pushFront(e)
}
