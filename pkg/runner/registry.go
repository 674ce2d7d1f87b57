package runner

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// outputQueueCap bounds each run's output queue. A kernel that outruns its
// consumer by more than this gets records dropped rather than stalling the
// demultiplexer.
const outputQueueCap = 4096

// runEntry is one run's slot in the registry: its output queue plus the
// signal its waiting attacher blocks on. The activation channel is closed
// exactly once, when the run takes ownership of the output stream.
type runEntry struct {
	id        string
	queue     chan ResultRecord
	activated chan struct{}
	isActive  bool
}

func (e *runEntry) activate() {
	if !e.isActive {
		e.isActive = true
		close(e.activated)
	}
}

// runRegistry arbitrates which run currently owns the kernel's output
// stream. Entries wait in FIFO order; the active entry stays registered so
// a suspended run (waiting for input, or between build and exec phases)
// can be resumed ahead of the queue.
type runRegistry struct {
	mu     sync.Mutex
	order  *list.List // of *runEntry, front = next to activate
	byID   map[string]*list.Element
	active *runEntry
}

func newRunRegistry() *runRegistry {
	return &runRegistry{
		order: list.New(),
		byID:  make(map[string]*list.Element),
	}
}

// mintRunID generates a fresh 16-byte hex run identifier.
func mintRunID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("runner: mint run id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// attach registers runID (minting one if empty) and blocks until that run
// owns the output stream. Continuations of the already-active run return
// immediately. done aborts the wait when the kernel channel dies.
func (g *runRegistry) attach(ctx context.Context, runID string, done <-chan struct{}) (string, error) {
	g.mu.Lock()
	if runID == "" {
		id, err := mintRunID()
		if err != nil {
			g.mu.Unlock()
			return "", err
		}
		runID = id
	}
	var entry *runEntry
	if elem, ok := g.byID[runID]; ok {
		entry = elem.Value.(*runEntry)
	} else {
		entry = &runEntry{
			id:        runID,
			queue:     make(chan ResultRecord, outputQueueCap),
			activated: make(chan struct{}),
		}
		g.byID[runID] = g.order.PushBack(entry)
	}
	if g.active == nil {
		g.active = entry
		entry.activate()
	}
	if g.active == entry {
		g.mu.Unlock()
		return runID, nil
	}
	g.mu.Unlock()

	select {
	case <-entry.activated:
		return runID, nil
	case <-done:
		return "", ErrChannelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resume concludes a poll whose run should continue: the active run keeps
// the output stream and moves to the front so nothing overtakes it.
func (g *runRegistry) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return
	}
	if elem, ok := g.byID[g.active.id]; ok {
		g.order.MoveToFront(elem)
	}
}

// advance concludes a finished run: its entry is removed and the earliest
// waiter, if any, takes ownership of the output stream.
func (g *runRegistry) advance() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return
	}
	if elem, ok := g.byID[g.active.id]; ok {
		g.order.Remove(elem)
		delete(g.byID, g.active.id)
	}
	g.active = nil
	if front := g.order.Front(); front != nil {
		g.active = front.Value.(*runEntry)
		g.active.activate()
	}
}

// activeEntry returns the run that currently owns the output stream, or nil.
func (g *runRegistry) activeEntry() *runEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// pushActive offers a record to the active run's queue. Records arriving
// with no active run, or against a full queue, are dropped.
func (g *runRegistry) pushActive(rec ResultRecord) bool {
	entry := g.activeEntry()
	if entry == nil {
		return false
	}
	select {
	case entry.queue <- rec:
		return true
	default:
		return false
	}
}
