package runner

import (
	"context"
	"testing"
	"time"
)

func neverDone() <-chan struct{} { return make(chan struct{}) }

func TestAttachMintsRunID(t *testing.T) {
	g := newRunRegistry()
	id, err := g.attach(context.Background(), "", neverDone())
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("expected 32-char hex id, got %q", id)
	}
	if g.activeEntry() == nil || g.activeEntry().id != id {
		t.Fatal("minted run did not become active")
	}
}

func TestAttachFirstRunActivatesImmediately(t *testing.T) {
	g := newRunRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := g.attach(ctx, "run-a", neverDone())
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if id != "run-a" {
		t.Fatalf("expected echoed run id, got %q", id)
	}
}

func TestContinuationAttachDoesNotWait(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	// Same run id while active must return without waiting.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := g.attach(ctx, "run-a", neverDone()); err != nil {
		t.Fatalf("continuation attach blocked: %v", err)
	}
}

func TestAttachWaitsUntilAdvance(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	attached := make(chan string, 1)
	go func() {
		id, err := g.attach(context.Background(), "run-b", neverDone())
		if err != nil {
			return
		}
		attached <- id
	}()

	select {
	case <-attached:
		t.Fatal("second attach returned while another run was active")
	case <-time.After(100 * time.Millisecond):
	}

	g.advance()
	select {
	case id := <-attached:
		if id != "run-b" {
			t.Fatalf("unexpected run id: %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not activated by advance")
	}
	if g.activeEntry().id != "run-b" {
		t.Fatalf("expected run-b active, got %q", g.activeEntry().id)
	}
}

func TestAdvanceActivatesEarliestWaiter(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	first := make(chan struct{})
	second := make(chan struct{})
	go func() {
		_, _ = g.attach(context.Background(), "run-b", neverDone())
		close(first)
	}()
	// Wait for run-b to be queued before queueing run-c.
	waitForWaiters(t, g, 2)
	go func() {
		_, _ = g.attach(context.Background(), "run-c", neverDone())
		close(second)
	}()
	waitForWaiters(t, g, 3)

	g.advance()
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("earliest waiter was not activated first")
	}
	select {
	case <-second:
		t.Fatal("later waiter overtook the queue")
	case <-time.After(100 * time.Millisecond):
	}

	g.advance()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter was not activated")
	}
}

func TestResumeKeepsActiveRun(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	go func() { _, _ = g.attach(context.Background(), "run-b", neverDone()) }()
	waitForWaiters(t, g, 2)

	g.resume()
	if g.activeEntry() == nil || g.activeEntry().id != "run-a" {
		t.Fatal("resume must keep the current run active")
	}
	// Finishing the resumed run hands over to the waiter, not vice versa.
	g.advance()
	if g.activeEntry().id != "run-b" {
		t.Fatalf("expected run-b after advance, got %q", g.activeEntry().id)
	}
}

func TestAdvanceWithNoWaitersClearsActive(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	g.advance()
	if g.activeEntry() != nil {
		t.Fatal("expected no active run after advancing past the only run")
	}
	if g.pushActive(ResultRecord{Type: RecordStdout, Data: "x"}) {
		t.Fatal("expected pushActive to report a drop with no active run")
	}
}

func TestReattachAfterFinishStartsFreshRun(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	old := g.activeEntry()
	g.advance()

	// The finished run was removed, so the same id starts over with a
	// fresh queue rather than resuming the old one.
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("reattach failed: %v", err)
	}
	fresh := g.activeEntry()
	if fresh == nil || fresh.id != "run-a" {
		t.Fatal("expected reattached run to become active")
	}
	if fresh == old {
		t.Fatal("expected a fresh entry for the reused run id")
	}
}

func TestAttachAbortsOnDeadChannel(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := g.attach(context.Background(), "run-b", done)
		errCh <- err
	}()
	waitForWaiters(t, g, 2)

	close(done)
	select {
	case err := <-errCh:
		if err != ErrChannelClosed {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not abort on dead channel")
	}
}

func TestAttachAbortsOnContextCancel(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.attach(ctx, "run-b", neverDone())
		errCh <- err
	}()
	waitForWaiters(t, g, 2)

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not abort on cancel")
	}
}

func TestPushActiveDropsWhenQueueFull(t *testing.T) {
	g := newRunRegistry()
	if _, err := g.attach(context.Background(), "run-a", neverDone()); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	for i := 0; i < outputQueueCap; i++ {
		if !g.pushActive(ResultRecord{Type: RecordStdout, Data: "x"}) {
			t.Fatalf("push %d dropped before the queue was full", i)
		}
	}
	if g.pushActive(ResultRecord{Type: RecordStdout, Data: "overflow"}) {
		t.Fatal("expected overflow record to be dropped")
	}
}

func waitForWaiters(t *testing.T, g *runRegistry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		g.mu.Lock()
		queued := g.order.Len()
		g.mu.Unlock()
		if queued >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d queued runs, have %d", n, queued)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
