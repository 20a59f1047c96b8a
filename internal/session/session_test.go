package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/pool"
	"github.com/botloader/guildscheduler/internal/store"
	"github.com/botloader/guildscheduler/internal/wire"
)

// fakeWorker is an in-memory pool.Transport standing in for a worker
// process: writes land in `written` for assertions, reads are served
// from `toRead` so a test can script the worker's replies.
type fakeWorker struct {
	mu      sync.Mutex
	written []wire.Frame
	toRead  chan wire.Frame
	closed  bool

	// active/maxActive track how many goroutines are concurrently blocked
	// inside ReadFrame, to catch a reclaimed connection being read by two
	// readLoop goroutines at once.
	active    int
	maxActive int
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{toRead: make(chan wire.Frame, 16)}
}

func (f *fakeWorker) WriteFrame(fr wire.Frame) error {
	f.mu.Lock()
	f.written = append(f.written, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeWorker) ReadFrame() (wire.Frame, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	fr, ok := <-f.toRead

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if !ok {
		return wire.Frame{}, context.Canceled
	}
	return fr, nil
}

func (f *fakeWorker) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWorker) lastWritten() wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[len(f.written)-1]
}

// fakeListener records the session's Listener callbacks.
type fakeListener struct {
	mu            sync.Mutex
	noScripts     int
	started       int
	suspended     []model.SuspensionReason
	commandsDelta int
}

func (l *fakeListener) NoScripts(model.GuildID) {
	l.mu.Lock()
	l.noScripts++
	l.mu.Unlock()
}
func (l *fakeListener) ScriptsStarted(model.GuildID, []model.IntervalTimerContrib, []model.BucketRef, []string) {
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
}
func (l *fakeListener) CommandsChanged(model.GuildID, []string, []string) {
	l.mu.Lock()
	l.commandsDelta++
	l.mu.Unlock()
}
func (l *fakeListener) SuspendGuild(guild model.GuildID, reason model.SuspensionReason) {
	l.mu.Lock()
	l.suspended = append(l.suspended, reason)
	l.mu.Unlock()
}

func newTestSession(t *testing.T, scripts []model.Script) (*Session, *fakeWorker, *fakeListener, *pool.Pool) {
	t.Helper()
	guild := model.GuildID(1)

	db := store.NewMemoryStore()
	db.SeedScripts(guild, scripts)

	fw := newFakeWorker()
	p, err := pool.New(zerolog.Nop(), func(tier int, id uint64) (pool.Transport, error) {
		return fw, nil
	}, []pool.TierConfig{{MinPremium: model.TierFree, Size: 1}})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	listener := &fakeListener{}
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 200 * time.Millisecond
	s := New(guild, NewTierCell(model.TierFree), db, p, listener, nil, nil, zerolog.Nop(), cfg)
	return s, fw, listener, p
}

func TestStartWithNoScriptsNotifies(t *testing.T) {
	s, _, listener, _ := newTestSession(t, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if listener.noScripts != 1 {
		t.Fatalf("expected one NoScripts callback, got %d", listener.noScripts)
	}
}

func TestStartClaimsWorkerAndSendsCreateScriptsVm(t *testing.T) {
	s, fw, _, _ := newTestSession(t, []model.Script{{ID: 1, Enabled: true}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	frame := fw.lastWritten()
	if frame.Kind != wire.KindCreateScriptsVm {
		t.Fatalf("expected CreateScriptsVm frame, got kind %d", frame.Kind)
	}
	var msg wire.CreateScriptsVm
	if err := wire.Unmarshal(frame.Payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.SessionID != 1 {
		t.Fatalf("expected the first session id to be 1, got %d", msg.SessionID)
	}
}

func TestDispatchAndAckResolvesWait(t *testing.T) {
	s, fw, _, _ := newTestSession(t, []model.Script{{ID: 1, Enabled: true}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.DispatchAndWait(context.Background(), "custom_event", nil, "test", 0)
	}()

	// Find the dispatch frame's seq and ack it, as the worker would.
	var seq uint64
	for i := 0; i < 50; i++ {
		fw.mu.Lock()
		for _, f := range fw.written {
			if f.Kind == wire.KindDispatch {
				var d wire.Dispatch
				_ = wire.Unmarshal(f.Payload, &d)
				seq = d.Seq
			}
		}
		fw.mu.Unlock()
		if seq != 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if seq == 0 {
		t.Fatal("dispatch frame was never written")
	}

	ackFrame, err := wire.Encode(wire.KindAck, wire.Ack{Seq: seq})
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	fw.toRead <- ackFrame

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch and wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("DispatchAndWait never resolved after ack")
	}
}

func TestOnWorkerShutdownRunawaySuspendsGuild(t *testing.T) {
	s, fw, listener, _ := newTestSession(t, []model.Script{{ID: 1, Enabled: true}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	evt, err := wire.Encode(wire.KindShutdownEvt, wire.ShutdownEvt{
		VMSessionID: s.currentSessionID(),
		GuildID:     s.Guild,
		Reason:      model.ShutdownRunaway,
	})
	if err != nil {
		t.Fatalf("encode shutdown evt: %v", err)
	}
	fw.toRead <- evt

	for i := 0; i < 50; i++ {
		listener.mu.Lock()
		n := len(listener.suspended)
		listener.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.suspended) != 1 || listener.suspended[0] != model.SuspensionExcessCPU {
		t.Fatalf("expected one SuspensionExcessCPU callback, got %v", listener.suspended)
	}
}

func TestShutdownSendsCompleteAndReturnsOnNonePending(t *testing.T) {
	s, fw, _, p := newTestSession(t, []model.Script{{ID: 1, Enabled: true}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()

	// Ack the VM create first: NonePending only releases the worker once
	// no acks are outstanding.
	createFrame := fw.lastWritten()
	var create wire.CreateScriptsVm
	if err := wire.Unmarshal(createFrame.Payload, &create); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}
	ackFrame, err := wire.Encode(wire.KindAck, wire.Ack{Seq: create.Seq})
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	fw.toRead <- ackFrame

	nonePending, err := wire.Encode(wire.KindNonePending, wire.NonePending{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fw.toRead <- nonePending

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown never returned after worker drained")
	}

	// A timed-out shutdown returns the worker as broken, which respawns
	// the slot under a new id; a drained one keeps worker 1.
	if snap := p.Snapshot(); len(snap) != 1 || snap[0].ID != 1 {
		t.Fatalf("expected worker 1 to be returned without respawn, got %+v", snap)
	}
}

// TestReclaimReturnsSingleReaderPerConn exercises the steady-state cycle the
// pool's same-guild affinity (pool.go's tryClaimAffinity) produces: a worker
// goes idle via onNonePending and is immediately reclaimed by the same
// session. wire.Codec is documented single-reader, so readLoop must stop
// reading the old lease's connection before (or exactly as) a new readLoop
// starts on the reclaimed one; this asserts no more than one goroutine is
// ever blocked inside ReadFrame at a time.
func TestReclaimReturnsSingleReaderPerConn(t *testing.T) {
	s, fw, _, _ := newTestSession(t, []model.Script{{ID: 1, Enabled: true}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	createFrame := fw.lastWritten()
	var create wire.CreateScriptsVm
	if err := wire.Unmarshal(createFrame.Payload, &create); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}
	ackFrame, err := wire.Encode(wire.KindAck, wire.Ack{Seq: create.Seq})
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	fw.toRead <- ackFrame

	nonePending, err := wire.Encode(wire.KindNonePending, wire.NonePending{})
	if err != nil {
		t.Fatalf("encode none pending: %v", err)
	}
	fw.toRead <- nonePending

	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		released := s.lease == nil
		s.mu.Unlock()
		if released {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker was never released after NonePending")
		}
		time.Sleep(time.Millisecond)
	}

	// Same-guild affinity hands this exact worker straight back out,
	// spawning a second readLoop on the same connection.
	if err := s.Dispatch(context.Background(), "reclaimed_event", nil, "test", 0); err != nil {
		t.Fatalf("dispatch after reclaim: %v", err)
	}

	fw.mu.Lock()
	maxActive := fw.maxActive
	fw.mu.Unlock()
	if maxActive > 1 {
		t.Fatalf("expected at most one concurrent ReadFrame call on the reclaimed connection, saw %d", maxActive)
	}
}
