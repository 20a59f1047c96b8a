package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/wire"
)

// fakeTransport satisfies Transport without a real socket.
type fakeTransport struct {
	closed bool
}

func (f *fakeTransport) WriteFrame(wire.Frame) error    { return nil }
func (f *fakeTransport) ReadFrame() (wire.Frame, error) { select {} }
func (f *fakeTransport) Close() error                   { f.closed = true; return nil }

func newTestPool(t *testing.T, tiers []TierConfig) *Pool {
	t.Helper()
	p, err := New(zerolog.Nop(), func(tier int, id uint64) (Transport, error) {
		return &fakeTransport{}, nil
	}, tiers)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return p
}

func TestRequestWorkerAffinityPreferred(t *testing.T) {
	p := newTestPool(t, []TierConfig{{MinPremium: model.TierFree, Size: 2}})
	ctx := context.Background()
	guild := model.GuildID(1)

	lease, err := p.RequestWorker(ctx, guild, model.TierFree)
	if err != nil {
		t.Fatalf("request worker: %v", err)
	}
	firstID := lease.Worker.ID
	lease.Return(guild, false)

	lease2, err := p.RequestWorker(ctx, guild, model.TierFree)
	if err != nil {
		t.Fatalf("request worker again: %v", err)
	}
	if lease2.Worker.ID != firstID {
		t.Fatalf("expected same-guild affinity to return worker %d, got %d", firstID, lease2.Worker.ID)
	}
	if lease2.Hint != model.RetrievedSameGuild {
		t.Fatalf("expected RetrievedSameGuild hint, got %v", lease2.Hint)
	}
}

func TestRequestWorkerWaitsForFIFORelease(t *testing.T) {
	p := newTestPool(t, []TierConfig{{MinPremium: model.TierFree, Size: 1}})
	ctx := context.Background()

	lease, err := p.RequestWorker(ctx, model.GuildID(1), model.TierFree)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.RequestWorker(ctx, model.GuildID(2), model.TierFree)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("second request should block while the only worker is leased")
	case <-time.After(50 * time.Millisecond):
	}

	lease.Return(model.GuildID(1), false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter request failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken after release")
	}
}

func TestRequestWorkerCtxCancelRemovesWaiter(t *testing.T) {
	p := newTestPool(t, []TierConfig{{MinPremium: model.TierFree, Size: 1}})
	ctx := context.Background()

	if _, err := p.RequestWorker(ctx, model.GuildID(1), model.TierFree); err != nil {
		t.Fatalf("first request: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := p.RequestWorker(cancelCtx, model.GuildID(2), model.TierFree)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	p.mu.Lock()
	queued := len(p.waiters)
	p.mu.Unlock()
	if queued != 0 {
		t.Fatalf("expected the canceled request's waiter to be removed, %d still queued", queued)
	}
}

func TestReturnWorkerBrokenRespawns(t *testing.T) {
	p := newTestPool(t, []TierConfig{{MinPremium: model.TierFree, Size: 1}})
	ctx := context.Background()

	lease, err := p.RequestWorker(ctx, model.GuildID(1), model.TierFree)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	oldID := lease.Worker.ID
	lease.Return(model.GuildID(1), true)

	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected pool size to stay 1 after broken respawn, got %d", len(snap))
	}
	if snap[0].ID == oldID {
		t.Fatalf("expected a fresh worker id after broken return, still have %d", oldID)
	}
}

func TestRequestWorkerAfterCloseFails(t *testing.T) {
	p := newTestPool(t, []TierConfig{{MinPremium: model.TierFree, Size: 1}})
	p.Close()

	_, err := p.RequestWorker(context.Background(), model.GuildID(1), model.TierFree)
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
