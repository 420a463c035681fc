package omniverse

import (
	"context"
	"testing"
	"time"
)

func TestDrainerTickRespectsBatchAndCooldown(t *testing.T) {
	p, _ := newProtocol(t, Config{Cooldown: 10})
	ledger := &recordingLedger{}

	for i, at := range []uint64{100, 100, 105} {
		if _, err := p.SendTransaction(nil, buildTx(t, newKey(t), 0, string(rune('a'+i))), at); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	d := NewDrainer(p, ledger, time.Second, 5)
	d.now = func() uint64 { return 111 }
	n, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("drained %d entries, want 2 while the third cools down", n)
	}

	d.now = func() uint64 { return 115 }
	if n, err = d.Tick(context.Background()); err != nil || n != 0 {
		t.Fatalf("tick at the cooldown boundary drained %d (%v), want 0", n, err)
	}

	d.now = func() uint64 { return 116 }
	if n, err = d.Tick(context.Background()); err != nil || n != 1 {
		t.Fatalf("tick drained %d (%v), want 1", n, err)
	}
	if len(ledger.applied) != 3 {
		t.Fatalf("ledger applied %d entries, want 3", len(ledger.applied))
	}
}

func TestDrainerTickWalksEveryScope(t *testing.T) {
	p, _ := newProtocol(t, Config{QueuePerScope: true})
	ledger := &recordingLedger{}
	for i, scope := range []string{"gold", "silver", "bronze"} {
		if _, err := p.SendTransaction([]byte(scope), buildTx(t, newKey(t), 0, scope), uint64(i)); err != nil {
			t.Fatalf("send %s: %v", scope, err)
		}
	}

	d := NewDrainer(p, ledger, time.Second, 1)
	d.now = func() uint64 { return 50 }
	n, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 3 {
		t.Fatalf("drained %d entries, want one per scope", n)
	}
}

func TestDrainerTickStepsOverMissingSlot(t *testing.T) {
	p, _ := newProtocol(t, Config{})
	ledger := &recordingLedger{}
	for n := uint64(0); n < 2; n++ {
		if _, err := p.SendTransaction(nil, buildTx(t, newKey(t), 0, "op"), 0); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := p.db.Delete(sharedEntryKey(0)); err != nil {
		t.Fatalf("delete entry: %v", err)
	}

	d := NewDrainer(p, ledger, time.Second, 4)
	d.now = func() uint64 { return 10 }
	n, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 2 || len(ledger.applied) != 1 {
		t.Fatalf("drained %d, applied %d; want the gap consumed and the next entry applied", n, len(ledger.applied))
	}
}

func TestDrainerRunStopsOnCancel(t *testing.T) {
	p, _ := newProtocol(t, Config{Cooldown: 0})
	ledger := &recordingLedger{}
	if _, err := p.SendTransaction(nil, buildTx(t, newKey(t), 0, "a"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	d := NewDrainer(p, ledger, 10*time.Millisecond, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		idx, err := p.QueueIndexes(nil)
		if err == nil && idx.Pending() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}
