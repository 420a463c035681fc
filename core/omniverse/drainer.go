package omniverse

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Drainer periodically triggers execution of every queue against a ledger.
type Drainer struct {
	protocol *Protocol
	ledger   Ledger
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() uint64
}

func NewDrainer(p *Protocol, ledger Ledger, interval time.Duration, batch int) *Drainer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 1
	}
	return &Drainer{
		protocol: p,
		ledger:   ledger,
		interval: interval,
		batch:    batch,
		logger:   p.logger.With(slog.String("component", "drainer")),
		now:      func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// Tick drains up to batch entries from each queue and returns how many were
// consumed. A queue stops early once it is empty or its head is still cooling
// down.
func (d *Drainer) Tick(ctx context.Context) (int, error) {
	var scopes [][]byte
	if d.protocol.cfg.QueuePerScope {
		var err error
		scopes, err = d.protocol.Scopes()
		if err != nil {
			return 0, err
		}
	} else {
		scopes = [][]byte{nil}
	}
	now := d.now()
	drained := 0
	for _, scope := range scopes {
		for i := 0; i < d.batch; i++ {
			if err := ctx.Err(); err != nil {
				return drained, err
			}
			_, err := d.protocol.TriggerExecutionScope(ctx, scope, now, d.ledger)
			if errors.Is(err, ErrNoDelayedTx) || errors.Is(err, ErrNotExecutable) {
				break
			}
			if err != nil {
				return drained, err
			}
			drained++
		}
	}
	return drained, nil
}

// Run ticks until ctx is cancelled. Storage faults are logged and retried on
// the next tick.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := d.Tick(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("drain tick failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				d.logger.Debug("drained delayed transactions", slog.Int("count", n))
			}
		}
	}
}
