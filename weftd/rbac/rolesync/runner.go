package rolesync

import (
	"context"
	"io"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/quartz"

	"github.com/weftwork/weft/weftd/database"
)

const delay = 10 * time.Minute

// NewRunner starts periodic role synchronization. The first run happens
// immediately, then every 10 minutes. Each run takes a database advisory
// lock so that only one replica reconciles per tick. It is the caller's
// responsibility to call Close on the returned instance.
func NewRunner(ctx context.Context, logger slog.Logger, db database.Store, syncer *Syncer, clk quartz.Clock) io.Closer {
	closed := make(chan struct{})

	ctx, cancelFunc := context.WithCancel(ctx)

	// Start the ticker with the initial delay.
	ticker := clk.NewTicker(delay)
	ticker.Stop()

	doTick := func(start time.Time) {
		defer ticker.Reset(delay)
		// Start a transaction to grab the advisory lock; we don't want
		// overlapping synchronization runs (multiple replicas).
		if err := db.InTx(func(tx database.Store) error {
			ok, err := tx.TryAcquireLock(ctx, database.LockIDRoleSync)
			if err != nil {
				return xerrors.Errorf("acquire role sync lock: %w", err)
			}
			if !ok {
				logger.Debug(ctx, "unable to acquire lock for role synchronization, skipping")
				return nil
			}

			if err := syncer.run(ctx, tx); err != nil {
				return xerrors.Errorf("synchronize roles: %w", err)
			}

			logger.Info(ctx, "synchronized roles", slog.F("duration", clk.Since(start)))
			return nil
		}, nil); err != nil {
			logger.Error(ctx, "failed to synchronize roles", slog.Error(err))
			return
		}
	}

	go func() {
		defer close(closed)
		defer ticker.Stop()
		// Force an initial tick.
		doTick(clk.Now())
		for {
			select {
			case <-ctx.Done():
				logger.Debug(ctx, "closing role sync runner")
				return
			case tick := <-ticker.C:
				ticker.Stop()
				doTick(tick)
			}
		}
	}()
	return &runner{
		cancel: cancelFunc,
		closed: closed,
	}
}

type runner struct {
	cancel context.CancelFunc
	closed chan struct{}
}

func (r *runner) Close() error {
	r.cancel()
	<-r.closed
	return nil
}
