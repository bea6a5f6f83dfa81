package workers

import (
	"context"
	"log/slog"
	"time"

	"chat-core/registry"
)

// Reconciler periodically re-derives every user's membership cache from the
// chatroom participant sets and collects chatrooms left without any valid
// participant. It is the out-of-band repair pass for the partial failures
// the non-transactional create/delete sequences can leave behind.
type Reconciler struct {
	log      *slog.Logger
	registry *registry.ChatroomRegistry
	interval time.Duration
}

func NewReconciler(log *slog.Logger, reg *registry.ChatroomRegistry, interval time.Duration) *Reconciler {
	return &Reconciler{log: log, registry: reg, interval: interval}
}

func (w *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping reconciler")
			return nil
		case <-ticker.C:
			report, err := w.registry.Reconcile(ctx)
			if err != nil {
				// The next tick reruns the sweep; reconciliation is
				// idempotent, so returning the error for a restart
				// would only add noise.
				w.log.Error("reconciliation sweep failed", "error", err)
				continue
			}
			if report.UsersRepaired > 0 || report.ChatroomsCollected > 0 {
				w.log.Info("reconciliation sweep applied repairs",
					"users_repaired", report.UsersRepaired,
					"chatrooms_collected", report.ChatroomsCollected)
			}
		}
	}
}
