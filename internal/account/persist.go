package account

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

const persistTimeout = 5 * time.Second

// persister writes every applied update to the device cache and the
// update history. Failures are logged; they never affect the in-memory
// State.
type persister struct {
	repo    device.Repository
	history device.HistoryRepository
	logger  *logging.Logger
}

func newPersister(repo device.Repository, history device.HistoryRepository, logger *logging.Logger) *persister {
	return &persister{repo: repo, history: history, logger: logger}
}

// StateChanged implements reconcile.Sink.
func (p *persister) StateChanged(u reconcile.FieldUpdate, snap device.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if p.repo != nil {
		if err := p.repo.Save(ctx, snap); err != nil {
			p.logger.Warn("saving device failed", "device_id", snap.ID, "error", err)
		}
	}

	if p.history != nil && len(u.Fields) > 0 {
		if err := p.history.RecordStateChange(ctx, u.DeviceID, u.Fields, u.Source); err != nil {
			p.logger.Warn("recording state history failed", "device_id", u.DeviceID, "error", err)
		}
	}
}
