package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"marki/utils"
)

// SyncRunner is implemented by services.SyncConfigService.
type SyncRunner interface {
	RunDue(ctx context.Context) (int, error)
}

// SyncWorker runs the automatic sync configurations whose frequency has elapsed.
type SyncWorker struct {
	Sync   SyncRunner
	Logger *logrus.Entry
}

func NewSyncWorker(sync SyncRunner) *SyncWorker {
	return &SyncWorker{
		Sync:   sync,
		Logger: utils.Component("sync_worker"),
	}
}

func (sw *SyncWorker) Run(ctx context.Context) error {
	ran, err := sw.Sync.RunDue(ctx)
	if ran > 0 {
		sw.Logger.WithField("configs", ran).Info("Automatic synchronisations finished")
	}
	return err
}
