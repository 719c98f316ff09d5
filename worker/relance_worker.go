package worker

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"marki/services"
	"marki/utils"
)

// RelanceProcessor is implemented by services.RelanceService.
type RelanceProcessor interface {
	ProcessDue(ctx context.Context) (services.CronResult, error)
}

// RelanceWorker sends the relances whose send date has passed.
type RelanceWorker struct {
	Relances RelanceProcessor
	Logger   *logrus.Entry
}

func NewRelanceWorker(relances RelanceProcessor) *RelanceWorker {
	return &RelanceWorker{
		Relances: relances,
		Logger:   utils.Component("relance_worker"),
	}
}

func (rw *RelanceWorker) Run(ctx context.Context) error {
	res, err := rw.Relances.ProcessDue(ctx)
	if errors.Is(err, services.ErrRunInProgress) {
		rw.Logger.Info("Previous relance run still sending, tick skipped")
		return nil
	}
	if err != nil {
		return err
	}
	if res.ProcessedCount == 0 {
		rw.Logger.Debug("No relance due")
		return nil
	}
	rw.Logger.WithFields(logrus.Fields{
		"processed":   res.ProcessedCount,
		"sent":        res.SentCount,
		"failed":      res.FailedCount,
		"replanified": res.ReplanifiedCount,
		"duration":    res.Duration,
	}).Info("Relance run finished")
	return nil
}
