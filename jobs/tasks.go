// Package jobs defines the background tasks run by the worker: the nightly
// ledger integrity scan and the debt view cache warmup.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrityScan verifies ledger conservation invariants.
	TaskLedgerIntegrityScan = "ledger:integrity_scan"
	// TaskDebtSnapshotWarmup pre-populates debt summary and aging caches.
	TaskDebtSnapshotWarmup = "debt:snapshot_warmup"
)

// IntegrityScanPayload carries scheduling metadata for the integrity scan.
type IntegrityScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewIntegrityScanTask constructs an Asynq task for the integrity scan.
func NewIntegrityScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(IntegrityScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrityScan, body, asynq.Queue(QueueDefault)), nil
}

// DebtWarmupPayload carries scheduling metadata for the cache warmup.
type DebtWarmupPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewDebtWarmupTask constructs an Asynq task for the debt cache warmup.
func NewDebtWarmupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(DebtWarmupPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDebtSnapshotWarmup, body, asynq.Queue(QueueDefault)), nil
}
