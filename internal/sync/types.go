package sync

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunInProgress is returned by RunOnce while another run holds the engine.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

type State string

const (
	StateIdle                State = "idle"
	StateRunning             State = "running"
	StateCompleted           State = "completed"
	StateCompletedWithErrors State = "completed_with_errors"
	StateFailed              State = "failed"
)

type Detail struct {
	ListingID int64  `json:"listing_id"`
	Listing   string `json:"listing"`
	Action    string `json:"action"`
}

// RunReport is mutated only by the run's coordinating goroutine and is
// immutable once State leaves StateRunning.
type RunReport struct {
	ID                 string     `json:"id"`
	State              State      `json:"state"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	TotalChecked       int        `json:"total_checked"`
	InStock            int        `json:"in_stock"`
	OutOfStock         int        `json:"out_of_stock"`
	PriceChanges       int        `json:"price_changes"`
	DestinationUpdates int        `json:"destination_updates"`
	Errors             int        `json:"errors"`
	Details            []Detail   `json:"details"`
	DetailsDropped     int        `json:"details_dropped,omitempty"`
	Error              string     `json:"error,omitempty"`
}

func (r *RunReport) Summary() string {
	return fmt.Sprintf("run=%s checked=%d out_of_stock=%d price_changes=%d destination_updates=%d errors=%d",
		r.ID, r.TotalChecked, r.OutOfStock, r.PriceChanges, r.DestinationUpdates, r.Errors)
}

func (r *RunReport) clone() *RunReport {
	if r == nil {
		return nil
	}
	c := *r
	c.Details = append([]Detail(nil), r.Details...)
	return &c
}

// Status is the caller-facing view of the engine and its scheduler.
type Status struct {
	IsRunning       bool       `json:"is_running"`
	RunInProgress   bool       `json:"run_in_progress"`
	State           State      `json:"state"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	IntervalMinutes int        `json:"interval_minutes"`
	LastRun         *RunReport `json:"last_run,omitempty"`
}
