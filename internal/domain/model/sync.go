package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the outcome class of one user's sync.
type SyncStatus string

const (
	SyncStatusSuccess          SyncStatus = "success"
	SyncStatusNoCredential     SyncStatus = "no_credential"
	SyncStatusTransportError   SyncStatus = "transport_error"
	SyncStatusAPIError         SyncStatus = "api_error"
	SyncStatusPersistenceError SyncStatus = "persistence_error"
)

// SyncResult records what happened when one user's portfolio was synced.
type SyncResult struct {
	UserID            int64
	Status            SyncStatus
	HoldingsProcessed int
	HoldingsRemoved   int
	Message           string
	StartedAt         time.Time
	FinishedAt        time.Time
}

// Failed reports whether the sync ended in an error. A missing credential is a
// skip, not a failure.
func (r SyncResult) Failed() bool {
	return r.Status != SyncStatusSuccess && r.Status != SyncStatusNoCredential
}

// PassReport summarizes one scheduler sweep across all users.
type PassReport struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []SyncResult
	Canceled   bool
}

// Count returns the number of results with the given status.
func (p PassReport) Count(status SyncStatus) int {
	var n int
	for _, r := range p.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Succeeded returns the number of users synced successfully.
func (p PassReport) Succeeded() int {
	return p.Count(SyncStatusSuccess)
}

// Failed returns the number of users whose sync ended in an error.
func (p PassReport) Failed() int {
	var n int
	for _, r := range p.Results {
		if r.Failed() {
			n++
		}
	}
	return n
}
