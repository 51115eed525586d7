package types

import "time"

// MaxPendencyAttempts is the attempt ceiling a ReportPendency can reach
// before it is permanently marked max_attempts_reached (spec §3, P4).
const MaxPendencyAttempts = 10

// PendencyStatus is the lifecycle status of a monthly report pendency.
type PendencyStatus string

const (
	PendingAPI        PendencyStatus = "pending_api"
	PendingProcessing PendencyStatus = "pending_processing"
	NoDataConfirmed   PendencyStatus = "no_data_confirmed"
	MaxAttemptsReached PendencyStatus = "max_attempts_reached"
)

// Suppressed reports whether this status should stop further download
// attempts for the (company, month, doc_type) tuple during normal
// cycles (spec invariant 5).
func (s PendencyStatus) Suppressed() bool {
	return s == NoDataConfirmed || s == MaxAttemptsReached
}

// ReportPendency tracks a monthly report download that has not yet
// succeeded, across cycles.
type ReportPendency struct {
	Status         PendencyStatus
	Attempts       int
	FirstFailureTS time.Time
	LastAttemptTS  time.Time
}

// RecordAttempt increments Attempts (capped at MaxPendencyAttempts) and
// stamps LastAttemptTS; forces MaxAttemptsReached once the cap is hit.
func (p *ReportPendency) RecordAttempt(now time.Time, status PendencyStatus) {
	if p.Attempts == 0 {
		p.FirstFailureTS = now
	}
	if p.Attempts < MaxPendencyAttempts {
		p.Attempts++
	}
	p.LastAttemptTS = now
	if p.Attempts >= MaxPendencyAttempts {
		p.Status = MaxAttemptsReached
		return
	}
	p.Status = status
}

// DownloadStatusKind is the last observed informational status of a
// monthly report download.
type DownloadStatusKind string

const (
	DownloadSuccessTemp DownloadStatusKind = "success_temp"
	DownloadEmpty       DownloadStatusKind = "empty"
	DownloadFailed      DownloadStatusKind = "failed"
)

// DownloadStatus is the last observed state of a monthly report
// download, kept for operator visibility.
type DownloadStatus struct {
	Status    DownloadStatusKind
	Timestamp time.Time
	Message   string
	FilePath  string
}

// FailedCompany marks a critical failure for a company within a cycle.
type FailedCompany struct {
	Timestamp time.Time
	Month     MonthKey
}
