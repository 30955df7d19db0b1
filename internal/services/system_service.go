package services

import (
	"sync"

	"github.com/isdelr/vaultkeep/internal/coordinator"
	"github.com/isdelr/vaultkeep/internal/journal"
)

// SystemStatus is the operator's view of recovery state.
type SystemStatus struct {
	Reconcile         *coordinator.Report `json:"reconcile"`
	Degraded          bool                `json:"degraded"`
	RestoreInProgress bool                `json:"restore_in_progress"`
	Journal           *journal.Record     `json:"journal,omitempty"`
}

// SystemServiceProvider defines the interface for system status.
type SystemServiceProvider interface {
	Status() SystemStatus
	SetReport(report coordinator.Report)
}

// SystemService remembers the startup reconciliation report.
type SystemService struct {
	restores RestoreServiceProvider

	mu     sync.RWMutex
	report *coordinator.Report
}

// NewSystemService creates a new SystemService.
func NewSystemService(restores RestoreServiceProvider) *SystemService {
	return &SystemService{restores: restores}
}

// SetReport stores the reconciliation report.
func (s *SystemService) SetReport(report coordinator.Report) {
	s.mu.Lock()
	s.report = &report
	s.mu.Unlock()
}

// Status returns the last report together with the current journal.
func (s *SystemService) Status() SystemStatus {
	s.mu.RLock()
	report := s.report
	s.mu.RUnlock()

	st := SystemStatus{Reconcile: report}
	if report != nil {
		st.Degraded = report.Degraded()
	}
	st.RestoreInProgress = s.restores.InProgress()
	if rec, err := s.restores.Status(); err == nil {
		st.Journal = rec
	}
	return st
}
