// Package journal is the durable record of a restore in flight. The record is
// shared by the restore worker, which advances it stage by stage, and by the
// startup coordinator, which reconciles whatever state a crash left behind.
// The existence of the journal file is the restore lock.
package journal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var (
	// ErrAbsent means no live journal file exists.
	ErrAbsent = errors.New("journal absent")
	// ErrCorrupt means a journal file exists but could not be understood.
	ErrCorrupt = errors.New("journal corrupt")
	// ErrExists is returned by Store.Create when a live journal already exists.
	ErrExists = errors.New("journal already exists")
	// ErrInvalidTransition rejects a status change or stage completion not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid journal transition")
)

// WorkerCrashedMessage is written into a journal whose worker died while the restore was in progress.
const WorkerCrashedMessage = "worker process terminated unexpectedly"

// ErrWorkerCrashed is the error form of WorkerCrashedMessage.
var ErrWorkerCrashed = errors.New(WorkerCrashedMessage)

// Status is the overall state of a restore.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed, StatusUnknown:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s != StatusInProgress
}

var transitions = map[Status][]Status{
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Stage is one step of a restore.
type Stage string

const (
	StageStoppingServices    Stage = "stopping_services"
	StageBackingUpCurrent    Stage = "backing_up_current"
	StageRestoringFromBackup Stage = "restoring_from_backup"
	StageValidatingIntegrity Stage = "validating_integrity"
	StageStartingServices    Stage = "starting_services"
	StageCleaningUp          Stage = "cleaning_up"
)

// Stages lists the restore stages in execution order.
var Stages = []Stage{
	StageStoppingServices,
	StageBackingUpCurrent,
	StageRestoringFromBackup,
	StageValidatingIntegrity,
	StageStartingServices,
	StageCleaningUp,
}

// Steps records which stages have finished. Field order matches execution order
// so the encoded object reads top to bottom.
type Steps struct {
	StoppingServices    bool `json:"stopping_services"`
	BackingUpCurrent    bool `json:"backing_up_current"`
	RestoringFromBackup bool `json:"restoring_from_backup"`
	ValidatingIntegrity bool `json:"validating_integrity"`
	StartingServices    bool `json:"starting_services"`
	CleaningUp          bool `json:"cleaning_up"`
}

func (s *Steps) field(stage Stage) *bool {
	switch stage {
	case StageStoppingServices:
		return &s.StoppingServices
	case StageBackingUpCurrent:
		return &s.BackingUpCurrent
	case StageRestoringFromBackup:
		return &s.RestoringFromBackup
	case StageValidatingIntegrity:
		return &s.ValidatingIntegrity
	case StageStartingServices:
		return &s.StartingServices
	case StageCleaningUp:
		return &s.CleaningUp
	}
	return nil
}

// Done reports whether stage has finished. Unknown stages are never done.
func (s Steps) Done(stage Stage) bool {
	if f := s.field(stage); f != nil {
		return *f
	}
	return false
}

// Next returns the first stage not yet finished, or "" when all are.
func (s Steps) Next() Stage {
	for _, st := range Stages {
		if !s.Done(st) {
			return st
		}
	}
	return ""
}

// LastCompleted returns the latest finished stage in execution order, or "".
func (s Steps) LastCompleted() Stage {
	var last Stage
	for _, st := range Stages {
		if s.Done(st) {
			last = st
		}
	}
	return last
}

// AllDone reports whether every stage has finished.
func (s Steps) AllDone() bool {
	return s.Next() == ""
}

// Timestamp is a time that encodes as RFC 3339 and also accepts the zone-less
// ISO-8601 forms written by older tooling.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// Record is the content of the journal file.
type Record struct {
	Status          Status     `json:"status"`
	BackupFile      string     `json:"backup_file"`
	BackupPath      string     `json:"backup_path"`
	StartedAt       *Timestamp `json:"started_at"`
	CompletedAt     *Timestamp `json:"completed_at"`
	WorkerPID       *int       `json:"worker_pid"`
	WorkerStartedAt *int64     `json:"worker_started_at"`
	WorkerToken     *string    `json:"worker_token"`
	ErrorMessage    *string    `json:"error_message"`
	Steps           Steps      `json:"steps"`
	// StoppedServices lists what the stopping_services stage actually
	// stopped, for controllers that can tell. Null means not tracked.
	StoppedServices []string `json:"stopped_services"`

	// RawJournal keeps the bytes of an unreadable journal so the archive
	// preserves the evidence.
	RawJournal string `json:"raw_journal,omitempty"`
}

// New returns the initial in_progress record for a restore of backupPath.
func New(backupFile, backupPath, token string, now time.Time) *Record {
	r := &Record{
		Status:     StatusInProgress,
		BackupFile: backupFile,
		BackupPath: backupPath,
		StartedAt:  NewTimestamp(now),
	}
	if token != "" {
		r.WorkerToken = &token
	}
	return r
}

// Unknown synthesizes the record used in place of a journal that could not be read.
func Unknown(raw []byte, now time.Time, cause error) *Record {
	msg := "journal could not be read"
	if cause != nil {
		msg = fmt.Sprintf("journal could not be read: %v", cause)
	}
	return &Record{
		Status:       StatusUnknown,
		CompletedAt:  NewTimestamp(now),
		ErrorMessage: &msg,
		RawJournal:   string(raw),
	}
}

// Validate checks the record can be persisted.
func (r *Record) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unexpected status %q", ErrCorrupt, r.Status)
	}
	return nil
}

// AttachWorker records the identity of the process executing the restore.
func (r *Record) AttachWorker(pid int, startedAt int64) {
	r.WorkerPID = &pid
	r.WorkerStartedAt = &startedAt
}

// OwnedBy reports whether the record was handed to the holder of token.
func (r *Record) OwnedBy(token string) bool {
	if r.WorkerToken == nil {
		return token == ""
	}
	return *r.WorkerToken == token
}

// CompleteStep marks stage finished. Only the next unfinished stage of an
// in_progress record may be completed.
func (r *Record) CompleteStep(stage Stage) error {
	if r.Status != StatusInProgress {
		return fmt.Errorf("%w: complete %s while %s", ErrInvalidTransition, stage, r.Status)
	}
	next := r.Steps.Next()
	if next == "" || next != stage {
		return fmt.Errorf("%w: complete %s, next stage is %q", ErrInvalidTransition, stage, next)
	}
	*r.Steps.field(stage) = true
	return nil
}

// Complete moves an in_progress record whose stages have all finished to completed.
func (r *Record) Complete(now time.Time) error {
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	if !r.Steps.AllDone() {
		return fmt.Errorf("%w: complete with stage %s unfinished", ErrInvalidTransition, r.Steps.Next())
	}
	r.Status = StatusCompleted
	r.CompletedAt = NewTimestamp(now)
	r.ErrorMessage = nil
	return nil
}

// Fail moves an in_progress record to failed with message.
func (r *Record) Fail(now time.Time, message string) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	r.Status = StatusFailed
	r.CompletedAt = NewTimestamp(now)
	r.ErrorMessage = &message
	return nil
}

func (r *Record) transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	return nil
}

// Message returns the recorded error message, or "".
func (r *Record) Message() string {
	if r.ErrorMessage == nil {
		return ""
	}
	return *r.ErrorMessage
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.StartedAt != nil {
		c.StartedAt = NewTimestamp(r.StartedAt.Time)
	}
	if r.CompletedAt != nil {
		c.CompletedAt = NewTimestamp(r.CompletedAt.Time)
	}
	if r.WorkerPID != nil {
		v := *r.WorkerPID
		c.WorkerPID = &v
	}
	if r.WorkerStartedAt != nil {
		v := *r.WorkerStartedAt
		c.WorkerStartedAt = &v
	}
	if r.WorkerToken != nil {
		v := *r.WorkerToken
		c.WorkerToken = &v
	}
	if r.ErrorMessage != nil {
		v := *r.ErrorMessage
		c.ErrorMessage = &v
	}
	if r.StoppedServices != nil {
		c.StoppedServices = append([]string{}, r.StoppedServices...)
	}
	return &c
}

// Encode serializes r as indented JSON.
func Encode(r *Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(r, "", "  ")
}

// Decode parses journal bytes. Malformed JSON or an unexpected status wraps ErrCorrupt.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
