package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "Pending"
	JobStatusProcessing JobStatus = "Processing"
	JobStatusCompleted  JobStatus = "Completed"
	JobStatusFailed     JobStatus = "Failed"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// StorageLocation tells where a completed job's output bytes live.
type StorageLocation string

const (
	StorageInline   StorageLocation = "Inline"
	StorageExternal StorageLocation = "External"
)

var (
	ErrInvalidJob        = errors.New("invalid conversion job")
	ErrIllegalTransition = errors.New("illegal job state transition")
)

// TransitionError is returned when a mutator is called from a state that does
// not allow it. It always indicates a bug in the caller.
type TransitionError struct {
	JobID  uuid.UUID
	From   JobStatus
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot %s from status %s", e.JobID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// ConversionJob tracks one unit of conversion work from intake to a terminal
// outcome. Fields are only reachable through the constructor, the mutators and
// the read accessors so the transition table cannot be bypassed.
type ConversionJob struct {
	id             uuid.UUID
	userID         string
	sourceFormat   string
	targetFormat   string
	status         JobStatus
	inputFileName  string
	outputFileName string
	outputData     []byte
	errorMessage   string
	callbackURL    string
	storage        StorageLocation
	externalKey    string
	createdAt      time.Time
	completedAt    *time.Time
}

// NewConversionJob creates a Pending job. Formats are normalized to lower case
// and stripped of a leading dot.
func NewConversionJob(userID, sourceFormat, targetFormat, inputFileName, callbackURL string) (*ConversionJob, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidJob)
	}
	src := NormalizeFormat(sourceFormat)
	dst := NormalizeFormat(targetFormat)
	if src == "" || dst == "" {
		return nil, fmt.Errorf("%w: source and target formats are required", ErrInvalidJob)
	}
	inputFileName = strings.TrimSpace(inputFileName)
	if inputFileName == "" {
		return nil, fmt.Errorf("%w: input file name is required", ErrInvalidJob)
	}
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL != "" {
		if err := validateCallbackURL(callbackURL); err != nil {
			return nil, err
		}
	}

	return &ConversionJob{
		id:            uuid.New(),
		userID:        userID,
		sourceFormat:  src,
		targetFormat:  dst,
		status:        JobStatusPending,
		inputFileName: inputFileName,
		callbackURL:   callbackURL,
		storage:       StorageInline,
		createdAt:     time.Now().UTC(),
	}, nil
}

// NormalizeFormat lower-cases a format name and drops a leading dot.
func NormalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: callback url: %v", ErrInvalidJob, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: callback url must use http or https", ErrInvalidJob)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: callback url must be absolute", ErrInvalidJob)
	}
	return nil
}

func (j *ConversionJob) MarkProcessing() error {
	if j.status != JobStatusPending {
		return j.illegal("mark processing")
	}
	j.status = JobStatusProcessing
	return nil
}

// CompleteInline finishes the job with the output bytes held on the job itself.
func (j *ConversionJob) CompleteInline(outputFileName string, data []byte) error {
	if j.status != JobStatusProcessing {
		return j.illegal("complete inline")
	}
	if data == nil {
		data = []byte{}
	}
	j.finish(JobStatusCompleted)
	j.outputFileName = outputFileName
	j.outputData = data
	j.storage = StorageInline
	j.externalKey = ""
	return nil
}

// CompleteExternal finishes the job with the output stored under externalKey
// in object storage.
func (j *ConversionJob) CompleteExternal(outputFileName, externalKey string) error {
	if j.status != JobStatusProcessing {
		return j.illegal("complete external")
	}
	if strings.TrimSpace(externalKey) == "" {
		return fmt.Errorf("%w: external key is required", ErrInvalidJob)
	}
	j.finish(JobStatusCompleted)
	j.outputFileName = outputFileName
	j.outputData = nil
	j.storage = StorageExternal
	j.externalKey = externalKey
	return nil
}

func (j *ConversionJob) Fail(message string) error {
	if j.status != JobStatusProcessing {
		return j.illegal("fail")
	}
	if strings.TrimSpace(message) == "" {
		message = "conversion failed"
	}
	j.finish(JobStatusFailed)
	j.errorMessage = message
	return nil
}

func (j *ConversionJob) finish(status JobStatus) {
	now := time.Now().UTC()
	j.status = status
	j.completedAt = &now
}

func (j *ConversionJob) illegal(action string) error {
	return &TransitionError{JobID: j.id, From: j.status, Action: action}
}

func (j *ConversionJob) ID() uuid.UUID                    { return j.id }
func (j *ConversionJob) UserID() string                   { return j.userID }
func (j *ConversionJob) SourceFormat() string             { return j.sourceFormat }
func (j *ConversionJob) TargetFormat() string             { return j.targetFormat }
func (j *ConversionJob) Status() JobStatus                { return j.status }
func (j *ConversionJob) InputFileName() string            { return j.inputFileName }
func (j *ConversionJob) OutputFileName() string           { return j.outputFileName }
func (j *ConversionJob) OutputData() []byte               { return j.outputData }
func (j *ConversionJob) ErrorMessage() string             { return j.errorMessage }
func (j *ConversionJob) CallbackURL() string              { return j.callbackURL }
func (j *ConversionJob) StorageLocation() StorageLocation { return j.storage }
func (j *ConversionJob) ExternalKey() string              { return j.externalKey }
func (j *ConversionJob) CreatedAt() time.Time             { return j.createdAt }

// CompletedAt returns the completion time and whether it is set.
func (j *ConversionJob) CompletedAt() (time.Time, bool) {
	if j.completedAt == nil {
		return time.Time{}, false
	}
	return *j.completedAt, true
}

// JobRecord is the flat persisted form of a ConversionJob.
type JobRecord struct {
	ID              uuid.UUID
	UserID          string
	SourceFormat    string
	TargetFormat    string
	Status          JobStatus
	InputFileName   string
	OutputFileName  string
	OutputData      []byte
	ErrorMessage    string
	CallbackURL     string
	StorageLocation StorageLocation
	ExternalKey     string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

func (j *ConversionJob) Record() JobRecord {
	return JobRecord{
		ID:              j.id,
		UserID:          j.userID,
		SourceFormat:    j.sourceFormat,
		TargetFormat:    j.targetFormat,
		Status:          j.status,
		InputFileName:   j.inputFileName,
		OutputFileName:  j.outputFileName,
		OutputData:      j.outputData,
		ErrorMessage:    j.errorMessage,
		CallbackURL:     j.callbackURL,
		StorageLocation: j.storage,
		ExternalKey:     j.externalKey,
		CreatedAt:       j.createdAt,
		CompletedAt:     j.completedAt,
	}
}

// RestoreConversionJob rebuilds a job loaded from storage. Records that break
// the lifecycle invariants are rejected.
func RestoreConversionJob(r JobRecord) (*ConversionJob, error) {
	if r.ID == uuid.Nil || r.UserID == "" {
		return nil, fmt.Errorf("%w: record missing identity", ErrInvalidJob)
	}
	if !r.Status.valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, r.Status)
	}
	if r.Status.IsTerminal() != (r.CompletedAt != nil) {
		return nil, fmt.Errorf("%w: completed_at must be set exactly for terminal jobs", ErrInvalidJob)
	}
	if r.Status != JobStatusCompleted && (len(r.OutputData) > 0 || r.ExternalKey != "") {
		return nil, fmt.Errorf("%w: output present on %s job", ErrInvalidJob, r.Status)
	}
	if len(r.OutputData) > 0 && r.ExternalKey != "" {
		return nil, fmt.Errorf("%w: output data and external key are exclusive", ErrInvalidJob)
	}
	storage := r.StorageLocation
	if storage == "" {
		storage = StorageInline
	}
	if storage == StorageExternal && r.Status == JobStatusCompleted && r.ExternalKey == "" {
		return nil, fmt.Errorf("%w: external job without key", ErrInvalidJob)
	}
	if storage == StorageInline && r.ExternalKey != "" {
		return nil, fmt.Errorf("%w: inline job with external key", ErrInvalidJob)
	}

	return &ConversionJob{
		id:             r.ID,
		userID:         r.UserID,
		sourceFormat:   r.SourceFormat,
		targetFormat:   r.TargetFormat,
		status:         r.Status,
		inputFileName:  r.InputFileName,
		outputFileName: r.OutputFileName,
		outputData:     r.OutputData,
		errorMessage:   r.ErrorMessage,
		callbackURL:    r.CallbackURL,
		storage:        storage,
		externalKey:    r.ExternalKey,
		createdAt:      r.CreatedAt,
		completedAt:    r.CompletedAt,
	}, nil
}

// JobSnapshot is the public, payload-free view of a job handed to notifiers
// and API responses.
type JobSnapshot struct {
	ID              uuid.UUID
	UserID          string
	Status          JobStatus
	SourceFormat    string
	TargetFormat    string
	InputFileName   string
	OutputFileName  string
	ErrorMessage    string
	CallbackURL     string
	StorageLocation StorageLocation
	OutputSize      int
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

func (j *ConversionJob) Snapshot() JobSnapshot {
	s := JobSnapshot{
		ID:              j.id,
		UserID:          j.userID,
		Status:          j.status,
		SourceFormat:    j.sourceFormat,
		TargetFormat:    j.targetFormat,
		InputFileName:   j.inputFileName,
		OutputFileName:  j.outputFileName,
		ErrorMessage:    j.errorMessage,
		CallbackURL:     j.callbackURL,
		StorageLocation: j.storage,
		OutputSize:      len(j.outputData),
		CreatedAt:       j.createdAt,
	}
	if j.completedAt != nil {
		t := *j.completedAt
		s.CompletedAt = &t
	}
	return s
}
