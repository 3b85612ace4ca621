package domain

import "time"

type JobState string

const (
	StateRequested         JobState = "requested"
	StateSearching         JobState = "searching"
	StateCandidateSelected JobState = "candidate_selected"
	StateDownloading       JobState = "downloading"
	StateCompleted         JobState = "completed"
	StateImporting         JobState = "importing"
	StateVerified          JobState = "verified"
	StateArchived          JobState = "archived"
	StateFailed            JobState = "failed"
	StateCancelled         JobState = "cancelled"
)

// validTransitions lists the allowed forward edges of the job lifecycle.
// CandidateSelected may loop onto itself when the next candidate is picked.
var validTransitions = map[JobState][]JobState{
	StateRequested:         {StateSearching, StateFailed, StateCancelled},
	StateSearching:         {StateCandidateSelected, StateFailed, StateCancelled},
	StateCandidateSelected: {StateCandidateSelected, StateDownloading, StateFailed, StateCancelled},
	StateDownloading:       {StateCompleted, StateCandidateSelected, StateFailed, StateCancelled},
	StateCompleted:         {StateImporting, StateFailed, StateCancelled},
	StateImporting:         {StateVerified, StateFailed, StateCancelled},
	StateVerified:          {StateArchived, StateFailed, StateCancelled},
	StateArchived:          {},
	StateFailed:            {},
	StateCancelled:         {},
}

// AllStates returns every lifecycle state in pipeline order.
func AllStates() []JobState {
	return []JobState{
		StateRequested,
		StateSearching,
		StateCandidateSelected,
		StateDownloading,
		StateCompleted,
		StateImporting,
		StateVerified,
		StateArchived,
		StateFailed,
		StateCancelled,
	}
}

// ActiveStates returns the non-terminal states.
func ActiveStates() []JobState {
	return []JobState{
		StateRequested,
		StateSearching,
		StateCandidateSelected,
		StateDownloading,
		StateCompleted,
		StateImporting,
		StateVerified,
	}
}

// CanTransitionTo reports whether moving from s to target is a legal edge.
func (s JobState) CanTransitionTo(target JobState) bool {
	for _, v := range validTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

func (s JobState) IsTerminal() bool {
	return s == StateArchived || s == StateFailed || s == StateCancelled
}

// HoldsTransfer reports whether a job in this state must carry a transfer handle.
func (s JobState) HoldsTransfer() bool {
	switch s {
	case StateDownloading, StateCompleted, StateImporting, StateVerified, StateArchived:
		return true
	default:
		return false
	}
}

func (s JobState) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// ExternalRefs are identifiers handed out by the external services during a job's life.
type ExternalRefs struct {
	ReleaseID      string
	CandidateID    string
	TransferHandle TransferHandle
}

// Progress is the last transfer snapshot observed by the reconciliation loop.
type Progress struct {
	DownloadedBytes int64
	TotalBytes      int64
	Peers           int
	Speed           int64
}

func (p Progress) Percent() int {
	if p.TotalBytes <= 0 {
		return 0
	}
	pct := int(p.DownloadedBytes * 100 / p.TotalBytes)
	if pct > 100 {
		return 100
	}
	return pct
}

// ErrorEntry is one line of a job's append-only error history.
type ErrorEntry struct {
	At     time.Time `json:"at"`
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// TrackFile is a file belonging to a finished transfer. Path is relative to the content root.
type TrackFile struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256,omitempty"`
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	TrackNumber int    `json:"track_number,omitempty"`
}

// Job is a single download request tracked from request to archival.
type Job struct {
	ID       string
	DedupKey string
	Request  Request
	State    JobState
	Refs     ExternalRefs

	Candidates     []Candidate
	CandidateIndex int

	AttemptCount  int
	NextAttemptAt *time.Time
	Errors        []ErrorEntry

	Progress           Progress
	ProgressAdvancedAt *time.Time
	ContentPath        string
	Files              []TrackFile

	Storage         *StorageLocation
	OffloadAt       *time.Time
	OffloadAttempts int
	OffloadAlerted  bool

	CancelRequested bool
	Paused          bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	ArchivedAt  *time.Time
}

// CurrentCandidate returns the candidate the job is working on, if any.
func (j *Job) CurrentCandidate() (Candidate, bool) {
	if j.CandidateIndex < 0 || j.CandidateIndex >= len(j.Candidates) {
		return Candidate{}, false
	}
	return j.Candidates[j.CandidateIndex], true
}

// RecordError appends to the error history.
func (j *Job) RecordError(at time.Time, kind ErrorKind, detail string) {
	j.Errors = append(j.Errors, ErrorEntry{At: at.UTC(), Kind: kind, Detail: detail})
}

// LastError returns the most recent error entry; it is the user-visible failure reason.
func (j *Job) LastError() (ErrorEntry, bool) {
	if len(j.Errors) == 0 {
		return ErrorEntry{}, false
	}
	return j.Errors[len(j.Errors)-1], true
}

// Clone returns a deep copy so callers never share slices with the registry.
func (j Job) Clone() Job {
	out := j
	out.Candidates = append([]Candidate(nil), j.Candidates...)
	out.Errors = append([]ErrorEntry(nil), j.Errors...)
	out.Files = append([]TrackFile(nil), j.Files...)
	out.NextAttemptAt = cloneTime(j.NextAttemptAt)
	out.ProgressAdvancedAt = cloneTime(j.ProgressAdvancedAt)
	out.OffloadAt = cloneTime(j.OffloadAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.ArchivedAt = cloneTime(j.ArchivedAt)
	if j.Storage != nil {
		loc := *j.Storage
		out.Storage = &loc
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
