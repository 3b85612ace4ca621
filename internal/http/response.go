package http

import (
	"time"

	"tunefetch/internal/domain"
	"tunefetch/internal/storage"
)

type JobResponse struct {
	ID              string             `json:"id"`
	State           domain.JobState    `json:"state"`
	Title           string             `json:"title,omitempty"`
	Artist          string             `json:"artist"`
	Album           string             `json:"album,omitempty"`
	Source          string             `json:"source"`
	Handle          string             `json:"handle,omitempty"`
	Progress        int                `json:"progress"`
	DownloadedBytes int64              `json:"downloaded_bytes"`
	TotalBytes      int64              `json:"total_bytes"`
	Speed           int64              `json:"speed"`
	Peers           int                `json:"peers"`
	Paused          bool               `json:"paused"`
	CancelRequested bool               `json:"cancel_requested"`
	AttemptCount    int                `json:"attempt_count"`
	Candidate       int                `json:"candidate"`
	Candidates      int                `json:"candidates"`
	Tier            domain.Tier        `json:"tier,omitempty"`
	StoragePath     string             `json:"storage_path,omitempty"`
	OffloadAlerted  bool               `json:"offload_alerted"`
	LastError       *domain.ErrorEntry `json:"last_error,omitempty"`
	Files           []TrackResponse    `json:"files,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
	CompletedAt     *string            `json:"completed_at,omitempty"`
	ArchivedAt      *string            `json:"archived_at,omitempty"`
}

type TrackResponse struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Title       string `json:"title,omitempty"`
	TrackNumber int    `json:"track_number,omitempty"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{Key: obj.Key, Size: obj.Size}
	resp.LastModified = formatTime(obj.LastModified)
	return resp
}

func jobToResponse(job domain.Job) JobResponse {
	resp := JobResponse{
		ID:              job.ID,
		State:           job.State,
		Title:           job.Request.Title,
		Artist:          job.Request.Artist,
		Album:           job.Request.Album,
		Source:          job.Request.Source,
		Handle:          string(job.Refs.TransferHandle),
		DownloadedBytes: job.Progress.DownloadedBytes,
		TotalBytes:      job.Progress.TotalBytes,
		Speed:           job.Progress.Speed,
		Peers:           job.Progress.Peers,
		Paused:          job.Paused,
		CancelRequested: job.CancelRequested,
		AttemptCount:    job.AttemptCount,
		Candidate:       job.CandidateIndex,
		Candidates:      len(job.Candidates),
		Tier:            job.StorageTier(),
		OffloadAlerted:  job.OffloadAlerted,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
		CompletedAt:     formatTime(job.CompletedAt),
		ArchivedAt:      formatTime(job.ArchivedAt),
	}
	if job.Progress.TotalBytes > 0 {
		resp.Progress = int(job.Progress.DownloadedBytes * 100 / job.Progress.TotalBytes)
	}
	if job.Storage != nil {
		resp.StoragePath = job.Storage.Path
	}
	if last, ok := job.LastError(); ok {
		resp.LastError = &last
	}
	for _, f := range job.Files {
		resp.Files = append(resp.Files, TrackResponse{Path: f.Path, Size: f.Size, Title: f.Title, TrackNumber: f.TrackNumber})
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}
