package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// HTTPJob carries one HTTP request through the dispatch fabric and, once a
// worker has processed it, the response travelling back. Exactly one of the
// Response* fields or ErrorMessage is populated when the job reaches a
// terminal state.
type HTTPJob struct {
	RequestID  string    `json:"request_id"`
	Status     JobStatus `json:"status"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`

	Method      string              `json:"method"`
	Path        string              `json:"path"`
	Headers     map[string]string   `json:"headers,omitempty"`
	QueryParams map[string][]string `json:"query,omitempty"`
	FormData    map[string]string   `json:"form,omitempty"`
	JSONData    json.RawMessage     `json:"json,omitempty"`

	ResponseStatus  int               `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    json.RawMessage   `json:"response_body,omitempty"`
	ErrorMessage    string            `json:"error,omitempty"`
}

// NewHTTPJob creates a pending job for the given request line with a fresh
// request id
func NewHTTPJob(method, path string) *HTTPJob {
	now := time.Now()
	return &HTTPJob{
		RequestID:  uuid.New().String(),
		Status:     JobStatusPending,
		CreateTime: now,
		UpdateTime: now,
		Method:     canonicalMethod(method),
		Path:       path,
	}
}

// UpdateStatus transitions the job to the given status and bumps UpdateTime
func (j *HTTPJob) UpdateStatus(status JobStatus) {
	j.Status = status
	j.UpdateTime = time.Now()
}

// SetResponse records the worker's response. A 2xx status marks the job
// completed, anything else marks it failed. Any previous error is cleared.
func (j *HTTPJob) SetResponse(status int, headers map[string]string, body json.RawMessage) {
	j.ResponseStatus = status
	if headers == nil {
		headers = map[string]string{}
	}
	j.ResponseHeaders = headers
	j.ResponseBody = body
	j.ErrorMessage = ""

	if status >= 200 && status < 300 {
		j.UpdateStatus(JobStatusCompleted)
	} else {
		j.UpdateStatus(JobStatusFailed)
	}
}

// SetError records a handler failure and marks the job failed
func (j *HTTPJob) SetError(message string) {
	j.ErrorMessage = message
	j.UpdateStatus(JobStatusFailed)
}

// IsTerminal reports whether the job has reached a final state
func (j *HTTPJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ToJSON serializes the job with the canonical wire keys
func (j *HTTPJob) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HTTPJobFromJSON parses a job from its canonical JSON form
func HTTPJobFromJSON(data string) (*HTTPJob, error) {
	var job HTTPJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}
