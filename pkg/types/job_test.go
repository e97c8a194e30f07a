package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPJob(t *testing.T) {
	job := NewHTTPJob("post", "/api/orders")

	assert.NotEmpty(t, job.RequestID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "POST", job.Method)
	assert.Equal(t, "/api/orders", job.Path)
	assert.False(t, job.CreateTime.IsZero())
	assert.Equal(t, job.CreateTime, job.UpdateTime)
}

func TestSetResponse(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus JobStatus
	}{
		{"200 completes", 200, JobStatusCompleted},
		{"201 completes", 201, JobStatusCompleted},
		{"299 completes", 299, JobStatusCompleted},
		{"400 fails", 400, JobStatusFailed},
		{"500 fails", 500, JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewHTTPJob("GET", "/x")
			job.SetError("earlier failure")

			job.SetResponse(tt.status, nil, json.RawMessage(`{"ok":true}`))

			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, tt.status, job.ResponseStatus)
			assert.Empty(t, job.ErrorMessage, "SetResponse must clear a previous error")
			assert.NotNil(t, job.ResponseHeaders)
		})
	}
}

func TestSetError(t *testing.T) {
	job := NewHTTPJob("GET", "/x")
	job.SetError("boom")

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.ErrorMessage)
	assert.True(t, job.IsTerminal())
}

func TestIsTerminal(t *testing.T) {
	job := NewHTTPJob("GET", "/x")
	assert.False(t, job.IsTerminal())

	job.UpdateStatus(JobStatusRunning)
	assert.False(t, job.IsTerminal())

	for _, status := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		job.UpdateStatus(status)
		assert.True(t, job.IsTerminal())
	}
}

func TestJobJSONRoundTrip(t *testing.T) {
	job := NewHTTPJob("POST", "/api/counter/increment")
	job.Headers = map[string]string{"Content-Type": "application/json"}
	job.QueryParams = map[string][]string{"tag": {"a", "b"}}
	job.FormData = map[string]string{"field": "value"}
	job.JSONData = json.RawMessage(`{"name":"orders","amount":2}`)
	job.SetResponse(200, map[string]string{"Content-Type": "application/json"}, json.RawMessage(`{"value":2}`))

	data, err := job.ToJSON()
	require.NoError(t, err)

	parsed, err := HTTPJobFromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, job.RequestID, parsed.RequestID)
	assert.Equal(t, job.Status, parsed.Status)
	assert.Equal(t, job.Method, parsed.Method)
	assert.Equal(t, job.Path, parsed.Path)
	assert.Equal(t, job.Headers, parsed.Headers)
	assert.Equal(t, job.QueryParams, parsed.QueryParams)
	assert.Equal(t, job.FormData, parsed.FormData)
	assert.JSONEq(t, string(job.JSONData), string(parsed.JSONData))
	assert.Equal(t, job.ResponseStatus, parsed.ResponseStatus)
	assert.JSONEq(t, string(job.ResponseBody), string(parsed.ResponseBody))
	assert.True(t, job.CreateTime.Equal(parsed.CreateTime))
}

func TestJobWireKeys(t *testing.T) {
	job := NewHTTPJob("GET", "/x")
	data, err := job.ToJSON()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &raw))

	for _, key := range []string{"request_id", "status", "create_time", "update_time", "method", "path"} {
		assert.Contains(t, raw, key)
	}
	// Unset optional fields stay off the wire entirely.
	assert.NotContains(t, raw, "response_status")
	assert.NotContains(t, raw, "error")
}

func TestHTTPJobFromJSONInvalid(t *testing.T) {
	_, err := HTTPJobFromJSON("{not json")
	assert.Error(t, err)
}
