package models

import "time"

// SessionStatus represents where a rental sits in its lifecycle
type SessionStatus string

const (
	StatusRequested SessionStatus = "requested"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusRejected  SessionStatus = "rejected"
)

// transitions lists every edge of the session state machine.
var transitions = map[SessionStatus][]SessionStatus{
	StatusRequested: {StatusActive, StatusRejected},
	StatusActive:    {StatusCompleted},
}

// CanTransitionTo reports whether next is directly reachable from s
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTarget reports whether s may be requested by a status change
func (s SessionStatus) IsTarget() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// ExecutionStatus tracks the outcome of the most recent upload on a session
type ExecutionStatus string

const (
	ExecutionNone       ExecutionStatus = ""
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionSucceeded  ExecutionStatus = "succeeded"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionBuildError ExecutionStatus = "build_error"
	ExecutionRunError   ExecutionStatus = "run_error"
	ExecutionTimedOut   ExecutionStatus = "timed_out"
)

// InProgress reports whether an execution is queued or running
func (e ExecutionStatus) InProgress() bool {
	return e == ExecutionQueued || e == ExecutionRunning
}

// ResourceUsage is observability data reported for a session
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpuPercent" bson:"cpu_percent"`
	MemoryUsage    float64 `json:"memoryUsage" bson:"memory_usage"`
	GPUUtilization float64 `json:"gpuUtilization" bson:"gpu_utilization"`
}

// Session is one rental engagement between a renter and a device owner
type Session struct {
	ID              string          `json:"id"`
	Renter          string          `json:"renter"`
	Device          string          `json:"device"`
	Status          SessionStatus   `json:"status"`
	StartTime       *time.Time      `json:"startTime,omitempty"`
	EndTime         *time.Time      `json:"endTime,omitempty"`
	Language        string          `json:"language"`
	Output          string          `json:"output"`
	ResourceUsage   *ResourceUsage  `json:"resourceUsage,omitempty"`
	Cost            float64         `json:"cost"`
	ExecutionStatus ExecutionStatus `json:"executionStatus,omitempty"`
	ExitCode        *int64          `json:"exitCode,omitempty"`
	ExecutionError  string          `json:"executionError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share mutable state with a store
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartTime != nil {
		t := *s.StartTime
		c.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.ResourceUsage != nil {
		u := *s.ResourceUsage
		c.ResourceUsage = &u
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// CreateSessionRequest is the payload for requesting a rental
type CreateSessionRequest struct {
	DeviceID string `json:"deviceId"`
	Language string `json:"language,omitempty"`
}

// CreateSessionResponse acknowledges a new rental request
type CreateSessionResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// UpdateStatusRequest is the payload for an owner's status decision
type UpdateStatusRequest struct {
	Status SessionStatus `json:"status"`
}

// UploadResponse carries captured output from a synchronous upload
type UploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Output  string `json:"output"`
}

// JobResponse acknowledges an upload accepted for background execution
type JobResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
}

// ResultResponse is returned when fetching execution output
type ResultResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

// SessionResponse wraps a single session
type SessionResponse struct {
	Success bool     `json:"success"`
	Session *Session `json:"session"`
}

// SessionsResponse wraps a session listing
type SessionsResponse struct {
	Success  bool       `json:"success"`
	Sessions []*Session `json:"sessions"`
}

// StatusResponse acknowledges a status change
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
