package projects

import (
	"time"
)

type Status string

const (
	StatusCloning  Status = "cloning"
	StatusBuilding Status = "building"
	StatusHosted   Status = "hosted"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusCloning, StatusBuilding, StatusHosted, StatusFailed:
		return true
	}
	return false
}

type CreateProjectRequest struct {
	RepoURL string `json:"repo_url" validate:"required,max=2048"`
}

// Outcome is a build result reported by an external deployer.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

type ReportRequest struct {
	Status  Outcome `json:"status" validate:"required,oneof=success error"`
	Message string  `json:"message,omitempty" validate:"max=1024"`
}

// Filter narrows List. Zero values match everything; Owner matches
// case-insensitively.
type Filter struct {
	Status *Status
	Owner  string
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	SourceURL   string    `json:"repo_url"`
	Status      Status    `json:"status"`
	DeployedURL string    `json:"deployed_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// generation increments on every rebuild; scheduled transitions carry the
	// generation they were created for and are ignored once it moves on.
	generation uint64
}

type EventType string

const (
	EventSubmitted    EventType = "submitted"
	EventTransitioned EventType = "transitioned"
	EventRebuilt      EventType = "rebuilt"
	EventRemoved      EventType = "removed"
)

// Event describes a change to the registry. From is set for transitions and
// rebuilds.
type Event struct {
	Type      EventType `json:"type"`
	Project   Project   `json:"project"`
	From      Status    `json:"from,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
