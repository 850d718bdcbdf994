package domain

import "time"

type SourceType string

const (
	SourceChatwork SourceType = "chatwork"
	SourceSlack    SourceType = "slack"
)

type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

type Classification string

const (
	ClassificationAuto   Classification = "auto"
	ClassificationManual Classification = "manual"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Source is one external chat room or channel.
type Source struct {
	ID         string
	Type       SourceType
	ExternalID string
	Name       string
	Metadata   string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type SyncState struct {
	SourceID      string
	LastSyncedAt  *time.Time
	LastMessageID string
	Cursor        string
	Status        SyncStatus
	ErrorMessage  string
}

// Message is the canonical stored message. Empty ProjectID and
// Classification are stored as NULL.
type Message struct {
	ID             string
	SourceID       string
	ExternalID     string
	SenderName     string
	SenderID       string
	SenderAvatar   string
	Body           string
	BodyPlain      string
	SentAt         time.Time
	ThreadID       string
	ProjectID      string
	Classification Classification
	Confidence     *float64
	Metadata       string
	FetchedAt      time.Time
}

type Project struct {
	ID          string
	Name        string
	Description string
	Color       string
	Keywords    []string
	Rules       string
	IsArchived  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ClassificationJob struct {
	ID                string
	Status            JobStatus
	TotalMessages     int
	ProcessedMessages int
	ErrorMessage      string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
}

// ClassificationResult is one per-message outcome of an LLM call. It is not
// persisted on its own.
type ClassificationResult struct {
	MessageID            string
	ProjectID            *string
	SuggestedProjectName *string
	Confidence           float64
	Reasoning            string
}

type SyncProgress struct {
	SourceID     string
	SourceName   string
	Status       SyncStatus
	Fetched      int
	HasMore      bool
	LastSyncedAt *time.Time
	Error        string
}

type ClassificationProgress struct {
	JobID             string
	Status            JobStatus
	TotalMessages     int
	ProcessedMessages int
	CurrentBatch      int
	TotalBatches      int
	Error             string
}

// MessageFilter selects a page of messages. Zero values mean "any".
type MessageFilter struct {
	SourceID     string
	ProjectID    string
	Unclassified bool
	Query        string
	Limit        int
	Offset       int
}
