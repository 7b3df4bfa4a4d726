package collection

import "time"

type Status string

const (
	StatusGenerating Status = "Generating"
	StatusGenerated  Status = "Generated"
	StatusFailed     Status = "Failed"
	StatusNotFound   Status = "NotFound"
)

// Terminal reports whether a collection in this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusGenerated || s == StatusFailed
}

// Component is one rendered fragment of a collection.
type Component struct {
	ID           string `json:"componentId"`
	CollectionID string `json:"collectionId"`
	Status       Status `json:"status"`
	StorageKey   string `json:"filepath,omitempty"`
	Order        *int   `json:"order,omitempty"`
	PageCount    *int   `json:"numPages,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Collection struct {
	ID             string      `json:"id"`
	Components     []Component `json:"components"`
	ExpectedLength int         `json:"expectedLength"`
	Status         Status      `json:"status"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	ArtifactKey    string      `json:"artifactKey,omitempty"`
}

// Options configures a Registry.
type Options struct {
	// EntryTimeout is how long an entry lives after creation, regardless of status.
	EntryTimeout time.Duration
	Notifier     Notifier
}

const DefaultEntryTimeout = 8 * time.Hour

// IntPtr is a helper for optional Order and PageCount values.
func IntPtr(v int) *int { return &v }

func cloneComponent(c Component) Component {
	if c.Order != nil {
		c.Order = IntPtr(*c.Order)
	}
	if c.PageCount != nil {
		c.PageCount = IntPtr(*c.PageCount)
	}
	return c
}
