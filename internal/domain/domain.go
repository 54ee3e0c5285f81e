package domain

// Scan kinds.
const (
	KindPage = "page"
	KindSite = "site"
)

// Scan statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Scan struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind" enum:"page,site"`
	URL         string  `json:"url"`
	Standard    string  `json:"standard"`
	Viewport    string  `json:"viewport"`
	Status      string  `json:"status" enum:"running,completed,failed"`
	Score       *int    `json:"score,omitempty"`
	TotalIssues *int    `json:"totalIssues,omitempty"`
	Error       string  `json:"error,omitempty"`
	ResultJSON  *string `json:"-"`
	CreatedAt   string  `json:"createdAt" format:"date-time"`
	FinishedAt  *string `json:"finishedAt,omitempty" format:"date-time"`
}

type ScanEvent struct {
	ID       int64  `json:"-"`
	ScanID   string `json:"-"`
	Seq      int64  `json:"seq"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	DataJSON string `json:"-"`
}
