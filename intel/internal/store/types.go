package store

// Target is one monitored company URL.
type Target struct {
	ID        string `json:"id"`
	Company   string `json:"company"`
	URL       string `json:"url"`
	URLType   string `json:"url_type"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// RawSnapshot is one fetch of a target. Immutable once written.
type RawSnapshot struct {
	ID            string `json:"id"`
	TargetID      string `json:"target_id"`
	FetchedAt     int64  `json:"fetched_at"`
	RawMarkup     string `json:"-"`
	ContentHash   string `json:"content_hash"`
	ContentLength int    `json:"content_length"`
	HTTPStatus    int    `json:"http_status"`
	Error         string `json:"error,omitempty"`
}

// Failed reports whether the snapshot records a fetch failure.
func (r *RawSnapshot) Failed() bool {
	return r.Error != "" || r.HTTPStatus != 200
}

// Document is a normalized document. Unique per (target, fingerprint).
// LastSeenAt is the fetch time of the newest snapshot that produced it.
type Document struct {
	ID            string `json:"id"`
	SnapshotID    string `json:"snapshot_id"`
	TargetID      string `json:"target_id"`
	Title         string `json:"title"`
	CanonicalText string `json:"canonical_text"`
	Fingerprint   string `json:"fingerprint"`
	WordCount     int    `json:"word_count"`
	ProducedAt    int64  `json:"produced_at"`
	LastSeenAt    int64  `json:"last_seen_at"`
}

// Change is a detected difference between two documents of one target.
// PriorDocumentID is empty for a first observation.
type Change struct {
	ID              string `json:"id"`
	TargetID        string `json:"target_id"`
	PriorDocumentID string `json:"prior_document_id,omitempty"`
	NewDocumentID   string `json:"new_document_id"`
	OldFingerprint  string `json:"old_fingerprint,omitempty"`
	NewFingerprint  string `json:"new_fingerprint"`
	ChangePercent   int    `json:"change_percent"`
	Magnitude       string `json:"magnitude"`
	DiffJSON        string `json:"diff,omitempty"`
	DiffSummary     string `json:"diff_summary"`
	DetectedAt      int64  `json:"detected_at"`
}

// Scoring methods.
const (
	MethodHeuristic = "heuristic"
	MethodEnriched  = "enriched"
)

// Assessment is the scored importance of a change.
type Assessment struct {
	ChangeID       string `json:"change_id"`
	Score          int    `json:"score"`
	HeuristicScore int    `json:"heuristic_score"`
	Category       string `json:"category"`
	Summary        string `json:"summary"`
	Method         string `json:"method"`
	AssessedAt     int64  `json:"assessed_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Enrichment is the language-model output for a change. At most one per change.
type Enrichment struct {
	ChangeID               string   `json:"change_id"`
	Model                  string   `json:"model"`
	RelevanceScore         *int     `json:"relevance_score,omitempty"`
	Summary                string   `json:"summary"`
	Category               string   `json:"category"`
	KeyChanges             []string `json:"key_changes,omitempty"`
	BusinessImpact         string   `json:"business_impact,omitempty"`
	CompetitiveThreats     string   `json:"competitive_threats,omitempty"`
	StrategicOpportunities string   `json:"strategic_opportunities,omitempty"`
	RiskFlags              []string `json:"risk_flags,omitempty"`
	RawResponse            string   `json:"raw_response"`
	ParseFailed            bool     `json:"parse_failed"`
	CreatedAt              int64    `json:"created_at"`
}

// Projection is the read-only view offered to downstream consumers.
type Projection struct {
	ChangeID    string `json:"changeId"`
	TargetID    string `json:"targetId"`
	CompanyName string `json:"companyName"`
	URL         string `json:"url"`
	DetectedAt  int64  `json:"detectedAt"`
	Score       int    `json:"score"`
	Category    string `json:"category"`
	Summary     string `json:"summary"`
	DiffSummary string `json:"diffSummary"`
	Method      string `json:"method"`
}

// Run is one pipeline run's summary row.
type Run struct {
	ID           string `json:"id"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   int64  `json:"finished_at,omitempty"`
	Status       string `json:"status"`
	Targets      int    `json:"targets"`
	Changes      int    `json:"changes"`
	Unchanged    int    `json:"unchanged"`
	Failed       int    `json:"failed"`
	Degraded     int    `json:"degraded"`
	Enriched     int    `json:"enriched"`
	SchemaIssues int    `json:"schema_issues"`
	Error        string `json:"error,omitempty"`
}

// RunEntry is one per-target outcome inside a run.
type RunEntry struct {
	RunID    string `json:"run_id"`
	Seq      int    `json:"seq"`
	TargetID string `json:"target_id"`
	Status   string `json:"status"`
	ChangeID string `json:"change_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
	LoggedAt int64  `json:"logged_at"`
}
