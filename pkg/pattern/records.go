package pattern

import (
	"time"
)

// Pattern is a unit of knowledge as held by the system of record.
type Pattern struct {
	ID          string                 `json:"id"`
	ProjectID   string                 `json:"project_id"`
	Type        PatternType            `json:"type"`
	Content     string                 `json:"content"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	Checksum    string                 `json:"checksum"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Quarantined bool                   `json:"quarantined"`
}

// Payload returns the canonical representation written into secondary stores.
func (p *Pattern) Payload() Payload {
	return Payload{
		ProjectID: p.ProjectID,
		Type:      p.Type,
		Content:   p.Content,
		Fields:    p.Fields,
		Checksum:  p.Checksum,
		WrittenAt: p.UpdatedAt,
	}
}

// Payload is what a store adapter persists for a pattern.
type Payload struct {
	ProjectID string                 `json:"project_id"`
	Type      PatternType            `json:"type"`
	Content   string                 `json:"content"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Checksum  string                 `json:"checksum"`
	WrittenAt time.Time              `json:"written_at"`
}

// StoreSnapshot is one store's view of a pattern within a single validation epoch.
type StoreSnapshot struct {
	Store          StoreKind `json:"store"`
	Exists         bool      `json:"exists"`
	Checksum       string    `json:"checksum,omitempty"`
	LastWriteAt    time.Time `json:"last_write_at"`
	FetchLatencyMs int64     `json:"fetch_latency_ms"`
	TimedOut       bool      `json:"timed_out,omitempty"`
	Error          string    `json:"error,omitempty"`
	Epoch          uint64    `json:"epoch"`
}

// Reachable reports whether the store answered within its timeout.
func (s StoreSnapshot) Reachable() bool {
	return !s.TimedOut
}

// Discrepancy is a detected mismatch between a store and the system of record.
type Discrepancy struct {
	ID                string            `json:"id,omitempty"`
	ProjectID         string            `json:"project_id"`
	PatternID         string            `json:"pattern_id"`
	PatternType       PatternType       `json:"pattern_type"`
	Store             StoreKind         `json:"store"`
	Reason            DiscrepancyReason `json:"reason"`
	Severity          Severity          `json:"severity"`
	ReferenceChecksum string            `json:"reference_checksum,omitempty"`
	Snapshot          StoreSnapshot     `json:"snapshot"`
	DetectedAt        time.Time         `json:"detected_at"`
	Epoch             uint64            `json:"epoch"`
}

// Key identifies the (pattern, store, reason) triple used to deduplicate open discrepancies.
func (d Discrepancy) Key() string {
	return d.PatternID + "|" + string(d.Store) + "|" + string(d.Reason)
}

// NewDiscrepancy builds a discrepancy with the default severity for its reason and store.
func NewDiscrepancy(p *Pattern, snap StoreSnapshot, reason DiscrepancyReason, reference string, epoch uint64) Discrepancy {
	return Discrepancy{
		ProjectID:         p.ProjectID,
		PatternID:         p.ID,
		PatternType:       p.Type,
		Store:             snap.Store,
		Reason:            reason,
		Severity:          SeverityFor(reason, snap.Store),
		ReferenceChecksum: reference,
		Snapshot:          snap,
		DetectedAt:        time.Now(),
		Epoch:             epoch,
	}
}

// ComponentScore is one weighted term of an integrity score.
type ComponentScore struct {
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`
	Score     float64 `json:"score"`
	Evaluated bool    `json:"evaluated"`
}

// IntegrityResult is the outcome of validating one pattern.
type IntegrityResult struct {
	PatternID            string           `json:"pattern_id"`
	ProjectID            string           `json:"project_id"`
	PatternType          PatternType      `json:"pattern_type"`
	IntegrityScore       float64          `json:"integrity_score"`
	ChecksumMatch        bool             `json:"checksum_match"`
	ValidationDurationMs int64            `json:"validation_duration_ms"`
	Deep                 bool             `json:"deep"`
	Partial              bool             `json:"partial"`
	Unavailable          []StoreKind      `json:"unavailable,omitempty"`
	Components           []ComponentScore `json:"components"`
	Snapshots            []StoreSnapshot  `json:"snapshots"`
	Discrepancies        []Discrepancy    `json:"discrepancies,omitempty"`
	Epoch                uint64           `json:"epoch"`
	ValidatedAt          time.Time        `json:"validated_at"`
}

// Passed reports whether the pattern validated cleanly.
func (r *IntegrityResult) Passed() bool {
	return r.ChecksumMatch && !r.Partial && len(r.Discrepancies) == 0
}

// PatternConsistency is the per-pattern line of a consistency report.
type PatternConsistency struct {
	PatternID string      `json:"pattern_id"`
	Type      PatternType `json:"type"`
	Score     float64     `json:"score"`
	Agreeing  []StoreKind `json:"agreeing"`
	Probed    int         `json:"probed"`
}

// ConsistencyReport is the outcome of checking a project across all stores.
type ConsistencyReport struct {
	ID                  string               `json:"id"`
	ProjectID           string               `json:"project_id"`
	ConsistencyScore    float64              `json:"consistency_score"`
	Discrepancies       []Discrepancy        `json:"discrepancies"`
	CheckedPatternTypes []PatternType        `json:"checked_pattern_types"`
	Patterns            []PatternConsistency `json:"patterns"`
	PatternsChecked     int                  `json:"patterns_checked"`
	PatternsAvailable   int                  `json:"patterns_available"`
	Sampled             bool                 `json:"sampled"`
	Partial             bool                 `json:"partial"`
	DurationMs          int64                `json:"duration_ms"`
	Epoch               uint64               `json:"epoch"`
	CheckedAt           time.Time            `json:"checked_at"`
}

// TimedOut returns the discrepancies caused by unreachable stores.
func (r *ConsistencyReport) TimedOut() []Discrepancy {
	var out []Discrepancy
	for _, d := range r.Discrepancies {
		if d.Reason.Transient() {
			out = append(out, d)
		}
	}
	return out
}

// Actionable returns the discrepancies that can be routed to recovery.
func (r *ConsistencyReport) Actionable() []Discrepancy {
	var out []Discrepancy
	for _, d := range r.Discrepancies {
		if !d.Reason.Transient() {
			out = append(out, d)
		}
	}
	return out
}

// HealthStatus is the rolled-up health of a project.
type HealthStatus struct {
	ProjectID         string        `json:"project_id"`
	OverallHealth     HealthState   `json:"overall_health"`
	ConsistencyScore  float64       `json:"consistency_score"`
	LastCheckedAt     time.Time     `json:"last_checked_at"`
	OpenDiscrepancies []Discrepancy `json:"open_discrepancies"`
	Reason            string        `json:"reason,omitempty"`
}

// UnknownHealth is the status of a project nothing has been observed for.
func UnknownHealth(projectID string) HealthStatus {
	return HealthStatus{ProjectID: projectID, OverallHealth: HealthUnknown}
}

// RecoveryAttempt is a repair action and its outcome. It is immutable once completed.
type RecoveryAttempt struct {
	ID            string           `json:"id"`
	DiscrepancyID string           `json:"discrepancy_id"`
	PatternID     string           `json:"pattern_id"`
	ProjectID     string           `json:"project_id"`
	Store         StoreKind        `json:"store"`
	Strategy      RecoveryStrategy `json:"strategy"`
	Success       bool             `json:"success"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   time.Time        `json:"completed_at"`
}

// Checkpoint captures the pre-repair state of a recovery attempt.
type Checkpoint struct {
	AttemptID   string           `json:"attempt_id"`
	Strategy    RecoveryStrategy `json:"strategy"`
	Discrepancy Discrepancy      `json:"discrepancy"`
	Reference   *Pattern         `json:"reference,omitempty"`
	Target      StoreSnapshot    `json:"target"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ClampScore bounds a score to [0,100].
func ClampScore(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
