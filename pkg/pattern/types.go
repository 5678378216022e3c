// Package pattern defines the records and enumerations shared by the
// integrity, consistency, health and recovery components.
package pattern

import (
	"fmt"
	"strings"
)

// PatternType identifies the kind of knowledge a pattern carries.
type PatternType string

const (
	Conversation    PatternType = "conversation"
	CodeChange      PatternType = "code_change"
	Decision        PatternType = "decision"
	KnowledgeEntity PatternType = "knowledge_entity"
	ProblemSolution PatternType = "problem_solution"
)

// AllPatternTypes returns every known pattern type in a stable order.
func AllPatternTypes() []PatternType {
	return []PatternType{Conversation, CodeChange, Decision, KnowledgeEntity, ProblemSolution}
}

// Valid reports whether t is one of the known pattern types.
func (t PatternType) Valid() bool {
	switch t {
	case Conversation, CodeChange, Decision, KnowledgeEntity, ProblemSolution:
		return true
	}
	return false
}

// RequiredFields lists the payload fields a well-formed pattern of this type carries.
func (t PatternType) RequiredFields() []string {
	switch t {
	case Conversation:
		return []string{"session_id", "messages"}
	case CodeChange:
		return []string{"file_path", "diff", "commit"}
	case Decision:
		return []string{"title", "rationale"}
	case KnowledgeEntity:
		return []string{"name", "entity_type"}
	case ProblemSolution:
		return []string{"problem", "solution"}
	}
	return nil
}

// ParsePatternType converts user input into a PatternType.
func ParsePatternType(s string) (PatternType, error) {
	t := PatternType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPatternType, s)
	}
	return t, nil
}

// ValidatePatternTypes fails on the first unknown type. An empty input means all types.
func ValidatePatternTypes(types []PatternType) ([]PatternType, error) {
	if len(types) == 0 {
		return AllPatternTypes(), nil
	}
	seen := make(map[PatternType]bool, len(types))
	out := make([]PatternType, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPatternType, string(t))
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// StoreKind names one of the four replicated stores.
type StoreKind string

const (
	Relational StoreKind = "relational"
	Graph      StoreKind = "graph"
	Vector     StoreKind = "vector"
	Cache      StoreKind = "cache"
)

// AllStores returns the system of record first, followed by the secondary stores.
func AllStores() []StoreKind {
	return []StoreKind{Relational, Graph, Vector, Cache}
}

// SecondaryStores returns the stores that are reconciled against the system of record.
func SecondaryStores() []StoreKind {
	return []StoreKind{Graph, Vector, Cache}
}

// Valid reports whether s is a known store.
func (s StoreKind) Valid() bool {
	switch s {
	case Relational, Graph, Vector, Cache:
		return true
	}
	return false
}

// IsSystemOfRecord reports whether s is the relational store.
func (s StoreKind) IsSystemOfRecord() bool {
	return s == Relational
}

// ParseStoreKind converts user input into a StoreKind.
func ParseStoreKind(s string) (StoreKind, error) {
	k := StoreKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStore, s)
	}
	return k, nil
}

// DiscrepancyReason classifies why a store disagrees with the system of record.
type DiscrepancyReason string

const (
	ReasonMissing          DiscrepancyReason = "missing"
	ReasonChecksumMismatch DiscrepancyReason = "checksum_mismatch"
	ReasonStale            DiscrepancyReason = "stale"
	ReasonTimeout          DiscrepancyReason = "timeout"
)

// Valid reports whether r is a known reason.
func (r DiscrepancyReason) Valid() bool {
	switch r {
	case ReasonMissing, ReasonChecksumMismatch, ReasonStale, ReasonTimeout:
		return true
	}
	return false
}

// Transient reports whether the reason describes an unreachable store rather than
// diagnosed drift. Transient discrepancies are retried, never repaired.
func (r DiscrepancyReason) Transient() bool {
	return r == ReasonTimeout
}

// Severity ranks how much a discrepancy threatens retrieval correctness.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText encodes the severity by name. The zero value encodes as "".
func (s Severity) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name. An empty name decodes to the zero value.
func (s *Severity) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity converts a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// SeverityFor assigns the default severity of a discrepancy.
// A missing cache entry is an ordinary miss; missing graph or vector entries
// break retrieval and rank with corruption.
func SeverityFor(reason DiscrepancyReason, store StoreKind) Severity {
	switch reason {
	case ReasonChecksumMismatch:
		return SeverityHigh
	case ReasonMissing:
		if store == Cache {
			return SeverityLow
		}
		return SeverityHigh
	case ReasonStale:
		return SeverityMedium
	case ReasonTimeout:
		return SeverityLow
	}
	return SeverityLow
}

// RecoveryStrategy is the repair action chosen for a discrepancy.
type RecoveryStrategy string

const (
	StrategyResync     RecoveryStrategy = "resync_from_system_of_record"
	StrategyReindex    RecoveryStrategy = "reindex"
	StrategyQuarantine RecoveryStrategy = "quarantine"
)

// Valid reports whether s is a known strategy.
func (s RecoveryStrategy) Valid() bool {
	switch s {
	case StrategyResync, StrategyReindex, StrategyQuarantine:
		return true
	}
	return false
}

// HealthState is the rolled-up health of a project.
type HealthState string

const (
	HealthUnknown  HealthState = "unknown"
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthCritical HealthState = "critical"
)

// Valid reports whether h is a known state.
func (h HealthState) Valid() bool {
	switch h {
	case HealthUnknown, HealthHealthy, HealthDegraded, HealthCritical:
		return true
	}
	return false
}

// Gauge maps the state onto a number for metrics: 0 unknown, 1 healthy, 2 degraded, 3 critical.
func (h HealthState) Gauge() float64 {
	switch h {
	case HealthHealthy:
		return 1
	case HealthDegraded:
		return 2
	case HealthCritical:
		return 3
	}
	return 0
}
