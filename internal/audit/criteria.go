package audit

import (
	"time"
)

// SortField names the supported sort dimensions.
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortBySeverity  SortField = "severity"
	SortByType      SortField = "type"
)

// SortOrder direction.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Criteria selects events for a query. Zero-value fields match
// everything. Both backends answer the same Criteria identically;
// callers must not care which one is configured.
type Criteria struct {
	Types           []EventType
	Severities      []Severity
	Outcomes        []Outcome
	ActorIDs        []string
	From            time.Time
	To              time.Time
	Classifications []Classification
	CommunityIDs    []string
	SortBy          SortField
	SortOrder       SortOrder
	Limit           int
	Offset          int
	// IncludeArchived extends the search into archive storage. By
	// default queries see only the active store; archived events stay
	// reachable through GetByID and integrity verification.
	IncludeArchived bool
}

// Normalize fills sort defaults: timestamp descending, most recent first.
func (c Criteria) Normalize() Criteria {
	if c.SortBy == "" {
		c.SortBy = SortByTimestamp
	}
	if c.SortOrder == "" {
		c.SortOrder = SortDesc
	}
	if c.Limit < 0 {
		c.Limit = 0
	}
	if c.Offset < 0 {
		c.Offset = 0
	}
	return c
}

// Matches applies every filter dimension to the event. Used by the query
// engine for in-memory filtering and by the file store's scan fallback;
// the structured store pushes the equivalent predicate down to SQL.
func (c Criteria) Matches(e *Event) bool {
	if len(c.Types) > 0 && !containsType(c.Types, e.Type) {
		return false
	}
	if len(c.Severities) > 0 && !containsSeverity(c.Severities, e.Severity) {
		return false
	}
	if len(c.Outcomes) > 0 && !containsOutcome(c.Outcomes, e.Outcome) {
		return false
	}
	if len(c.ActorIDs) > 0 && !containsString(c.ActorIDs, e.Actor.ID) {
		return false
	}
	if !c.From.IsZero() && e.Timestamp.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && e.Timestamp.After(c.To) {
		return false
	}
	if len(c.Classifications) > 0 && !containsClassification(c.Classifications, e.Security.Classification) {
		return false
	}
	if len(c.CommunityIDs) > 0 && !intersects(c.CommunityIDs, e.CommunityIDs()) {
		return false
	}
	return true
}

func containsType(list []EventType, v EventType) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, v Severity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsOutcome(list []Outcome, v Outcome) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsClassification(list []Classification, v Classification) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
