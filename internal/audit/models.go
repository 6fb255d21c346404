package audit

import (
	"time"
)

// EventType classifies audit events by the kind of action they record.
// The enumeration is closed: the enricher rejects unknown types so that
// downstream filtering and retention policies stay exhaustive.
type EventType string

const (
	TypeAuthentication      EventType = "authentication"
	TypeAuthorization       EventType = "authorization"
	TypeDataAccess          EventType = "data_access"
	TypeDataModification    EventType = "data_modification"
	TypeSystemAction        EventType = "system_action"
	TypeAdminAction         EventType = "admin_action"
	TypeSecurityViolation   EventType = "security_violation"
	TypeConfigurationChange EventType = "configuration_change"
	TypeSovereigntyAccess   EventType = "sovereignty_access"
	TypeComplianceCheck     EventType = "compliance_check"
)

// Severity levels for audit events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome records how the audited action concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeWarning Outcome = "warning"
	OutcomeBlocked Outcome = "blocked"
)

// Classification drives retention policy and query filtering.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
)

// Actor identifies who performed the audited action. Type distinguishes
// users from services and admin tooling so per-actor thresholds can be
// scoped correctly.
type Actor struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	IP        string   `json:"ip,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
}

// Target identifies what the action was performed on.
type Target struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Sovereignty marks an event as involving a specific community's data.
// It affects filtering and retention, never the integrity algorithm.
type Sovereignty struct {
	CommunityIDs    []string `json:"community_ids"`
	ConsentRequired bool     `json:"consent_required"`
	ConsentRef      string   `json:"consent_ref,omitempty"`
}

// SecurityContext captures the classification and risk posture of an event.
type SecurityContext struct {
	Classification Classification `json:"classification"`
	RiskLevel      string         `json:"risk_level"`
	NotifyOnAccess bool           `json:"notify_on_access,omitempty"`
	Frameworks     []string       `json:"frameworks,omitempty"`
	Sovereignty    *Sovereignty   `json:"sovereignty,omitempty"`
}

// ComplianceFlags record the legal regimes an event falls under and how
// long it must be retained.
type ComplianceFlags struct {
	Regimes         []string `json:"regimes,omitempty"`
	RetentionDays   int      `json:"retention_days"`
	ArchiveRequired bool     `json:"archive_required,omitempty"`
}

// IntegrityLink chains an event to its predecessor. Hash covers the
// canonical form of every field except the link itself. For sequence n>1
// within an epoch, PreviousHash must equal the predecessor's Hash and
// sequence numbers must be gap-free; breaking either signals tampering
// or data loss.
type IntegrityLink struct {
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash,omitempty"`
	Sequence     uint64 `json:"sequence"`
	// Epoch is minted when the chain bootstraps from an empty backend.
	// It distinguishes a genuine restart-from-scratch from chain
	// continuation, so two lookalike chains can never be confused.
	Epoch     string `json:"epoch,omitempty"`
	Signature string `json:"signature,omitempty"`
	SignedBy  string `json:"signed_by,omitempty"`
}

// Event is a single audit record. Once committed it is read-only forever;
// archival moves the same bytes to a new location. The open-ended
// Metadata map carries caller-specific annotations and is included in the
// canonical hash alongside the strongly typed core fields.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Severity    Severity        `json:"severity"`
	Action      string          `json:"action"`
	Description string          `json:"description,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      string          `json:"source,omitempty"`
	Component   string          `json:"component,omitempty"`
	Actor       Actor           `json:"actor"`
	Target      *Target         `json:"target,omitempty"`
	Request     map[string]any  `json:"request,omitempty"`
	Response    map[string]any  `json:"response,omitempty"`
	Security    SecurityContext `json:"security"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Compliance  ComplianceFlags `json:"compliance"`
	Integrity   *IntegrityLink  `json:"integrity,omitempty"`
}

// Clone returns a deep-enough copy for pipeline stages that must not
// mutate the caller's event. Maps and slices are copied one level deep;
// values inside Request/Response/Metadata are treated as read-only.
func (e *Event) Clone() *Event {
	dup := *e
	if e.Actor.Roles != nil {
		dup.Actor.Roles = append([]string(nil), e.Actor.Roles...)
	}
	if e.Target != nil {
		t := *e.Target
		t.Attributes = copyStringMap(e.Target.Attributes)
		dup.Target = &t
	}
	if e.Security.Sovereignty != nil {
		s := *e.Security.Sovereignty
		s.CommunityIDs = append([]string(nil), e.Security.Sovereignty.CommunityIDs...)
		dup.Security.Sovereignty = &s
	}
	dup.Security.Frameworks = append([]string(nil), e.Security.Frameworks...)
	dup.Compliance.Regimes = append([]string(nil), e.Compliance.Regimes...)
	dup.Request = copyAnyMap(e.Request)
	dup.Response = copyAnyMap(e.Response)
	dup.Metadata = copyAnyMap(e.Metadata)
	if e.Integrity != nil {
		l := *e.Integrity
		dup.Integrity = &l
	}
	return &dup
}

// CommunityIDs returns the communities involved in the event, if any.
func (e *Event) CommunityIDs() []string {
	if e.Security.Sovereignty == nil {
		return nil
	}
	return e.Security.Sovereignty.CommunityIDs
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var knownTypes = map[EventType]struct{}{
	TypeAuthentication:      {},
	TypeAuthorization:       {},
	TypeDataAccess:          {},
	TypeDataModification:    {},
	TypeSystemAction:        {},
	TypeAdminAction:         {},
	TypeSecurityViolation:   {},
	TypeConfigurationChange: {},
	TypeSovereigntyAccess:   {},
	TypeComplianceCheck:     {},
}

// Valid reports whether t is part of the closed enumeration.
func (t EventType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for sorting; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeWarning, OutcomeBlocked:
		return true
	}
	return false
}

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationRestricted:
		return true
	}
	return false
}
