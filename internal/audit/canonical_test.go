package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *Event {
	return &Event{
		ID:        "ev-1",
		Type:      TypeDataAccess,
		Severity:  SeverityMedium,
		Action:    "record_viewed",
		Outcome:   OutcomeSuccess,
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Source:    "chronicle",
		Component: "test",
		Actor:     Actor{Type: "user", ID: "alice", IP: "10.0.0.4"},
		Target:    &Target{Type: "record", ID: "rec-42"},
		Request:   map[string]any{"fields": "name,dob", "page": 3},
		Security: SecurityContext{
			Classification: ClassificationConfidential,
			RiskLevel:      "medium",
		},
		Metadata:   map[string]any{"session": "s-9"},
		Compliance: ComplianceFlags{RetentionDays: 2555},
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	ev := sampleEvent()

	first, err := ComputeHash(ev)
	require.NoError(t, err)
	second, err := ComputeHash(ev)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestComputeHashIgnoresIntegrityLink(t *testing.T) {
	ev := sampleEvent()
	base, err := ComputeHash(ev)
	require.NoError(t, err)

	ev.Integrity = &IntegrityLink{Hash: "whatever", Sequence: 7, PreviousHash: "prev"}
	withLink, err := ComputeHash(ev)
	require.NoError(t, err)

	assert.Equal(t, base, withLink)
}

func TestComputeHashCoversEveryField(t *testing.T) {
	base := sampleEvent()
	baseHash, err := ComputeHash(base)
	require.NoError(t, err)

	mutations := map[string]func(*Event){
		"action":        func(e *Event) { e.Action = "record_deleted" },
		"actor":         func(e *Event) { e.Actor.ID = "mallory" },
		"timestamp":     func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Second) },
		"metadata":      func(e *Event) { e.Metadata["session"] = "s-10" },
		"request":       func(e *Event) { e.Request["page"] = 4 },
		"severity":      func(e *Event) { e.Severity = SeverityCritical },
		"target":        func(e *Event) { e.Target.ID = "rec-43" },
		"classification": func(e *Event) {
			e.Security.Classification = ClassificationPublic
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			ev := sampleEvent()
			mutate(ev)
			h, err := ComputeHash(ev)
			require.NoError(t, err)
			assert.NotEqual(t, baseHash, h, "mutation of %s must change the hash", name)
		})
	}
}

func TestVerifyHashDetectsTampering(t *testing.T) {
	ev := sampleEvent()
	hash, err := ComputeHash(ev)
	require.NoError(t, err)
	ev.Integrity = &IntegrityLink{Hash: hash, Sequence: 1}

	ok, err := VerifyHash(ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ev.Description = "rewritten after the fact"
	ok, err = VerifyHash(ev)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyHashRequiresLink(t *testing.T) {
	ev := sampleEvent()
	_, err := VerifyHash(ev)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	ev := sampleEvent()
	ev.Security.Sovereignty = &Sovereignty{CommunityIDs: []string{"c-1"}}

	dup := ev.Clone()
	dup.Metadata["session"] = "other"
	dup.Target.ID = "rec-99"
	dup.Security.Sovereignty.CommunityIDs[0] = "c-2"

	assert.Equal(t, "s-9", ev.Metadata["session"])
	assert.Equal(t, "rec-42", ev.Target.ID)
	assert.Equal(t, []string{"c-1"}, ev.Security.Sovereignty.CommunityIDs)
}
