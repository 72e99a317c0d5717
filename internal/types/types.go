// Package types provides shared types used across Satchel packages
// to avoid import cycles between the queue, cache and sync engine.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders operations and cache entries. Higher priorities are
// dispatched first and evicted last.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// priorityWeights maps each priority to its numeric weight. Weights feed
// queue ordering and the cache eviction score.
var priorityWeights = map[Priority]int{
	PriorityCritical:   100,
	PriorityHigh:       75,
	PriorityMedium:     50,
	PriorityLow:        25,
	PriorityBackground: 10,
}

// Weight returns the numeric weight of the priority, 0 if unknown.
func (p Priority) Weight() int {
	return priorityWeights[p]
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// ParsePriority converts a string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
	}
	return p, nil
}

// AuthorityRole identifies who authored a change. Conflict resolution under
// the teacher_authority policy prefers the higher-ranked role.
type AuthorityRole string

const (
	RoleHeadTeacher    AuthorityRole = "head_teacher"
	RoleSubjectTeacher AuthorityRole = "subject_teacher"
	RoleAssistant      AuthorityRole = "assistant"
	RoleStudent        AuthorityRole = "student"
	RoleParent         AuthorityRole = "parent"
)

var roleRanks = map[AuthorityRole]int{
	RoleHeadTeacher:    5,
	RoleSubjectTeacher: 4,
	RoleAssistant:      3,
	RoleStudent:        2,
	RoleParent:         1,
}

// Rank returns the authority rank of the role, 0 if unknown.
func (r AuthorityRole) Rank() int {
	return roleRanks[r]
}

// ConnectionType classifies the transport the device is on.
type ConnectionType string

const (
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionNone     ConnectionType = "none"
	ConnectionOther    ConnectionType = "other"
)

// ConnectionQuality grades the usable bandwidth/latency of the connection.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
	QualityUnknown   ConnectionQuality = "unknown"
)

var qualityRanks = map[ConnectionQuality]int{
	QualityExcellent: 4,
	QualityGood:      3,
	QualityFair:      2,
	QualityPoor:      1,
	QualityUnknown:   0,
}

// Rank returns a comparable rank for the quality, 0 for unknown.
func (q ConnectionQuality) Rank() int {
	return qualityRanks[q]
}

// Connectivity is a point-in-time snapshot of device connectivity as
// reported by the platform observer.
type Connectivity struct {
	Connected bool              `json:"connected"`
	Type      ConnectionType    `json:"type"`
	Quality   ConnectionQuality `json:"quality"`
}

// Entity is a syncable record: an assignment, grade, announcement or
// message. Version increases on every local mutation; LastSynced trails
// LastModified until an upload is acknowledged.
type Entity struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Version        int64           `json:"version"`
	LastModified   time.Time       `json:"last_modified"`
	LastSynced     time.Time       `json:"last_synced,omitempty"`
	ConflictCount  int             `json:"conflict_count,omitempty"`
	Priority       Priority        `json:"priority,omitempty"`
	Role           AuthorityRole   `json:"role,omitempty"`
	RequiresReview bool            `json:"requires_review,omitempty"`
	Deleted        bool            `json:"deleted,omitempty"`
}

// Dirty reports whether the entity has local changes not yet acknowledged
// by the server.
func (e *Entity) Dirty() bool {
	return e.LastModified.After(e.LastSynced)
}

// MarkSynced records a server acknowledgment at now. The stamp never lands
// before LastModified, so a server clock running ahead of the device cannot
// leave an acknowledged copy looking dirty.
func (e *Entity) MarkSynced(now time.Time) {
	if e.LastModified.After(now) {
		now = e.LastModified
	}
	e.LastSynced = now
}

// Touch records a local mutation at now. The stamp always lands past
// LastSynced, so a mutation stays upload-eligible even when the sync point
// came from a server clock running ahead of the device.
func (e *Entity) Touch(now time.Time) {
	if !now.After(e.LastSynced) {
		now = e.LastSynced.Add(time.Nanosecond)
	}
	e.LastModified = now
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	cp := *e
	if e.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &cp
}

// ChangeOp is the kind of change carried by a feed event.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent is a single remote change delivered by a change feed.
type ChangeEvent struct {
	Op     ChangeOp `json:"op"`
	Entity Entity   `json:"entity"`
}
