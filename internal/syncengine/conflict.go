package syncengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawinfra/satchel/internal/resource"
	"github.com/clawinfra/satchel/internal/types"
)

// Policy selects how a conflict between a local and a remote copy of
// the same entity is resolved.
type Policy string

const (
	// PolicyTeacherAuthority lets the higher authority role win; equal
	// ranks fall back to latest-wins.
	PolicyTeacherAuthority Policy = "teacher_authority"
	// PolicyLatestWins picks the copy with the later modification time.
	PolicyLatestWins Policy = "latest_wins"
	// PolicyMerge unions configured fields, overlapping fields go to
	// the later copy.
	PolicyMerge Policy = "merge"
	// PolicyManualReview defers resolution and flags the entity.
	PolicyManualReview Policy = "manual_review"
)

var knownPolicies = map[Policy]bool{
	PolicyTeacherAuthority: true,
	PolicyLatestWins:       true,
	PolicyMerge:            true,
	PolicyManualReview:     true,
}

// Valid reports whether the policy is one of the known four.
func (p Policy) Valid() bool {
	return knownPolicies[p]
}

// ParsePolicy validates a policy name from config or manifest.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	if !p.Valid() {
		return "", fmt.Errorf("syncengine: unknown conflict policy %q", s)
	}
	return p, nil
}

// ConflictType classifies what diverged.
type ConflictType string

const (
	ConflictVersion   ConflictType = "version"
	ConflictAuthority ConflictType = "authority"
	ConflictCultural  ConflictType = "cultural"
	ConflictData      ConflictType = "data"
)

// Winner names who prevailed in a resolution.
type Winner string

const (
	WinnerLocal   Winner = "local"
	WinnerRemote  Winner = "remote"
	WinnerMerged  Winner = "merged"
	WinnerPending Winner = "pending"
)

// ConflictRecord is the audit trail for one detected conflict. Records
// are persisted so a review queue survives restarts; pending records
// keep the remote payload for the reviewer.
type ConflictRecord struct {
	ID            string              `json:"id"`
	EntityID      string              `json:"entity_id"`
	EntityType    string              `json:"entity_type"`
	Type          ConflictType        `json:"type"`
	Policy        Policy              `json:"policy"`
	Winner        Winner              `json:"winner"`
	LocalVersion  int64               `json:"local_version"`
	RemoteVersion int64               `json:"remote_version"`
	LocalRole     types.AuthorityRole `json:"local_role,omitempty"`
	RemoteRole    types.AuthorityRole `json:"remote_role,omitempty"`
	RemotePayload json.RawMessage     `json:"remote_payload,omitempty"`
	Detail        string              `json:"detail,omitempty"`
	DetectedAt    time.Time           `json:"detected_at"`
	ResolvedAt    time.Time           `json:"resolved_at,omitempty"`
}

// Pending reports whether the record still awaits manual review.
func (r *ConflictRecord) Pending() bool {
	return r.Winner == WinnerPending
}

// classify names the conflict type. Culturally sensitive resource types
// trump everything, then role divergence, then version skew.
func classify(local, remote *types.Entity, reg *resource.Registry) ConflictType {
	switch {
	case reg.Cultural(local.Type):
		return ConflictCultural
	case local.Role != "" && remote.Role != "" && local.Role != remote.Role:
		return ConflictAuthority
	case local.Version != remote.Version:
		return ConflictVersion
	default:
		return ConflictData
	}
}

// resolution is the outcome of applying a policy to a conflict.
type resolution struct {
	entity     *types.Entity // state the mirror should hold afterwards
	winner     Winner
	unresolved bool   // true only for manual review
	detail     string // human-readable note for the audit record
}

// resolve applies a policy. The caller holds the mirror lock; local is
// the live entity and must not be aliased into the result unless it
// wins unchanged.
func resolve(local, remote *types.Entity, policy Policy, reg *resource.Registry, now time.Time) resolution {
	switch policy {
	case PolicyTeacherAuthority:
		lr, rr := local.Role.Rank(), remote.Role.Rank()
		switch {
		case lr > rr:
			return localWins(local, fmt.Sprintf("local role %s outranks %s", local.Role, remote.Role))
		case rr > lr:
			return remoteWins(local, remote, now, fmt.Sprintf("remote role %s outranks %s", remote.Role, local.Role))
		default:
			res := latestWins(local, remote, now)
			res.detail = "equal authority, falling back to latest wins"
			return res
		}

	case PolicyMerge:
		return merge(local, remote, reg.MergeFields(local.Type), now)

	case PolicyManualReview:
		flagged := local.Clone()
		flagged.RequiresReview = true
		flagged.ConflictCount++
		return resolution{
			entity:     flagged,
			winner:     WinnerPending,
			unresolved: true,
			detail:     "deferred for manual review",
		}

	default: // latest_wins
		return latestWins(local, remote, now)
	}
}

func localWins(local *types.Entity, detail string) resolution {
	kept := local.Clone()
	kept.ConflictCount++
	return resolution{entity: kept, winner: WinnerLocal, detail: detail}
}

func remoteWins(local, remote *types.Entity, now time.Time, detail string) resolution {
	adopted := remote.Clone()
	adopted.MarkSynced(now)
	adopted.ConflictCount = local.ConflictCount + 1
	return resolution{entity: adopted, winner: WinnerRemote, detail: detail}
}

func latestWins(local, remote *types.Entity, now time.Time) resolution {
	if local.LastModified.After(remote.LastModified) {
		return localWins(local, "local copy is newer")
	}
	// ties go to the server copy
	return remoteWins(local, remote, now, "remote copy is newer")
}

// merge unions the configured fields of both payloads. The later copy
// supplies the base and wins every overlapping field; the earlier copy
// contributes only fields from the merge list that the winner lacks.
// The merged entity is a fresh local version awaiting upload.
func merge(local, remote *types.Entity, fields []string, now time.Time) resolution {
	if len(fields) == 0 {
		res := latestWins(local, remote, now)
		res.detail = "no merge fields configured, " + res.detail
		return res
	}

	winner, loser := remote, local
	if local.LastModified.After(remote.LastModified) {
		winner, loser = local, remote
	}

	var winnerDoc, loserDoc map[string]json.RawMessage
	if err := json.Unmarshal(winner.Payload, &winnerDoc); err != nil {
		res := latestWins(local, remote, now)
		res.detail = "payload not mergeable, " + res.detail
		return res
	}
	if err := json.Unmarshal(loser.Payload, &loserDoc); err != nil {
		res := latestWins(local, remote, now)
		res.detail = "payload not mergeable, " + res.detail
		return res
	}

	adopted := 0
	for _, f := range fields {
		if _, taken := winnerDoc[f]; taken {
			continue
		}
		if v, ok := loserDoc[f]; ok {
			winnerDoc[f] = v
			adopted++
		}
	}

	payload, err := json.Marshal(winnerDoc)
	if err != nil {
		res := latestWins(local, remote, now)
		res.detail = "merge serialization failed, " + res.detail
		return res
	}

	merged := winner.Clone()
	merged.Payload = payload
	merged.Version = maxVersion(local.Version, remote.Version) + 1
	merged.LastSynced = local.LastSynced
	merged.Touch(now) // still dirty, next sync uploads it
	merged.ConflictCount = local.ConflictCount + 1
	return resolution{
		entity: merged,
		winner: WinnerMerged,
		detail: fmt.Sprintf("merged %d field(s) from the earlier copy", adopted),
	}
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
