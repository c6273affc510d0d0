// Package reconcile implements the tag-to-group reconciliation engine: it
// resolves each mapping entry to its member hosts by tag query, creates or
// merges the target group, and optionally strips the consumed tags.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	apperrors "github.com/vectra-tools/tags2groups/internal/errors"
	"github.com/vectra-tools/tags2groups/internal/mapfile"
	"github.com/vectra-tools/tags2groups/pkg/cognito"
)

// Directory is the slice of the brain API the engine needs. *cognito.Client
// satisfies it.
type Directory interface {
	FindHostIDs(ctx context.Context, query string) ([]cognito.HostID, error)
	FindGroupsByName(ctx context.Context, name string) ([]cognito.Group, error)
	CreateGroup(ctx context.Context, name string, memberIDs []cognito.HostID) error
	UpdateGroupMembers(ctx context.Context, groupID int, memberIDs []cognito.HostID) error
	GetHostTags(ctx context.Context, hostID cognito.HostID) ([]string, error)
	SetHostTags(ctx context.Context, hostID cognito.HostID, tags []string) error
}

// Options control a reconciliation run.
type Options struct {
	PopTags    bool // strip the identifying tags from resolved hosts
	ActiveOnly bool // restrict host resolution to hosts with active detections
}

// Engine reconciles a mapping of group names to tag lists against the brain.
type Engine struct {
	dir  Directory
	opts Options
}

// NewEngine creates a reconciliation engine over the given directory.
func NewEngine(dir Directory, opts Options) *Engine {
	return &Engine{dir: dir, opts: opts}
}

// BuildTagQuery builds the search query_string matching hosts that carry any
// of the given tags. A single tag emits a bare equality predicate; multiple
// tags emit a parenthesized OR chain in mapping order. With activeOnly the
// fragment is prefixed by an active-state predicate.
func BuildTagQuery(tags []string, activeOnly bool) string {
	var fragment string
	if len(tags) == 1 {
		fragment = fmt.Sprintf(`host.tags:%q`, tags[0])
	} else {
		quoted := make([]string, len(tags))
		for i, tag := range tags {
			quoted[i] = fmt.Sprintf("%q", tag)
		}
		fragment = "(host.tags:" + strings.Join(quoted, " OR ") + ")"
	}
	if activeOnly {
		fragment = `host.state:"active" AND ` + fragment
	}
	return fragment
}

// Run processes every mapping entry in sorted group order. The first remote
// failure aborts the run; already-processed groups stay applied and a rerun
// is the recovery mechanism (group merge and tag removal are both
// idempotent).
func (e *Engine) Run(ctx context.Context, mapping mapfile.Mapping) error {
	groups := make([]string, 0, len(mapping))
	for group := range mapping {
		groups = append(groups, group)
	}
	sort.Strings(groups)

	for _, group := range groups {
		if err := e.syncEntry(ctx, group, mapping[group]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncEntry(ctx context.Context, group string, tags []string) error {
	query := BuildTagQuery(tags, e.opts.ActiveOnly)
	log.Debug().Str("group", group).Str("query", query).Msg("Resolving hosts for group")

	ids, err := e.dir.FindHostIDs(ctx, query)
	if err != nil {
		return apperrors.NewSyncError(apperrors.ErrorTypeAPI, "find_hosts", err).WithGroup(group)
	}
	log.Info().Str("group", group).Int("hosts", len(ids)).Msg("Resolved tagged hosts")

	if e.opts.PopTags {
		if err := e.RemoveTags(ctx, ids, tags); err != nil {
			return apperrors.NewSyncError(apperrors.ErrorTypeAPI, "remove_tags", err).WithGroup(group)
		}
	}

	return e.syncGroup(ctx, group, ids)
}

// syncGroup applies the resolved membership to the named group: create when
// absent, merge-and-update on an exact name match. A name search can also
// return fuzzy matches whose names differ; those are treated as "group not
// found" and trigger a fresh create, matching long-standing behavior. This
// can multiply groups, so every fuzzy hit is logged at warn level.
func (e *Engine) syncGroup(ctx context.Context, group string, ids []cognito.HostID) error {
	matches, err := e.dir.FindGroupsByName(ctx, group)
	if err != nil {
		return apperrors.NewSyncError(apperrors.ErrorTypeAPI, "find_groups", err).WithGroup(group)
	}

	if len(matches) == 0 {
		log.Info().Str("group", group).Int("members", len(ids)).Msg("Creating group")
		if err := e.dir.CreateGroup(ctx, group, ids); err != nil {
			return apperrors.NewSyncError(apperrors.ErrorTypeAPI, "create_group", err).WithGroup(group)
		}
		return nil
	}

	for _, match := range matches {
		if match.Name == group {
			merged := unionIDs(match.MemberIDs(), ids)
			log.Info().Str("group", group).Int("id", match.ID).
				Int("existing", len(match.Members)).Int("merged", len(merged)).
				Msg("Updating existing group membership")
			if err := e.dir.UpdateGroupMembers(ctx, match.ID, merged); err != nil {
				return apperrors.NewSyncError(apperrors.ErrorTypeAPI, "update_group", err).WithGroup(group)
			}
		} else {
			log.Warn().Str("group", group).Str("fuzzyMatch", match.Name).
				Msg("Name search returned a different group; creating a new group with the exact name")
			if err := e.dir.CreateGroup(ctx, group, ids); err != nil {
				return apperrors.NewSyncError(apperrors.ErrorTypeAPI, "create_group", err).WithGroup(group)
			}
		}
	}
	return nil
}

// RemoveTags strips the given tags from every listed host. Absent tags are
// skipped silently; a host whose tag set would not change is not written.
func (e *Engine) RemoveTags(ctx context.Context, hostIDs []cognito.HostID, remove []string) error {
	removeSet := make(map[string]struct{}, len(remove))
	for _, tag := range remove {
		removeSet[tag] = struct{}{}
	}

	for _, hostID := range hostIDs {
		current, err := e.dir.GetHostTags(ctx, hostID)
		if err != nil {
			return fmt.Errorf("failed to read tags for host %s: %w", hostID, err)
		}

		kept := make([]string, 0, len(current))
		for _, tag := range current {
			if _, drop := removeSet[tag]; !drop {
				kept = append(kept, tag)
			}
		}
		if len(kept) == len(current) {
			continue
		}

		log.Debug().Str("host", string(hostID)).Strs("removed", remove).
			Int("remaining", len(kept)).Msg("Stripping consumed tags from host")
		if err := e.dir.SetHostTags(ctx, hostID, kept); err != nil {
			return fmt.Errorf("failed to write tags for host %s: %w", hostID, err)
		}
	}
	return nil
}

// unionIDs merges two ID lists, dropping duplicates. Output is sorted so
// repeated runs produce identical requests.
func unionIDs(a, b []cognito.HostID) []cognito.HostID {
	seen := make(map[cognito.HostID]struct{}, len(a)+len(b))
	merged := make([]cognito.HostID, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged
}
