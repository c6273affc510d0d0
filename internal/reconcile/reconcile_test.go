package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vectra-tools/tags2groups/internal/errors"
	"github.com/vectra-tools/tags2groups/internal/mapfile"
	"github.com/vectra-tools/tags2groups/pkg/cognito"
)

type createCall struct {
	name    string
	members []cognito.HostID
}

type updateCall struct {
	groupID int
	members []cognito.HostID
}

type setTagsCall struct {
	hostID cognito.HostID
	tags   []string
}

// fakeDirectory is an in-memory Directory that records mutations.
type fakeDirectory struct {
	hostsByQuery map[string][]cognito.HostID
	groupsByName map[string][]cognito.Group
	hostTags     map[cognito.HostID][]string

	findHostErr error

	createCalls  []createCall
	updateCalls  []updateCall
	setTagsCalls []setTagsCall
	callOrder    []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		hostsByQuery: make(map[string][]cognito.HostID),
		groupsByName: make(map[string][]cognito.Group),
		hostTags:     make(map[cognito.HostID][]string),
	}
}

func (f *fakeDirectory) FindHostIDs(ctx context.Context, query string) ([]cognito.HostID, error) {
	f.callOrder = append(f.callOrder, "find_hosts")
	if f.findHostErr != nil {
		return nil, f.findHostErr
	}
	return f.hostsByQuery[query], nil
}

func (f *fakeDirectory) FindGroupsByName(ctx context.Context, name string) ([]cognito.Group, error) {
	f.callOrder = append(f.callOrder, "find_groups")
	return f.groupsByName[name], nil
}

func (f *fakeDirectory) CreateGroup(ctx context.Context, name string, memberIDs []cognito.HostID) error {
	f.callOrder = append(f.callOrder, "create_group")
	f.createCalls = append(f.createCalls, createCall{name: name, members: memberIDs})
	return nil
}

func (f *fakeDirectory) UpdateGroupMembers(ctx context.Context, groupID int, memberIDs []cognito.HostID) error {
	f.callOrder = append(f.callOrder, "update_group")
	f.updateCalls = append(f.updateCalls, updateCall{groupID: groupID, members: memberIDs})
	return nil
}

func (f *fakeDirectory) GetHostTags(ctx context.Context, hostID cognito.HostID) ([]string, error) {
	f.callOrder = append(f.callOrder, "get_tags")
	return f.hostTags[hostID], nil
}

func (f *fakeDirectory) SetHostTags(ctx context.Context, hostID cognito.HostID, tags []string) error {
	f.callOrder = append(f.callOrder, "set_tags")
	f.setTagsCalls = append(f.setTagsCalls, setTagsCall{hostID: hostID, tags: tags})
	f.hostTags[hostID] = tags
	return nil
}

func group(id int, name string, members ...cognito.HostID) cognito.Group {
	g := cognito.Group{ID: id, Name: name, Type: "host"}
	for _, m := range members {
		g.Members = append(g.Members, cognito.GroupMember{ID: m})
	}
	return g
}

func TestBuildTagQuery(t *testing.T) {
	tests := []struct {
		name       string
		tags       []string
		activeOnly bool
		expected   string
	}{
		{
			name:     "single tag",
			tags:     []string{"a"},
			expected: `host.tags:"a"`,
		},
		{
			name:     "multiple tags",
			tags:     []string{"a", "b", "c"},
			expected: `(host.tags:"a" OR "b" OR "c")`,
		},
		{
			name:     "two tags",
			tags:     []string{"a", "b"},
			expected: `(host.tags:"a" OR "b")`,
		},
		{
			name:       "single tag active only",
			tags:       []string{"a"},
			activeOnly: true,
			expected:   `host.state:"active" AND host.tags:"a"`,
		},
		{
			name:       "multiple tags active only",
			tags:       []string{"a", "b", "c"},
			activeOnly: true,
			expected:   `host.state:"active" AND (host.tags:"a" OR "b" OR "c")`,
		},
		{
			name:     "tag order preserved",
			tags:     []string{"z", "a"},
			expected: `(host.tags:"z" OR "a")`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, BuildTagQuery(tc.tags, tc.activeOnly))
		})
	}
}

func TestRun_CreatesMissingGroup(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostsByQuery[`host.tags:"web"`] = []cognito.HostID{"1", "2"}

	engine := NewEngine(dir, Options{})
	err := engine.Run(context.Background(), mapfile.Mapping{"Webservers": {"web"}})
	require.NoError(t, err)

	require.Len(t, dir.createCalls, 1)
	assert.Equal(t, "Webservers", dir.createCalls[0].name)
	assert.ElementsMatch(t, []cognito.HostID{"1", "2"}, dir.createCalls[0].members)
	assert.Empty(t, dir.updateCalls)
}

func TestRun_MergesExistingGroup(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostsByQuery[`host.tags:"web"`] = []cognito.HostID{"2", "3"}
	dir.groupsByName["Webservers"] = []cognito.Group{group(7, "Webservers", "1", "2")}

	engine := NewEngine(dir, Options{})
	err := engine.Run(context.Background(), mapfile.Mapping{"Webservers": {"web"}})
	require.NoError(t, err)

	require.Len(t, dir.updateCalls, 1)
	assert.Equal(t, 7, dir.updateCalls[0].groupID)
	assert.ElementsMatch(t, []cognito.HostID{"1", "2", "3"}, dir.updateCalls[0].members)
	assert.Empty(t, dir.createCalls)
}

func TestRun_MergeIsIdempotent(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostsByQuery[`host.tags:"web"`] = []cognito.HostID{"2", "3"}
	dir.groupsByName["Webservers"] = []cognito.Group{group(7, "Webservers", "1", "2")}

	engine := NewEngine(dir, Options{})
	mapping := mapfile.Mapping{"Webservers": {"web"}}

	require.NoError(t, engine.Run(context.Background(), mapping))
	first := dir.updateCalls[0].members

	// apply the first run's result to the fake's remote state and rerun
	dir.groupsByName["Webservers"] = []cognito.Group{group(7, "Webservers", first...)}
	require.NoError(t, engine.Run(context.Background(), mapping))

	require.Len(t, dir.updateCalls, 2)
	assert.Equal(t, first, dir.updateCalls[1].members, "second run must not grow membership")
}

func TestRun_FuzzyOnlyMatchCreatesNewGroup(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostsByQuery[`host.tags:"web"`] = []cognito.HostID{"1"}
	dir.groupsByName["Webservers"] = []cognito.Group{group(8, "Webservers-Lab", "9")}

	engine := NewEngine(dir, Options{})
	err := engine.Run(context.Background(), mapfile.Mapping{"Webservers": {"web"}})
	require.NoError(t, err)

	require.Len(t, dir.createCalls, 1)
	assert.Equal(t, "Webservers", dir.createCalls[0].name)
	assert.ElementsMatch(t, []cognito.HostID{"1"}, dir.createCalls[0].members)
	assert.Empty(t, dir.updateCalls)
}

func TestRun_ExactAndFuzzyMatchesHandledIndependently(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostsByQuery[`host.tags:"web"`] = []cognito.HostID{"3"}
	dir.groupsByName["Webservers"] = []cognito.Group{
		group(7, "Webservers", "1"),
		group(8, "Webservers-Lab"),
	}

	engine := NewEngine(dir, Options{})
	err := engine.Run(context.Background(), mapfile.Mapping{"Webservers": {"web"}})
	require.NoError(t, err)

	require.Len(t, dir.updateCalls, 1)
	assert.ElementsMatch(t, []cognito.HostID{"1", "3"}, dir.updateCalls[0].members)
	require.Len(t, dir.createCalls, 1)
	assert.Equal(t, "Webservers", dir.createCalls[0].name)
}

func TestRun_EmptyResolutionStillWritesGroup(t *testing.T) {
	dir := newFakeDirectory()

	engine := NewEngine(dir, Options{})
	err := engine.Run(context.Background(), mapfile.Mapping{"Ghosts": {"nothing"}})
	require.NoError(t, err)

	require.Len(t, dir.createCalls, 1)
	assert.Empty(t, dir.createCalls[0].members)
}

func TestRun_ProcessesGroupsInSortedOrder(t *testing.T) {
	dir := newFakeDirectory()

	engine := NewEngine(dir, Options{})
	err := engine.Run(context.Background(), mapfile.Mapping{
		"zeta":  {"z"},
		"alpha": {"a"},
	})
	require.NoError(t, err)

	require.Len(t, dir.createCalls, 2)
	assert.Equal(t, "alpha", dir.createCalls[0].name)
	assert.Equal(t, "zeta", dir.createCalls[1].name)
}

func TestRun_PopTagsRunsBeforeGroupWrite(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostsByQuery[`host.tags:"web"`] = []cognito.HostID{"1"}
	dir.hostTags["1"] = []string{"web", "other"}

	engine := NewEngine(dir, Options{PopTags: true})
	err := engine.Run(context.Background(), mapfile.Mapping{"Webservers": {"web"}})
	require.NoError(t, err)

	require.Len(t, dir.setTagsCalls, 1)
	assert.Equal(t, []string{"other"}, dir.setTagsCalls[0].tags)
	assert.Equal(t, []string{"find_hosts", "get_tags", "set_tags", "find_groups", "create_group"}, dir.callOrder)
}

func TestRun_FirstErrorAborts(t *testing.T) {
	dir := newFakeDirectory()
	dir.findHostErr = errors.New("brain unavailable")

	engine := NewEngine(dir, Options{})
	err := engine.Run(context.Background(), mapfile.Mapping{
		"alpha": {"a"},
		"zeta":  {"z"},
	})
	require.Error(t, err)

	var syncErr *apperrors.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "find_hosts", syncErr.Op)
	assert.Equal(t, "alpha", syncErr.Group)

	// nothing after the failing call ran
	assert.Equal(t, []string{"find_hosts"}, dir.callOrder)
}

func TestRemoveTags_ToleratesAbsentTags(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostTags["1"] = []string{"x"}

	engine := NewEngine(dir, Options{})
	err := engine.RemoveTags(context.Background(), []cognito.HostID{"1"}, []string{"x", "z"})
	require.NoError(t, err)

	require.Len(t, dir.setTagsCalls, 1)
	assert.Empty(t, dir.setTagsCalls[0].tags)
	assert.NotNil(t, dir.setTagsCalls[0].tags, "empty tag set must be a list, not nil")
}

func TestRemoveTags_SkipsWriteWhenNothingChanges(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostTags["1"] = []string{"keep"}

	engine := NewEngine(dir, Options{})
	err := engine.RemoveTags(context.Background(), []cognito.HostID{"1"}, []string{"absent"})
	require.NoError(t, err)

	assert.Empty(t, dir.setTagsCalls)
}

func TestRemoveTags_MultipleHosts(t *testing.T) {
	dir := newFakeDirectory()
	dir.hostTags["1"] = []string{"web", "db"}
	dir.hostTags["2"] = []string{"web"}

	engine := NewEngine(dir, Options{})
	err := engine.RemoveTags(context.Background(), []cognito.HostID{"1", "2"}, []string{"web"})
	require.NoError(t, err)

	require.Len(t, dir.setTagsCalls, 2)
	assert.Equal(t, []string{"db"}, dir.setTagsCalls[0].tags)
	assert.Empty(t, dir.setTagsCalls[1].tags)
}

func TestSingleAndMultiTagQueriesMatchSameHosts(t *testing.T) {
	// a one-element list must hit the same hosts a bare predicate hits, just
	// without parentheses
	dir := newFakeDirectory()
	dir.hostsByQuery[`host.tags:"a"`] = []cognito.HostID{"1"}

	engine := NewEngine(dir, Options{})
	err := engine.Run(context.Background(), mapfile.Mapping{"G": {"a"}})
	require.NoError(t, err)

	require.Len(t, dir.createCalls, 1)
	assert.ElementsMatch(t, []cognito.HostID{"1"}, dir.createCalls[0].members)
}
