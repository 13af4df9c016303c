package mlbf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

func bt(t models.BlockType) *models.BlockType { return &t }

func TestKey(t *testing.T) {
	assert.Equal(t, "guid:version", Key("guid", "version"))
}

func TestNewData(t *testing.T) {
	d := NewData([]models.FilterKey{
		{GUID: "a@x", Version: "1.0", BlockType: bt(models.BlockTypeHard)},
		{GUID: "a@x", Version: "2.0", BlockType: bt(models.BlockTypeSoft)},
		{GUID: "a@x", Version: "3.0"},
		// Reused guid: the deleted add-on's copy of 2.1 is unblocked.
		{GUID: "r@x", Version: "2.1"},
		{GUID: "r@x", Version: "2.1", BlockType: bt(models.BlockTypeSoft)},
		{GUID: "h@x", Version: "1.0", BlockType: bt(models.BlockTypeSoft)},
		{GUID: "h@x", Version: "1.0", BlockType: bt(models.BlockTypeHard)},
	})

	assert.Equal(t, []string{"a@x:1.0", "h@x:1.0"}, d.Blocked)
	assert.Equal(t, []string{"a@x:2.0", "r@x:2.1"}, d.SoftBlocked)
	assert.Equal(t, []string{"a@x:3.0"}, d.NotBlocked)

	included, excluded := d.FilterSets(models.BlockTypeHard)
	assert.Equal(t, d.Blocked, included)
	assert.ElementsMatch(t, []string{"a@x:2.0", "r@x:2.1", "a@x:3.0"}, excluded)

	included, excluded = d.FilterSets(models.BlockTypeSoft)
	assert.Equal(t, d.SoftBlocked, included)
	assert.ElementsMatch(t, []string{"a@x:1.0", "h@x:1.0", "a@x:3.0"}, excluded)
}

func TestNewData_EmptySetsAreNotNil(t *testing.T) {
	d := NewData(nil)
	assert.NotNil(t, d.Blocked)
	assert.NotNil(t, d.SoftBlocked)
	assert.NotNil(t, d.NotBlocked)
}

func TestData_Diff(t *testing.T) {
	base := &Data{Blocked: []string{"a:1", "b:1"}, SoftBlocked: []string{}, NotBlocked: []string{"c:1"}}

	t.Run("without previous every key is added", func(t *testing.T) {
		added, removed := base.Diff(nil, models.BlockTypeHard)
		assert.Equal(t, []string{"a:1", "b:1"}, added)
		assert.Empty(t, removed)
		assert.Equal(t, 2, base.ChangedCount(nil, models.BlockTypeHard))
	})

	t.Run("no changes", func(t *testing.T) {
		assert.Zero(t, base.TotalChangedCount(base))
	})

	t.Run("added and removed", func(t *testing.T) {
		next := &Data{Blocked: []string{"b:1", "d:1"}, SoftBlocked: []string{"a:1"}, NotBlocked: []string{"c:1"}}
		added, removed := next.Diff(base, models.BlockTypeHard)
		assert.Equal(t, []string{"d:1"}, added)
		assert.Equal(t, []string{"a:1"}, removed)
		assert.Equal(t, 2, next.ChangedCount(base, models.BlockTypeHard))
		assert.Equal(t, 1, next.ChangedCount(base, models.BlockTypeSoft))
		assert.Equal(t, 3, next.TotalChangedCount(base))
	})
}

func TestData_Stash(t *testing.T) {
	first := &Data{Blocked: []string{"a:1"}, SoftBlocked: []string{}, NotBlocked: []string{"b:1"}}

	stash := first.Stash(nil)
	assert.Equal(t, Stash{Blocked: []string{"a:1"}, SoftBlocked: []string{}, Unblocked: []string{}}, stash)

	second := &Data{Blocked: []string{}, SoftBlocked: []string{"b:1"}, NotBlocked: []string{"a:1"}}
	stash = second.Stash(first)
	assert.Equal(t, Stash{Blocked: []string{}, SoftBlocked: []string{"b:1"}, Unblocked: []string{"a:1"}}, stash)
	assert.False(t, stash.Empty())

	// Softening keeps the key blocked, so it is not unblocked.
	third := &Data{Blocked: []string{}, SoftBlocked: []string{"a:1"}, NotBlocked: []string{}}
	stash = third.Stash(first)
	assert.Equal(t, []string{"a:1"}, stash.SoftBlocked)
	assert.Empty(t, stash.Unblocked)

	assert.True(t, first.Stash(first).Empty())
}

func TestBuildFilter(t *testing.T) {
	d := NewData([]models.FilterKey{
		{GUID: "a@x", Version: "1.0", BlockType: bt(models.BlockTypeHard)},
		{GUID: "b@x", Version: "1.0", BlockType: bt(models.BlockTypeSoft)},
		{GUID: "c@x", Version: "1.0"},
	})

	hard, stats, err := BuildFilter(d, models.BlockTypeHard, Options{})
	require.NoError(t, err)
	assert.True(t, hard.Has("a@x:1.0"))
	assert.False(t, hard.Has("b@x:1.0"))
	assert.False(t, hard.Has("c@x:1.0"))
	assert.Equal(t, 1, stats.Included)
	assert.Equal(t, 2, stats.Excluded)

	soft, _, err := BuildFilter(d, models.BlockTypeSoft, Options{})
	require.NoError(t, err)
	assert.True(t, soft.Has("b@x:1.0"))
	assert.False(t, soft.Has("a@x:1.0"))

	t.Run("no blocked versions", func(t *testing.T) {
		empty := NewData([]models.FilterKey{{GUID: "c@x", Version: "1.0"}})
		_, _, err := BuildFilter(empty, models.BlockTypeHard, Options{})
		assert.NoError(t, err)
	})
}

func TestPlan(t *testing.T) {
	base := &Data{Blocked: []string{"a:1"}, SoftBlocked: []string{"s:1"}, NotBlocked: []string{"b:1"}}
	bases := map[models.BlockType]*Data{models.BlockTypeHard: base, models.BlockTypeSoft: base}
	allFilters := []Action{ActionUploadBlockedFilter, ActionUploadSoftBlockedFilter, ActionClearStash}

	tests := []struct {
		name string
		in   PlanInput
		want []Action
	}{
		{
			name: "first generation uploads bases",
			in:   PlanInput{Current: base, Threshold: 10},
			want: allFilters,
		},
		{
			name: "forced base",
			in:   PlanInput{Current: base, Previous: base, Bases: bases, ForceBase: true, Threshold: 10},
			want: allFilters,
		},
		{
			name: "no changes",
			in:   PlanInput{Current: base, Previous: base, Bases: bases, Threshold: 10},
			want: nil,
		},
		{
			name: "small change is stashed",
			in: PlanInput{
				Current:   &Data{Blocked: []string{"a:1", "b:1"}, SoftBlocked: []string{"s:1"}},
				Previous:  base,
				Bases:     bases,
				Threshold: 10,
			},
			want: []Action{ActionUploadStash},
		},
		{
			name: "change above threshold replaces base",
			in: PlanInput{
				Current:   &Data{Blocked: []string{"a:1", "b:1", "c:1"}, SoftBlocked: []string{"s:1"}},
				Previous:  base,
				Bases:     bases,
				Threshold: 1,
			},
			want: allFilters,
		},
		{
			name: "missing soft base",
			in: PlanInput{
				Current:   base,
				Previous:  base,
				Bases:     map[models.BlockType]*Data{models.BlockTypeHard: base},
				Threshold: 10,
			},
			want: allFilters,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.in))
		})
	}
}

func TestAttachmentType(t *testing.T) {
	assert.Equal(t, "bloomfilter-base", AttachmentType(models.BlockTypeHard))
	assert.Equal(t, "softblocks-bloomfilter-base", AttachmentType(models.BlockTypeSoft))
	assert.Equal(t, ActionUploadSoftBlockedFilter, FilterAction(models.BlockTypeSoft))
	assert.True(t, Has(Plan(PlanInput{Current: NewData(nil)}), ActionClearStash))
}
