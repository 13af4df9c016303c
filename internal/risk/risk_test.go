package risk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

func TestAssessor_Assess(t *testing.T) {
	a := NewAssessor(10000, false)

	tests := []struct {
		name        string
		action      models.SubmissionAction
		blockType   models.BlockType
		populations map[string]int64
		want        models.SignoffState
		risky       []string
	}{
		{
			name:        "small hard block auto approves",
			action:      models.ActionAddChange,
			blockType:   models.BlockTypeHard,
			populations: map[string]int64{"evil@ext": 50},
			want:        models.SignoffAutoApproved,
		},
		{
			name:        "large hard block needs signoff",
			action:      models.ActionAddChange,
			blockType:   models.BlockTypeHard,
			populations: map[string]int64{"evil@ext": 50000, "small@ext": 3},
			want:        models.SignoffPending,
			risky:       []string{"evil@ext"},
		},
		{
			name:        "threshold is inclusive",
			action:      models.ActionHarden,
			populations: map[string]int64{"b@ext": 10000, "a@ext": 10001},
			want:        models.SignoffPending,
			risky:       []string{"a@ext", "b@ext"},
		},
		{
			name:        "soften never needs signoff",
			action:      models.ActionSoften,
			populations: map[string]int64{"evil@ext": 50000},
			want:        models.SignoffAutoApproved,
		},
		{
			name:        "delete never needs signoff",
			action:      models.ActionDelete,
			populations: map[string]int64{"evil@ext": 50000},
			want:        models.SignoffAutoApproved,
		},
		{
			name:        "soft add never needs signoff",
			action:      models.ActionAddChange,
			blockType:   models.BlockTypeSoft,
			populations: map[string]int64{"evil@ext": 50000},
			want:        models.SignoffAutoApproved,
		},
		{
			name:      "no guid newly hard blocked",
			action:    models.ActionAddChange,
			blockType: models.BlockTypeHard,
			want:      models.SignoffAutoApproved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Assess(tt.action, tt.blockType, tt.populations)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, tt.risky, got.RiskyGUIDs)
		})
	}
}

func TestAssessor_CanSignoff(t *testing.T) {
	author := &models.User{ID: 1, Permissions: []string{models.PermissionSubmit, models.PermissionSignoff}}
	reviewer := &models.User{ID: 2, Permissions: []string{models.PermissionSignoff}}
	admin := &models.User{ID: 3, Permissions: []string{models.PermissionAll}}
	submitter := &models.User{ID: 4, Permissions: []string{models.PermissionSubmit}}
	sub := &models.Submission{UpdatedBy: author.ID}

	t.Run("distinct reviewer", func(t *testing.T) {
		assert.NoError(t, NewAssessor(100, false).CanSignoff(sub, reviewer))
		assert.NoError(t, NewAssessor(100, false).CanSignoff(sub, admin))
	})

	t.Run("author cannot sign off own submission", func(t *testing.T) {
		err := NewAssessor(100, false).CanSignoff(sub, author)
		var perr *PermissionError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, int64(1), perr.UserID)
	})

	t.Run("self signoff override", func(t *testing.T) {
		assert.NoError(t, NewAssessor(100, true).CanSignoff(sub, author))
	})

	t.Run("missing permission", func(t *testing.T) {
		err := NewAssessor(100, true).CanSignoff(sub, submitter)
		var perr *PermissionError
		assert.True(t, errors.As(err, &perr))
	})
}

func TestAssessor_CanReject(t *testing.T) {
	a := NewAssessor(100, false)
	author := &models.User{ID: 1, Permissions: []string{models.PermissionSubmit}}
	other := &models.User{ID: 5, Permissions: []string{models.PermissionSubmit}}
	reviewer := &models.User{ID: 2, Permissions: []string{models.PermissionSignoff}}
	sub := &models.Submission{UpdatedBy: author.ID}

	assert.NoError(t, a.CanReject(sub, author))
	assert.NoError(t, a.CanReject(sub, reviewer))
	assert.Error(t, a.CanReject(sub, other))
	assert.Error(t, a.CanReject(sub, nil))
}
