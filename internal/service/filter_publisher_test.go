package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
	"github.com/mozilla/addons-server-sub004/internal/db/repository"
	"github.com/mozilla/addons-server-sub004/internal/mlbf"
	"github.com/mozilla/addons-server-sub004/internal/remotesettings"
	"github.com/mozilla/addons-server-sub004/internal/storage"
)

var baseActions = []mlbf.Action{
	mlbf.ActionUploadBlockedFilter,
	mlbf.ActionUploadSoftBlockedFilter,
	mlbf.ActionClearStash,
}

type recordingMirror struct {
	mirrored []int64
	deleted  []int64
}

func (m *recordingMirror) MirrorGeneration(_ context.Context, _ *storage.LocalStore, id int64) error {
	m.mirrored = append(m.mirrored, id)
	return nil
}

func (m *recordingMirror) DeleteGeneration(_ context.Context, id int64) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type filterFixture struct {
	store  *memStore
	files  *storage.LocalStore
	dist   *fakeDistributor
	signer *MockSigner
	tasks  *MockTasks
	mirror *recordingMirror
	pub    *FilterPublisher
	now    time.Time
}

func newFilterFixture(t *testing.T) *filterFixture {
	t.Helper()

	store := newMemStore()
	store.addVersion(10, 100, smallGUID, "1.0")
	store.addVersion(11, 100, smallGUID, "2.0")
	store.addVersion(20, 200, bigGUID, "1.0")
	store.bv[10] = &models.BlockVersion{BlockID: 1, VersionID: 10, BlockType: models.BlockTypeHard}
	store.bv[20] = &models.BlockVersion{BlockID: 2, VersionID: 20, BlockType: models.BlockTypeSoft}

	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	f := &filterFixture{
		store:  store,
		files:  files,
		dist:   newFakeDistributor(),
		signer: new(MockSigner),
		tasks:  new(MockTasks),
		mirror: &recordingMirror{},
		now:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	f.pub = NewFilterPublisher(FilterPublisherDeps{
		Tx:                   store,
		Catalog:              memCatalog{store},
		Config:               memConfig{store},
		Store:                files,
		Mirror:               f.mirror,
		Signer:               f.signer,
		Distributor:          f.dist,
		Tasks:                f.tasks,
		BaseReplaceThreshold: 5000,
		Retention:            26 * 7 * 24 * time.Hour,
		Now:                  func() time.Time { return f.now },
	})
	return f
}

// publishBase generates and uploads a first base generation.
func (f *filterFixture) publishBase(t *testing.T) int64 {
	t.Helper()
	f.tasks.On("EnqueueUploadFilter", mock.Anything, mock.Anything, baseActions).Return(nil).Once()
	f.tasks.On("EnqueueCleanup", mock.Anything, mock.Anything).Return(nil)
	f.signer.On("Sign", mock.Anything, mock.Anything).Return("sig", nil)

	meta, err := f.pub.Generate(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.NoError(t, f.pub.Upload(context.Background(), meta.GenerationID, meta.Actions))
	return meta.GenerationID
}

func TestFilterPublisher_Generate_FirstRunBuildsBase(t *testing.T) {
	f := newFilterFixture(t)
	f.tasks.On("EnqueueUploadFilter", mock.Anything, f.now.UnixMilli(), baseActions).Return(nil).Once()

	meta, err := f.pub.Generate(context.Background(), false)

	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, f.now.UnixMilli(), meta.GenerationID)
	assert.True(t, meta.IsBase())
	assert.Equal(t, baseActions, meta.Actions)
	require.Len(t, meta.Filters, 2)
	assert.Equal(t, "bloomfilter-base", meta.Filters[models.BlockTypeHard].AttachmentType)
	assert.Equal(t, "softblocks-bloomfilter-base", meta.Filters[models.BlockTypeSoft].AttachmentType)

	blob, err := f.files.ReadFilter(meta.GenerationID, models.BlockTypeHard)
	require.NoError(t, err)
	cascade, err := mlbf.UnmarshalCascade(blob)
	require.NoError(t, err)
	assert.True(t, cascade.Has(mlbf.Key(smallGUID, "1.0")))
	assert.False(t, cascade.Has(mlbf.Key(smallGUID, "2.0")))
	assert.False(t, cascade.Has(mlbf.Key(bigGUID, "1.0")))

	blob, err = f.files.ReadFilter(meta.GenerationID, models.BlockTypeSoft)
	require.NoError(t, err)
	cascade, err = mlbf.UnmarshalCascade(blob)
	require.NoError(t, err)
	assert.True(t, cascade.Has(mlbf.Key(bigGUID, "1.0")))
	assert.False(t, cascade.Has(mlbf.Key(smallGUID, "1.0")))

	stored, err := f.files.ReadMetadata(meta.GenerationID)
	require.NoError(t, err)
	assert.Nil(t, stored.PublishedAt)
	assert.Equal(t, []int64{meta.GenerationID}, f.mirror.mirrored)

	_, ok := f.store.config[repository.ConfigMLBFTime]
	assert.False(t, ok, "generation time only advances on upload")
	f.tasks.AssertExpectations(t)
}

func TestFilterPublisher_Upload_Base(t *testing.T) {
	f := newFilterFixture(t)
	f.dist.records["old-hard"] = remotesettings.Record{ID: "old-hard", AttachmentType: "bloomfilter-base", Attachment: &remotesettings.Attachment{}}
	f.dist.records["old-soft"] = remotesettings.Record{ID: "old-soft", AttachmentType: "softblocks-bloomfilter-base", Attachment: &remotesettings.Attachment{}}
	f.dist.records["old-stash"] = remotesettings.Record{ID: "old-stash", Stash: []byte(`{"blocked":["a:1"]}`)}

	genID := f.publishBase(t)

	assert.ElementsMatch(t, []string{"old-hard", "old-soft", "old-stash"}, f.dist.deleted)
	assert.Equal(t, 1, f.dist.sessions)
	require.Len(t, f.dist.published, 2)
	for _, data := range f.dist.published {
		assert.Equal(t, genID, data["generation_time"])
		assert.Equal(t, mlbf.KeyFormat, data["key_format"])
		assert.Equal(t, "sig", data["signature"])
	}

	assert.Equal(t, genID, f.store.config[repository.ConfigMLBFTime])
	assert.Equal(t, genID, f.store.config[repository.ConfigMLBFBaseIDHard])
	assert.Equal(t, genID, f.store.config[repository.ConfigMLBFBaseIDSoft])

	meta, err := f.files.ReadMetadata(genID)
	require.NoError(t, err)
	require.NotNil(t, meta.PublishedAt)
	assert.Equal(t, "sig", meta.Filters[models.BlockTypeHard].Signature)

	f.tasks.AssertCalled(t, "EnqueueCleanup", mock.Anything, genID)
}

func TestFilterPublisher_Generate_NoChanges(t *testing.T) {
	f := newFilterFixture(t)
	f.publishBase(t)
	f.now = f.now.Add(time.Hour)

	meta, err := f.pub.Generate(context.Background(), false)

	require.NoError(t, err)
	assert.Nil(t, meta)
	f.tasks.AssertNumberOfCalls(t, "EnqueueUploadFilter", 1)
}

func TestFilterPublisher_Stash(t *testing.T) {
	f := newFilterFixture(t)
	baseID := f.publishBase(t)

	f.store.bv[11] = &models.BlockVersion{BlockID: 1, VersionID: 11, BlockType: models.BlockTypeHard}
	delete(f.store.bv, 20)
	f.now = f.now.Add(time.Hour)
	stashActions := []mlbf.Action{mlbf.ActionUploadStash}
	f.tasks.On("EnqueueUploadFilter", mock.Anything, f.now.UnixMilli(), stashActions).Return(nil).Once()

	meta, err := f.pub.Generate(context.Background(), false)

	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.False(t, meta.IsBase())
	assert.Equal(t, baseID, meta.BaseFilterID)
	assert.Empty(t, meta.Filters)

	stash, err := f.files.ReadStash(meta.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, []string{mlbf.Key(smallGUID, "2.0")}, stash.Blocked)
	assert.Empty(t, stash.SoftBlocked)
	assert.Equal(t, []string{mlbf.Key(bigGUID, "1.0")}, stash.Unblocked)

	deletedBefore := len(f.dist.deleted)
	require.NoError(t, f.pub.Upload(context.Background(), meta.GenerationID, meta.Actions))

	assert.Len(t, f.dist.deleted, deletedBefore, "a stash keeps earlier records")
	last := f.dist.published[len(f.dist.published)-1]
	assert.Equal(t, meta.GenerationID, last["stash_time"])
	assert.Equal(t, stash, last["stash"])

	assert.Equal(t, meta.GenerationID, f.store.config[repository.ConfigMLBFTime])
	assert.Equal(t, baseID, f.store.config[repository.ConfigMLBFBaseIDHard])
	assert.Equal(t, baseID, f.store.config[repository.ConfigMLBFBaseIDSoft])
	f.tasks.AssertCalled(t, "EnqueueCleanup", mock.Anything, baseID)
}

func TestFilterPublisher_ForceBase(t *testing.T) {
	f := newFilterFixture(t)
	f.publishBase(t)
	f.now = f.now.Add(time.Hour)
	f.tasks.On("EnqueueUploadFilter", mock.Anything, f.now.UnixMilli(), baseActions).Return(nil).Once()

	meta, err := f.pub.Generate(context.Background(), true)

	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, meta.IsBase())
}

func TestFilterPublisher_GenerationIDsIncrease(t *testing.T) {
	f := newFilterFixture(t)
	first := f.publishBase(t)
	f.tasks.On("EnqueueUploadFilter", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	// Clock did not move.
	meta, err := f.pub.Generate(context.Background(), true)

	require.NoError(t, err)
	assert.Greater(t, meta.GenerationID, first)
}

func TestFilterPublisher_Upload_SigningFailurePublishesUnsigned(t *testing.T) {
	f := newFilterFixture(t)
	f.tasks.On("EnqueueUploadFilter", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.tasks.On("EnqueueCleanup", mock.Anything, mock.Anything).Return(nil)
	f.signer.On("Sign", mock.Anything, mock.Anything).Return("", errors.New("autograph unavailable"))

	meta, err := f.pub.Generate(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, f.pub.Upload(context.Background(), meta.GenerationID, meta.Actions))

	require.Len(t, f.dist.published, 2)
	for _, data := range f.dist.published {
		assert.NotContains(t, data, "signature")
	}
	stored, err := f.files.ReadMetadata(meta.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, "autograph unavailable", stored.Filters[models.BlockTypeHard].SigningError)
	assert.Equal(t, meta.GenerationID, f.store.config[repository.ConfigMLBFTime])
}

func TestFilterPublisher_Upload_SigningFailureRecordedWhenSessionFails(t *testing.T) {
	f := newFilterFixture(t)
	f.tasks.On("EnqueueUploadFilter", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.signer.On("Sign", mock.Anything, mock.Anything).Return("", errors.New("autograph unavailable"))
	f.dist.sessionErr = errors.New("remote settings down")

	meta, err := f.pub.Generate(context.Background(), false)
	require.NoError(t, err)

	require.Error(t, f.pub.Upload(context.Background(), meta.GenerationID, meta.Actions))

	stored, err := f.files.ReadMetadata(meta.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, "autograph unavailable", stored.Filters[models.BlockTypeHard].SigningError)
	assert.Nil(t, stored.PublishedAt)
	_, published := f.store.config[repository.ConfigMLBFTime]
	assert.False(t, published)
}

func TestFilterPublisher_Generate_FailedBuildLeavesNoGeneration(t *testing.T) {
	f := newFilterFixture(t)
	f.pub.SaltBytes = mlbf.MinSaltBytes / 2

	meta, err := f.pub.Generate(context.Background(), false)

	require.Error(t, err)
	assert.Nil(t, meta)
	assert.False(t, f.files.Exists(f.now.UnixMilli()))
	f.tasks.AssertNotCalled(t, "EnqueueUploadFilter", mock.Anything, mock.Anything, mock.Anything)
}

func TestFilterPublisher_Upload_WithoutSigner(t *testing.T) {
	f := newFilterFixture(t)
	f.pub.Signer = nil
	f.tasks.On("EnqueueUploadFilter", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.tasks.On("EnqueueCleanup", mock.Anything, mock.Anything).Return(nil)

	meta, err := f.pub.Generate(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, f.pub.Upload(context.Background(), meta.GenerationID, meta.Actions))

	require.Len(t, f.dist.published, 2)
	stored, err := f.files.ReadMetadata(meta.GenerationID)
	require.NoError(t, err)
	assert.Empty(t, stored.Filters[models.BlockTypeHard].SigningError)
	assert.Empty(t, stored.Filters[models.BlockTypeHard].Signature)
	f.signer.AssertNotCalled(t, "Sign", mock.Anything, mock.Anything)
}

func TestFilterPublisher_Cleanup(t *testing.T) {
	f := newFilterFixture(t)
	week := 7 * 24 * time.Hour

	expired := f.now.Add(-30 * week).UnixMilli()
	base := f.now.Add(-28 * week).UnixMilli()
	afterBase := f.now.Add(-27 * week).UnixMilli()
	recent := f.now.Add(-week).UnixMilli()
	for _, id := range []int64{expired, base, afterBase, recent} {
		require.NoError(t, f.files.Create(id))
	}

	removed, err := f.pub.Cleanup(context.Background(), base)

	require.NoError(t, err)
	assert.Equal(t, []int64{expired}, removed)
	assert.Equal(t, []int64{expired}, f.mirror.deleted)
	assert.False(t, f.files.Exists(expired))
	assert.True(t, f.files.Exists(base))
	assert.True(t, f.files.Exists(afterBase))
	assert.True(t, f.files.Exists(recent))
}
