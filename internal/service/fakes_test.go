package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
	"github.com/mozilla/addons-server-sub004/internal/lifecycle"
	"github.com/mozilla/addons-server-sub004/internal/mlbf"
	"github.com/mozilla/addons-server-sub004/internal/remotesettings"
)

// memStore is an in-memory database shared by the fake repositories. A
// transaction snapshots the state and restores it when the function fails.
type memStore struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	next  int64
	subs  map[int64]*models.Submission
	block map[int64]*models.Block
	// bv is keyed by version id.
	bv      map[int64]*models.BlockVersion
	catalog []*models.Version
	adu     map[string]int64
	users   map[int64]*models.User
	audit   []*models.AuditEntry
	config  map[string]int64

	// failUpsert makes UpsertVersion fail for blocks of a guid.
	failUpsert map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		subs:       make(map[int64]*models.Submission),
		block:      make(map[int64]*models.Block),
		bv:         make(map[int64]*models.BlockVersion),
		adu:        make(map[string]int64),
		users:      make(map[int64]*models.User),
		config:     make(map[string]int64),
		failUpsert: make(map[string]error),
	}
}

func (s *memStore) id() int64 {
	s.next++
	return s.next
}

func (s *memStore) addUser(id int64, perms ...string) {
	s.users[id] = &models.User{ID: id, Username: fmt.Sprintf("user%d", id), Permissions: perms}
}

func (s *memStore) addVersion(id, addonID int64, guid, version string) {
	s.catalog = append(s.catalog, &models.Version{
		ID:          id,
		AddonID:     addonID,
		GUID:        guid,
		Version:     version,
		AddonStatus: models.AddonStatusPublic,
		FileStatus:  models.FileStatusPublic,
		IsSigned:    true,
	})
}

func (s *memStore) auditActions() []models.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditAction, len(s.audit))
	for i, e := range s.audit {
		out[i] = e.Action
	}
	return out
}

func (s *memStore) countAudit(action models.AuditAction, guid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.audit {
		if e.Action == action && (guid == "" || e.Details["guid"] == guid) {
			n++
		}
	}
	return n
}

func (s *memStore) blockTypeOf(versionID int64) models.BlockType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bv[versionID]; ok {
		return b.BlockType
	}
	return ""
}

type memSnapshot struct {
	next   int64
	subs   map[int64]*models.Submission
	block  map[int64]*models.Block
	bv     map[int64]*models.BlockVersion
	audit  int
	config map[string]int64
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		next:   s.next,
		subs:   make(map[int64]*models.Submission, len(s.subs)),
		block:  make(map[int64]*models.Block, len(s.block)),
		bv:     make(map[int64]*models.BlockVersion, len(s.bv)),
		audit:  len(s.audit),
		config: maps.Clone(s.config),
	}
	for k, v := range s.subs {
		snap.subs[k] = cloneSubmission(v)
	}
	for k, v := range s.block {
		c := *v
		snap.block[k] = &c
	}
	for k, v := range s.bv {
		c := *v
		snap.bv[k] = &c
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = snap.next
	s.subs = snap.subs
	s.block = snap.block
	s.bv = snap.bv
	s.audit = s.audit[:snap.audit]
	s.config = snap.config
}

type memTxKey struct{}

// WithTx serializes transactions. Nested calls join the outer one.
func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func cloneSubmission(sub *models.Submission) *models.Submission {
	c := *sub
	c.InputGUIDs = slices.Clone(sub.InputGUIDs)
	c.ChangedVersionIDs = slices.Clone(sub.ChangedVersionIDs)
	c.CommittedGUIDs = slices.Clone(sub.CommittedGUIDs)
	return &c
}

type memSubmissions struct{ *memStore }

func (r memSubmissions) Create(_ context.Context, sub *models.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.ID = r.id()
	sub.CreatedAt = time.Now()
	sub.ModifiedAt = sub.CreatedAt
	r.subs[sub.ID] = cloneSubmission(sub)
	return nil
}

func (r memSubmissions) Get(_ context.Context, id int64) (*models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (r memSubmissions) Update(_ context.Context, sub *models.Submission, expected models.SignoffState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.subs[sub.ID]
	if !ok || stored.SignoffState != expected {
		return false, nil
	}
	c := cloneSubmission(sub)
	c.CommittedGUIDs = stored.CommittedGUIDs
	c.PublishAttempts = 0
	c.NextAttemptAt = nil
	r.subs[sub.ID] = c
	return true, nil
}

func (r memSubmissions) TransitionSignoff(_ context.Context, id int64, from, to models.SignoffState, by *int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok || sub.SignoffState != from {
		return false, nil
	}
	sub.SignoffState = to
	sub.SignoffBy = by
	return true, nil
}

func (r memSubmissions) LockCommittedGUIDs(_ context.Context, id int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return slices.Clone(sub.CommittedGUIDs), nil
}

func (r memSubmissions) RecordPublishFailure(_ context.Context, id int64, nextAttemptAt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return 0, db.ErrNotFound
	}
	sub.PublishAttempts++
	sub.NextAttemptAt = &nextAttemptAt
	return sub.PublishAttempts, nil
}

func (r memSubmissions) MarkGUIDCommitted(_ context.Context, id int64, guid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return db.ErrNotFound
	}
	if !slices.Contains(sub.CommittedGUIDs, guid) {
		sub.CommittedGUIDs = append(sub.CommittedGUIDs, guid)
	}
	return nil
}

func (r memSubmissions) MarkPublished(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok || !sub.SignoffState.Cleared() {
		return false, nil
	}
	sub.SignoffState = models.SignoffPublished
	return true, nil
}

func (r memSubmissions) ListDue(_ context.Context, now time.Time, maxAttempts, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, sub := range r.subs {
		backoff := sub.NextAttemptAt != nil && now.Before(*sub.NextAttemptAt)
		if sub.ReadyToPublish(now) && !backoff && sub.PublishAttempts < maxAttempts {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memBlocks struct{ *memStore }

func (r memBlocks) GetByGUID(_ context.Context, guid string) (*models.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.block {
		if b.GUID == guid {
			c := *b
			return &c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (r memBlocks) GetByGUIDs(_ context.Context, guids []string) (map[string]*models.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*models.Block)
	for _, b := range r.block {
		if slices.Contains(guids, b.GUID) {
			c := *b
			out[b.GUID] = &c
		}
	}
	return out, nil
}

func (r memBlocks) Create(_ context.Context, block *models.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.block {
		if b.GUID == block.GUID {
			return db.ErrDuplicateKey
		}
	}
	block.ID = r.id()
	c := *block
	r.block[block.ID] = &c
	return nil
}

func (r memBlocks) UpdateMetadata(_ context.Context, blockID int64, u models.BlockMetadataUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.block[blockID]
	if !ok {
		return db.ErrNotFound
	}
	if u.URL != nil {
		b.URL = *u.URL
	}
	if u.Reason != nil {
		b.Reason = *u.Reason
	}
	if u.UpdatedBy != nil {
		b.UpdatedBy = *u.UpdatedBy
	}
	if u.AverageDailyUsersSnapshot != nil {
		b.AverageDailyUsersSnapshot = *u.AverageDailyUsersSnapshot
	}
	return nil
}

func (r memBlocks) Delete(_ context.Context, blockID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.block, blockID)
	for id, v := range r.bv {
		if v.BlockID == blockID {
			delete(r.bv, id)
		}
	}
	return nil
}

func (r memBlocks) ListVersions(_ context.Context, blockID int64) ([]*models.BlockVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BlockVersion
	for _, v := range r.bv {
		if v.BlockID == blockID {
			c := *v
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r memBlocks) UpsertVersion(_ context.Context, blockID, versionID int64, blockType models.BlockType) (models.UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.block[blockID]; ok {
		if err := r.failUpsert[b.GUID]; err != nil {
			return models.UpsertUnchanged, err
		}
	}
	existing, ok := r.bv[versionID]
	switch {
	case !ok:
		r.bv[versionID] = &models.BlockVersion{ID: r.id(), BlockID: blockID, VersionID: versionID, BlockType: blockType}
		return models.UpsertCreated, nil
	case existing.BlockType != blockType:
		existing.BlockType = blockType
		existing.BlockID = blockID
		return models.UpsertRetyped, nil
	}
	return models.UpsertUnchanged, nil
}

func (r memBlocks) DeleteVersion(_ context.Context, versionID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bv[versionID]
	delete(r.bv, versionID)
	return ok, nil
}

func (r memBlocks) CountVersions(_ context.Context, blockID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.bv {
		if v.BlockID == blockID {
			n++
		}
	}
	return n, nil
}

func (r memBlocks) BlockStatus(ctx context.Context, guid, version string) (*models.BlockStatus, error) {
	all, _ := r.AllStatuses(ctx)
	for _, st := range all {
		if st.GUID == guid && st.Version == version {
			return &st, nil
		}
	}
	return nil, db.ErrNotFound
}

func (r memBlocks) AllStatuses(_ context.Context) ([]models.BlockStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BlockStatus
	for _, v := range r.catalog {
		if b, ok := r.bv[v.ID]; ok {
			out = append(out, models.BlockStatus{
				GUID: v.GUID, Version: v.Version, BlockID: b.BlockID,
				BlockType: b.BlockType, StatusID: b.BlockType.StatusID(),
			})
		}
	}
	return out, nil
}

type memCatalog struct{ *memStore }

func (r memCatalog) VersionsForGUIDs(_ context.Context, _ models.CatalogView, guids []string) ([]*models.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Version
	for _, v := range r.catalog {
		if !slices.Contains(guids, v.GUID) {
			continue
		}
		c := *v
		if b, ok := r.bv[v.ID]; ok {
			id, bt := b.BlockID, b.BlockType
			c.BlockID, c.BlockType = &id, &bt
		}
		out = append(out, &c)
	}
	return out, nil
}

func (r memCatalog) AverageDailyUsers(_ context.Context, guids []string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(guids))
	for _, g := range guids {
		out[g] = r.adu[g]
	}
	return out, nil
}

func (r memCatalog) FilterKeys(_ context.Context) ([]models.FilterKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.FilterKey
	for _, v := range r.catalog {
		if !v.IsSigned {
			continue
		}
		key := models.FilterKey{GUID: v.GUID, Version: v.Version}
		if b, ok := r.bv[v.ID]; ok {
			bt := b.BlockType
			key.BlockType = &bt
		}
		out = append(out, key)
	}
	return out, nil
}

type memUsers struct{ *memStore }

func (r memUsers) Get(_ context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

type memAudit struct{ *memStore }

func (r memAudit) Log(_ context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = r.id()
	entry.CreatedAt = time.Now()
	r.audit = append(r.audit, entry)
	return nil
}

func (r memAudit) ListForTarget(_ context.Context, target models.AuditTarget, limit int) ([]*models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.AuditEntry
	for i := len(r.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if slices.Contains(r.audit[i].Targets, target) {
			out = append(out, r.audit[i])
		}
	}
	return out, nil
}

type memConfig struct{ *memStore }

func (r memConfig) GetInt64(_ context.Context, key string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.config[key]
	return v, ok, nil
}

func (r memConfig) SetInt64(_ context.Context, key string, value int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config[key] = value
	return nil
}

// recordingLifecycle records lifecycle calls as "Method:id".
type recordingLifecycle struct {
	mu    sync.Mutex
	calls []string
}

func (l *recordingLifecycle) record(method string, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf("%s:%d", method, id))
	return nil
}

func (l *recordingLifecycle) DisableFile(_ context.Context, id int64) error {
	return l.record("DisableFile", id)
}

func (l *recordingLifecycle) MarkRejected(_ context.Context, id int64, _ lifecycle.Decision) error {
	return l.record("MarkRejected", id)
}

func (l *recordingLifecycle) ClearNeedsHumanReview(_ context.Context, id int64) error {
	return l.record("ClearNeedsHumanReview", id)
}

func (l *recordingLifecycle) DisableAddon(_ context.Context, id int64) error {
	return l.record("DisableAddon", id)
}

func (l *recordingLifecycle) RecomputeAddonStatus(_ context.Context, id int64) error {
	return l.record("RecomputeAddonStatus", id)
}

func (l *recordingLifecycle) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// MockTasks is a mock implementation of TaskEnqueuer.
type MockTasks struct {
	mock.Mock
}

func (m *MockTasks) EnqueuePublishSubmission(ctx context.Context, submissionID int64, processAt time.Time) error {
	args := m.Called(ctx, submissionID, processAt)
	return args.Error(0)
}

func (m *MockTasks) EnqueueGenerateFilter(ctx context.Context, forceBase bool) error {
	args := m.Called(ctx, forceBase)
	return args.Error(0)
}

func (m *MockTasks) EnqueueUploadFilter(ctx context.Context, generationID int64, actions []mlbf.Action) error {
	args := m.Called(ctx, generationID, actions)
	return args.Error(0)
}

func (m *MockTasks) EnqueueCleanup(ctx context.Context, baseFilterID int64) error {
	args := m.Called(ctx, baseFilterID)
	return args.Error(0)
}

// MockCache is a mock implementation of StatusCache.
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Rebuild(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockSigner is a mock implementation of signing.Signer.
type MockSigner struct {
	mock.Mock
}

func (m *MockSigner) Sign(ctx context.Context, data []byte) (string, error) {
	args := m.Called(ctx, data)
	return args.String(0), args.Error(1)
}

// fakeDistributor is an in-memory remote settings collection.
type fakeDistributor struct {
	mu        sync.Mutex
	records   map[string]remotesettings.Record
	published []map[string]any
	deleted   []string
	sessions  int
	next      int

	// sessionErr makes CompleteSession fail.
	sessionErr error
}

func newFakeDistributor() *fakeDistributor {
	return &fakeDistributor{records: make(map[string]remotesettings.Record)}
}

func (d *fakeDistributor) Records(context.Context) ([]remotesettings.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]remotesettings.Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	return out, nil
}

func (d *fakeDistributor) PublishAttachment(_ context.Context, data map[string]any, filename string, content []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := fmt.Sprintf("rec-%d", d.next)
	d.records[id] = remotesettings.Record{
		ID:             id,
		AttachmentType: data["attachment_type"].(string),
		Attachment:     &remotesettings.Attachment{Filename: filename, Size: int64(len(content))},
	}
	d.published = append(d.published, data)
	return id, nil
}

func (d *fakeDistributor) PublishRecord(_ context.Context, data any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := fmt.Sprintf("rec-%d", d.next)
	d.records[id] = remotesettings.Record{ID: id, Stash: []byte(`{"blocked":[]}`)}
	d.published = append(d.published, data.(map[string]any))
	return id, nil
}

func (d *fakeDistributor) DeleteRecord(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, id)
	d.deleted = append(d.deleted, id)
	return nil
}

func (d *fakeDistributor) CompleteSession(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionErr != nil {
		return d.sessionErr
	}
	d.sessions++
	return nil
}
