// Package service implements the blocklist submission workflow and the
// filter distribution jobs.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
	"github.com/mozilla/addons-server-sub004/internal/db/repository"
	"github.com/mozilla/addons-server-sub004/internal/events"
	"github.com/mozilla/addons-server-sub004/internal/lifecycle"
	"github.com/mozilla/addons-server-sub004/internal/metrics"
	"github.com/mozilla/addons-server-sub004/internal/mlbf"
	"github.com/mozilla/addons-server-sub004/internal/retry"
	"github.com/mozilla/addons-server-sub004/internal/risk"
	"github.com/mozilla/addons-server-sub004/internal/validation"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// dueBatchSize bounds how many due submissions one PublishDue run enqueues.
const dueBatchSize = 100

// TaskEnqueuer schedules background jobs. Implemented by the queue client.
type TaskEnqueuer interface {
	EnqueuePublishSubmission(ctx context.Context, submissionID int64, processAt time.Time) error
	EnqueueGenerateFilter(ctx context.Context, forceBase bool) error
	EnqueueUploadFilter(ctx context.Context, generationID int64, actions []mlbf.Action) error
	EnqueueCleanup(ctx context.Context, baseFilterID int64) error
}

// StatusCache is refreshed after every publication.
type StatusCache interface {
	Rebuild(ctx context.Context) error
}

// SubmissionDeps wires a SubmissionService.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type SubmissionDeps struct {
	Tx          db.Transactor
	Submissions repository.SubmissionRepository
	Blocks      repository.BlockRepository
	Catalog     repository.CatalogRepository
	Users       repository.UserRepository
	Audit       repository.AuditRepository
	Lifecycle   lifecycle.VersionLifecycle
	Assessor    *risk.Assessor
	Validator   *validation.Validator
	Tasks       TaskEnqueuer
	Cache       StatusCache
	Events      events.Publisher
	Metrics     *metrics.Metrics
	// Concurrency bounds the guids of one submission published in parallel.
	Concurrency int
	// TaskUserID is the actor of audit entries written by background tasks.
	TaskUserID int64
	// Retry spaces the sweeps of a submission whose publication failed and
	// caps how often it is attempted.
	Retry retry.Policy
	Now   func() time.Time
}

// SubmissionService runs the submission state machine.
type SubmissionService struct {
	SubmissionDeps
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(deps SubmissionDeps) *SubmissionService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Concurrency < 1 {
		deps.Concurrency = 1
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Validator == nil {
		deps.Validator = validation.New(0)
	}
	if deps.Retry.MaxAttempts < 1 {
		deps.Retry = retry.DefaultPolicy
	}
	return &SubmissionService{SubmissionDeps: deps}
}

// CreateSubmissionRequest is the input of Create.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type CreateSubmissionRequest struct {
	GUIDs             []string
	ChangedVersionIDs []int64
	Action            models.SubmissionAction
	BlockType         models.BlockType
	DisableAddon      bool
	URL               string
	Reason            string
	UpdateURL         bool
	UpdateReason      bool
	DelayDays         int
	UserID            int64
}

// Get returns a submission.
func (s *SubmissionService) Get(ctx context.Context, id int64) (*models.Submission, error) {
	return s.Submissions.Get(ctx, id)
}

// Create validates a request, assesses its risk and stores the submission.
// Cleared submissions are queued for publication at once, or when their
// delay expires.
func (s *SubmissionService) Create(ctx context.Context, req CreateSubmissionRequest) (*models.Submission, error) {
	if !req.Action.Valid() {
		return nil, validationErrorf("unknown action %q", req.Action)
	}
	if req.DelayDays < 0 {
		return nil, validationErrorf("delay_days must not be negative")
	}

	blockType := req.BlockType
	switch req.Action {
	case models.ActionHarden, models.ActionSoften:
		blockType = req.Action.TargetBlockType(blockType)
	default:
		if blockType == "" {
			blockType = models.BlockTypeHard
		}
		if !blockType.Valid() {
			return nil, validationErrorf("unknown block type %q", req.BlockType)
		}
	}

	guids, err := s.Validator.ValidateGUIDs(req.GUIDs)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	versionIDs, err := s.Validator.ValidateVersionIDs(req.ChangedVersionIDs)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	user, err := s.Users.Get(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load submitting user: %w", err)
	}
	if !user.Has(models.PermissionSubmit) {
		return nil, &PermissionError{UserID: user.ID, Action: "submit", Reason: "missing " + models.PermissionSubmit}
	}

	selected, err := s.selectVersions(ctx, guids, versionIDs)
	if err != nil {
		return nil, err
	}

	assessment, err := s.assess(ctx, req.Action, blockType, selected)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	sub := &models.Submission{
		InputGUIDs:        guids,
		ChangedVersionIDs: versionIDs,
		Action:            req.Action,
		BlockType:         blockType,
		DisableAddon:      req.DisableAddon,
		URL:               req.URL,
		Reason:            req.Reason,
		UpdateURL:         req.UpdateURL,
		UpdateReason:      req.UpdateReason,
		DelayDays:         req.DelayDays,
		DelayedUntil:      delayedUntil(now, req.DelayDays),
		SignoffState:      assessment.State,
		UpdatedBy:         user.ID,
	}

	if err := s.Submissions.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}

	logger.L().Info("Submission created",
		zap.Int64("submission_id", sub.ID),
		zap.String("action", string(sub.Action)),
		zap.String("signoff_state", string(sub.SignoffState)),
		zap.Strings("risky_guids", assessment.RiskyGUIDs),
		zap.Int("versions", len(sub.ChangedVersionIDs)),
	)
	s.Metrics.RecordSubmission(string(sub.Action), string(sub.SignoffState))
	s.publishEvent(ctx, events.TypeSubmissionCreated, sub)

	if sub.SignoffState.Cleared() {
		s.enqueuePublish(ctx, sub)
	}
	return sub, nil
}

// Update edits a non-terminal submission. The risk is assessed again; a
// change that makes an auto-approved or approved submission risky sends it
// back to PENDING.
func (s *SubmissionService) Update(ctx context.Context, id int64, patch models.SubmissionPatch, userID int64) (*models.Submission, error) {
	sub, err := s.Submissions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.Editable() {
		return nil, fmt.Errorf("submission %d is %s: %w", id, sub.SignoffState, ErrInvalidState)
	}

	user, err := s.Users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load editing user: %w", err)
	}
	if !user.Has(models.PermissionSubmit) && !user.Has(models.PermissionSignoff) {
		return nil, &PermissionError{UserID: user.ID, Action: "edit", Reason: "not a submitter or reviewer"}
	}

	expected := sub.SignoffState
	scopeChanged := false

	if patch.ChangedVersionIDs != nil {
		ids, err := s.Validator.ValidateVersionIDs(patch.ChangedVersionIDs)
		if err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
		scopeChanged = !slices.Equal(ids, sub.ChangedVersionIDs)
		sub.ChangedVersionIDs = ids
	}
	if patch.DelayDays != nil {
		if *patch.DelayDays < 0 {
			return nil, validationErrorf("delay_days must not be negative")
		}
		sub.DelayDays = *patch.DelayDays
		sub.DelayedUntil = delayedUntil(s.Now(), sub.DelayDays)
	}
	if patch.URL != nil {
		sub.URL = *patch.URL
	}
	if patch.Reason != nil {
		sub.Reason = *patch.Reason
	}
	if patch.UpdateURL != nil {
		sub.UpdateURL = *patch.UpdateURL
	}
	if patch.UpdateReason != nil {
		sub.UpdateReason = *patch.UpdateReason
	}

	selected, err := s.selectVersions(ctx, sub.InputGUIDs, sub.ChangedVersionIDs)
	if err != nil {
		return nil, err
	}
	assessment, err := s.assess(ctx, sub.Action, sub.BlockType, selected)
	if err != nil {
		return nil, err
	}

	if assessment.State == models.SignoffPending {
		switch {
		case sub.SignoffState == models.SignoffAutoApproved,
			sub.SignoffState == models.SignoffApproved && scopeChanged:
			sub.SignoffState = models.SignoffPending
			sub.SignoffBy = nil
		}
	}

	ok, err := s.Submissions.Update(ctx, sub, expected)
	if err != nil {
		return nil, fmt.Errorf("update submission: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("submission %d changed state concurrently: %w", id, ErrInvalidState)
	}

	logger.L().Info("Submission updated",
		zap.Int64("submission_id", sub.ID),
		zap.Int64("user_id", userID),
		zap.String("signoff_state", string(sub.SignoffState)),
		zap.Strings("risky_guids", assessment.RiskyGUIDs),
	)

	if sub.SignoffState.Cleared() {
		s.enqueuePublish(ctx, sub)
	}
	return sub, nil
}

// Approve signs off a PENDING submission and queues its publication.
func (s *SubmissionService) Approve(ctx context.Context, id, userID int64) (*models.Submission, error) {
	return s.decide(ctx, id, userID, models.SignoffApproved)
}

// Reject closes a PENDING submission without side effects.
func (s *SubmissionService) Reject(ctx context.Context, id, userID int64) (*models.Submission, error) {
	return s.decide(ctx, id, userID, models.SignoffRejected)
}

func (s *SubmissionService) decide(ctx context.Context, id, userID int64, to models.SignoffState) (*models.Submission, error) {
	sub, err := s.Submissions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.SignoffState != models.SignoffPending {
		return nil, fmt.Errorf("submission %d is %s: %w", id, sub.SignoffState, ErrInvalidState)
	}

	user, err := s.Users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load reviewing user: %w", err)
	}

	action := models.AuditSignoff
	decision := "approved"
	if to == models.SignoffApproved {
		err = s.Assessor.CanSignoff(sub, user)
	} else {
		action = models.AuditSubmissionRejected
		decision = "rejected"
		err = s.Assessor.CanReject(sub, user)
	}
	if err != nil {
		return nil, err
	}

	err = s.Tx.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.Submissions.TransitionSignoff(ctx, id, models.SignoffPending, to, &user.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("submission %d changed state concurrently: %w", id, ErrInvalidState)
		}
		return s.Audit.Log(ctx, &models.AuditEntry{
			Action:  action,
			Targets: []models.AuditTarget{models.SubmissionTarget(id)},
			Details: map[string]any{"decision": decision, "guids": sub.InputGUIDs},
			UserID:  user.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	sub.SignoffState = to
	sub.SignoffBy = &user.ID

	logger.L().Info("Submission signed off",
		zap.Int64("submission_id", id),
		zap.Int64("user_id", user.ID),
		zap.String("decision", decision),
	)
	s.Metrics.RecordSignoff(decision)

	if to == models.SignoffApproved {
		s.publishEvent(ctx, events.TypeSubmissionApproved, sub)
		s.enqueuePublish(ctx, sub)
	} else {
		s.publishEvent(ctx, events.TypeSubmissionRejected, sub)
	}
	return sub, nil
}

// PublishDue enqueues publication of every cleared submission whose delay
// and failure backoff have expired. Submissions that failed Retry.MaxAttempts
// times are left alone until edited. It returns how many were enqueued.
func (s *SubmissionService) PublishDue(ctx context.Context) (int, error) {
	now := s.Now()
	ids, err := s.Submissions.ListDue(ctx, now, s.Retry.MaxAttempts, dueBatchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, id := range ids {
		if err := s.Tasks.EnqueuePublishSubmission(ctx, id, now); err != nil {
			return enqueued, fmt.Errorf("enqueue submission %d: %w", id, err)
		}
		enqueued++
	}
	if enqueued > 0 {
		logger.L().Info("Enqueued due submissions", zap.Int("count", enqueued))
	}
	return enqueued, nil
}

// Publish applies a cleared submission. Each guid is committed in its own
// transaction, guids committed by an earlier run are skipped, and the
// submission becomes PUBLISHED only once every guid committed. Publishing a
// PUBLISHED submission does nothing.
func (s *SubmissionService) Publish(ctx context.Context, id int64) error {
	start := s.Now()

	sub, err := s.Submissions.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.SignoffState == models.SignoffPublished {
		logger.L().Debug("Submission already published", zap.Int64("submission_id", id))
		return nil
	}
	if !sub.ReadyToPublish(start) {
		return fmt.Errorf("submission %d (%s): %w", id, sub.SignoffState, ErrNotReady)
	}

	selected, err := s.selectVersions(ctx, sub.InputGUIDs, sub.ChangedVersionIDs)
	if err != nil {
		return s.recordAttempt(ctx, sub, err)
	}
	byGUID := groupByGUID(selected)

	guids := make([]string, 0, len(byGUID))
	for guid := range byGUID {
		if !sub.Committed(guid) {
			guids = append(guids, guid)
		}
	}
	slices.Sort(guids)

	populations, err := s.Catalog.AverageDailyUsers(ctx, guids)
	if err != nil {
		return s.recordAttempt(ctx, sub, fmt.Errorf("load average daily users: %w", err))
	}

	var (
		mu       sync.Mutex
		failures []GUIDFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Concurrency)
	for _, guid := range guids {
		g.Go(func() error {
			if err := s.publishGUID(gctx, sub, guid, byGUID[guid], populations[guid]); err != nil {
				mu.Lock()
				failures = append(failures, GUIDFailure{GUID: guid, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	committed := len(guids) - len(failures)
	s.Metrics.RecordPublish(committed, len(failures), s.Now().Sub(start))

	if len(failures) > 0 {
		slices.SortFunc(failures, func(a, b GUIDFailure) int { return cmp.Compare(a.GUID, b.GUID) })
		return s.recordAttempt(ctx, sub, s.recordFailure(ctx, sub, failures))
	}

	ok, err := s.Submissions.MarkPublished(ctx, id)
	if err != nil {
		return fmt.Errorf("mark submission published: %w", err)
	}
	if !ok {
		current, err := s.Submissions.Get(ctx, id)
		if err == nil && current.SignoffState == models.SignoffPublished {
			return nil
		}
		return fmt.Errorf("submission %d left a cleared state during publication: %w", id, ErrInvalidState)
	}
	sub.SignoffState = models.SignoffPublished

	if err := s.Audit.Log(ctx, &models.AuditEntry{
		Action:  models.AuditSubmissionPublished,
		Targets: []models.AuditTarget{models.SubmissionTarget(id)},
		Details: map[string]any{"guids": guids, "action": sub.Action},
		UserID:  sub.UpdatedBy,
	}); err != nil {
		logger.L().Warn("Failed to audit published submission", zap.Int64("submission_id", id), zap.Error(err))
	}

	logger.L().Info("Submission published",
		zap.Int64("submission_id", id),
		zap.Int("guids", committed),
		zap.Duration("duration", s.Now().Sub(start)),
	)

	if s.Cache != nil {
		if err := s.Cache.Rebuild(ctx); err != nil {
			logger.L().Warn("Failed to rebuild block status cache", zap.Error(err))
		}
	}
	s.publishEvent(ctx, events.TypeSubmissionPublished, sub)
	if err := s.Tasks.EnqueueGenerateFilter(ctx, false); err != nil {
		logger.L().Warn("Failed to enqueue filter generation", zap.Int64("submission_id", id), zap.Error(err))
	}
	return nil
}

// publishGUID is one guid's transaction: block metadata, version rows,
// audit entries, lifecycle consequences and the committed marker. The
// submission row stays locked for the whole unit, so a guid committed by a
// concurrent run of the same submission is not applied again.
func (s *SubmissionService) publishGUID(ctx context.Context, sub *models.Submission, guid string, versions []*models.Version, adu int64) error {
	return s.Tx.WithTx(ctx, func(ctx context.Context) error {
		committed, err := s.Submissions.LockCommittedGUIDs(ctx, sub.ID)
		if err != nil {
			return err
		}
		if slices.Contains(committed, guid) {
			logger.L().Debug("Guid already committed",
				zap.Int64("submission_id", sub.ID),
				zap.String("guid", guid),
			)
			return nil
		}

		block, err := s.Blocks.GetByGUID(ctx, guid)
		if err != nil && !db.IsNotFound(err) {
			return err
		}

		if sub.Action == models.ActionDelete {
			err = s.unblockGUID(ctx, sub, block, versions, adu)
		} else {
			err = s.blockGUID(ctx, sub, guid, block, versions, adu)
		}
		if err != nil {
			return err
		}

		return s.Submissions.MarkGUIDCommitted(ctx, sub.ID, guid)
	})
}

func (s *SubmissionService) blockGUID(ctx context.Context, sub *models.Submission, guid string, block *models.Block, versions []*models.Version, adu int64) error {
	target := sub.Action.TargetBlockType(sub.BlockType)

	created := block == nil
	if created {
		block = &models.Block{
			GUID:                      guid,
			URL:                       sub.URL,
			Reason:                    sub.Reason,
			UpdatedBy:                 sub.UpdatedBy,
			AverageDailyUsersSnapshot: adu,
		}
		if err := s.Blocks.Create(ctx, block); err != nil {
			return err
		}
	} else if err := s.Blocks.UpdateMetadata(ctx, block.ID, s.metadataUpdate(sub, adu)); err != nil {
		return err
	}

	var added, changed []string
	var touched []*models.Version
	for _, v := range versions {
		res, err := s.Blocks.UpsertVersion(ctx, block.ID, v.ID, target)
		if err != nil {
			return err
		}

		var action models.AuditAction
		switch {
		case res == models.UpsertCreated && target == models.BlockTypeSoft:
			action = models.AuditVersionSoftBlocked
			added = append(added, v.Version)
		case res == models.UpsertCreated:
			action = models.AuditVersionBlocked
			added = append(added, v.Version)
		case res == models.UpsertRetyped && target == models.BlockTypeSoft:
			action = models.AuditVersionSoftBlocked
			changed = append(changed, v.Version)
		case res == models.UpsertRetyped:
			action = models.AuditVersionHardened
			changed = append(changed, v.Version)
		default:
			continue
		}
		touched = append(touched, v)

		if err := s.logVersion(ctx, sub, action, block, v, target); err != nil {
			return err
		}
	}

	guidAction := models.AuditBlockEdited
	if created {
		guidAction = models.AuditBlockAdded
	}
	if err := s.Audit.Log(ctx, &models.AuditEntry{
		Action:  guidAction,
		Targets: append(addonTargets(versions), models.BlockTarget(block.ID), models.SubmissionTarget(sub.ID)),
		Details: s.guidDetails(sub, guid, target, map[string]any{
			"added_versions":   nonNil(added),
			"changed_versions": nonNil(changed),
		}),
		UserID: sub.UpdatedBy,
	}); err != nil {
		return err
	}

	return s.applyLifecycle(ctx, sub, target, versions, touched)
}

func (s *SubmissionService) unblockGUID(ctx context.Context, sub *models.Submission, block *models.Block, versions []*models.Version, adu int64) error {
	if block == nil {
		return nil
	}

	var removed []string
	for _, v := range versions {
		ok, err := s.Blocks.DeleteVersion(ctx, v.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		removed = append(removed, v.Version)
		if err := s.logVersion(ctx, sub, models.AuditVersionUnblocked, block, v, ""); err != nil {
			return err
		}
	}

	remaining, err := s.Blocks.CountVersions(ctx, block.ID)
	if err != nil {
		return err
	}

	action := models.AuditBlockEdited
	if remaining == 0 {
		action = models.AuditBlockDeleted
		if err := s.Blocks.Delete(ctx, block.ID); err != nil {
			return err
		}
	} else if err := s.Blocks.UpdateMetadata(ctx, block.ID, s.metadataUpdate(sub, adu)); err != nil {
		return err
	}

	if err := s.Audit.Log(ctx, &models.AuditEntry{
		Action:  action,
		Targets: append(addonTargets(versions), models.BlockTarget(block.ID), models.SubmissionTarget(sub.ID)),
		Details: s.guidDetails(sub, block.GUID, "", map[string]any{"removed_versions": nonNil(removed)}),
		UserID:  sub.UpdatedBy,
	}); err != nil {
		return err
	}

	for _, addonID := range addonIDs(versions) {
		if err := s.Lifecycle.RecomputeAddonStatus(ctx, addonID); err != nil {
			return err
		}
	}
	return nil
}

// applyLifecycle hands the consequences of newly blocked or retyped versions
// to the catalog, then reconciles each affected add-on.
func (s *SubmissionService) applyLifecycle(ctx context.Context, sub *models.Submission, target models.BlockType, versions, touched []*models.Version) error {
	reviewer := sub.UpdatedBy
	if sub.SignoffBy != nil {
		reviewer = *sub.SignoffBy
	}

	for _, v := range touched {
		if target == models.BlockTypeHard {
			if err := s.Lifecycle.DisableFile(ctx, v.ID); err != nil {
				return err
			}
			if err := s.Lifecycle.MarkRejected(ctx, v.ID, lifecycle.Decision{
				Action:     models.AuditVersionRejected,
				Policy:     lifecycle.PolicyBlocklisted,
				ReviewerID: reviewer,
			}); err != nil {
				return err
			}
		}
		if err := s.Lifecycle.ClearNeedsHumanReview(ctx, v.ID); err != nil {
			return err
		}
	}

	for _, addonID := range addonIDs(versions) {
		if sub.DisableAddon {
			if err := s.Lifecycle.DisableAddon(ctx, addonID); err != nil {
				return err
			}
		}
		if err := s.Lifecycle.RecomputeAddonStatus(ctx, addonID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SubmissionService) logVersion(ctx context.Context, sub *models.Submission, action models.AuditAction, block *models.Block, v *models.Version, target models.BlockType) error {
	details := map[string]any{
		"guid":          block.GUID,
		"version":       v.Version,
		"submission_id": sub.ID,
	}
	if target != "" {
		details["block_type"] = target
	}
	return s.Audit.Log(ctx, &models.AuditEntry{
		Action: action,
		Targets: []models.AuditTarget{
			models.AddonTarget(v.AddonID), models.VersionTarget(v.ID), models.BlockTarget(block.ID),
		},
		Details: details,
		UserID:  sub.UpdatedBy,
	})
}

func (s *SubmissionService) guidDetails(sub *models.Submission, guid string, target models.BlockType, extra map[string]any) map[string]any {
	details := map[string]any{
		"guid":          guid,
		"submission_id": sub.ID,
		"signoff_state": sub.SignoffState,
		"reason":        sub.Reason,
		"url":           sub.URL,
	}
	if target != "" {
		details["block_type"] = target
	}
	if sub.SignoffBy != nil {
		details["signoff_by"] = *sub.SignoffBy
	}
	for k, v := range extra {
		details[k] = v
	}
	return details
}

func (s *SubmissionService) metadataUpdate(sub *models.Submission, adu int64) models.BlockMetadataUpdate {
	update := models.BlockMetadataUpdate{
		UpdatedBy:                 &sub.UpdatedBy,
		AverageDailyUsersSnapshot: &adu,
	}
	if sub.UpdateURL {
		update.URL = &sub.URL
	}
	if sub.UpdateReason {
		update.Reason = &sub.Reason
	}
	return update
}

// recordFailure reports rolled back guids. The submission keeps its cleared
// state so the queue's retry publishes the remaining guids.
func (s *SubmissionService) recordFailure(ctx context.Context, sub *models.Submission, failures []GUIDFailure) error {
	cerr := &ConsistencyError{SubmissionID: sub.ID, Failures: failures}

	failed := make([]string, len(failures))
	for i, f := range failures {
		failed[i] = f.GUID
		logger.L().Error("Failed to publish guid",
			zap.Int64("submission_id", sub.ID),
			zap.String("guid", f.GUID),
			zap.Error(f.Err),
		)
	}

	if err := s.Audit.Log(ctx, &models.AuditEntry{
		Action:  models.AuditSubmissionFailed,
		Targets: []models.AuditTarget{models.SubmissionTarget(sub.ID)},
		Details: map[string]any{
			"error":         "Exception in task: " + cerr.Error(),
			"failed_guids":  failed,
			"signoff_state": sub.SignoffState,
		},
		UserID: s.TaskUserID,
	}); err != nil {
		logger.L().Error("Failed to audit submission failure", zap.Int64("submission_id", sub.ID), zap.Error(err))
	}

	s.emit(ctx, events.TypeSubmissionFailed, map[string]any{
		"submission_id": sub.ID,
		"failed_guids":  failed,
	})
	return cerr
}

// recordAttempt counts a failed publication of sub, pushes its next sweep
// back by the retry delay and returns cause.
func (s *SubmissionService) recordAttempt(ctx context.Context, sub *models.Submission, cause error) error {
	next := s.Now().Add(s.Retry.Delay(sub.PublishAttempts + 1))
	attempts, err := s.Submissions.RecordPublishFailure(ctx, sub.ID, next)
	if err != nil {
		logger.L().Warn("Failed to record publish attempt", zap.Int64("submission_id", sub.ID), zap.Error(err))
		return cause
	}
	if attempts >= s.Retry.MaxAttempts {
		logger.L().Error("Submission publication gave up",
			zap.Int64("submission_id", sub.ID),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
	}
	return cause
}

// selectVersions resolves changed version ids against every add-on that
// carried one of guids, deleted ones included. An id outside guids is a
// validation error.
func (s *SubmissionService) selectVersions(ctx context.Context, guids []string, versionIDs []int64) ([]*models.Version, error) {
	versions, err := s.Catalog.VersionsForGUIDs(ctx, models.ViewAll, guids)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}

	byID := make(map[int64]*models.Version, len(versions))
	for _, v := range versions {
		byID[v.ID] = v
	}

	selected := make([]*models.Version, 0, len(versionIDs))
	for _, id := range versionIDs {
		v, ok := byID[id]
		if !ok {
			return nil, validationErrorf("version %d does not belong to any submitted guid", id)
		}
		selected = append(selected, v)
	}
	return selected, nil
}

// assess computes the sign-off state from the population of every guid with
// a selected version that would newly become hard blocked.
func (s *SubmissionService) assess(ctx context.Context, action models.SubmissionAction, blockType models.BlockType, selected []*models.Version) (risk.Assessment, error) {
	if action.TargetBlockType(blockType) != models.BlockTypeHard {
		return s.Assessor.Assess(action, blockType, nil), nil
	}

	var guids []string
	for _, v := range selected {
		if !v.IsBlocked(models.BlockTypeHard) && !slices.Contains(guids, v.GUID) {
			guids = append(guids, v.GUID)
		}
	}
	if len(guids) == 0 {
		return s.Assessor.Assess(action, blockType, nil), nil
	}

	populations, err := s.Catalog.AverageDailyUsers(ctx, guids)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("load average daily users: %w", err)
	}
	return s.Assessor.Assess(action, blockType, populations), nil
}

func (s *SubmissionService) enqueuePublish(ctx context.Context, sub *models.Submission) {
	at := s.Now()
	if sub.DelayedUntil != nil && sub.DelayedUntil.After(at) {
		at = *sub.DelayedUntil
	}
	if err := s.Tasks.EnqueuePublishSubmission(ctx, sub.ID, at); err != nil {
		// The publish_due schedule picks the submission up later.
		logger.L().Warn("Failed to enqueue submission publication",
			zap.Int64("submission_id", sub.ID),
			zap.Error(err),
		)
	}
}

func (s *SubmissionService) publishEvent(ctx context.Context, eventType string, sub *models.Submission) {
	s.emit(ctx, eventType, map[string]any{
		"submission_id": sub.ID,
		"action":        sub.Action,
		"signoff_state": sub.SignoffState,
		"guids":         sub.InputGUIDs,
	})
}

func (s *SubmissionService) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := s.Events.Publish(ctx, events.New(eventType, payload)); err != nil {
		logger.L().Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func delayedUntil(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := now.Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

func groupByGUID(versions []*models.Version) map[string][]*models.Version {
	out := make(map[string][]*models.Version)
	for _, v := range versions {
		out[v.GUID] = append(out[v.GUID], v)
	}
	return out
}

func addonIDs(versions []*models.Version) []int64 {
	var ids []int64
	for _, v := range versions {
		if !slices.Contains(ids, v.AddonID) {
			ids = append(ids, v.AddonID)
		}
	}
	return ids
}

func addonTargets(versions []*models.Version) []models.AuditTarget {
	ids := addonIDs(versions)
	targets := make([]models.AuditTarget, 0, len(ids)+2)
	for _, id := range ids {
		targets = append(targets, models.AddonTarget(id))
	}
	return targets
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// IsNotReady reports whether err means the submission cannot publish yet.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}
