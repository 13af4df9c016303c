package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
	"github.com/mozilla/addons-server-sub004/internal/db/repository"
	"github.com/mozilla/addons-server-sub004/internal/events"
	"github.com/mozilla/addons-server-sub004/internal/metrics"
	"github.com/mozilla/addons-server-sub004/internal/mlbf"
	"github.com/mozilla/addons-server-sub004/internal/remotesettings"
	"github.com/mozilla/addons-server-sub004/internal/signing"
	"github.com/mozilla/addons-server-sub004/internal/storage"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// filterAttachmentName is the file name of every uploaded filter blob.
const filterAttachmentName = "filter.bin"

// Distributor is the remote settings collection filters are published to.
type Distributor interface {
	Records(ctx context.Context) ([]remotesettings.Record, error)
	PublishAttachment(ctx context.Context, data map[string]any, filename string, content []byte) (string, error)
	PublishRecord(ctx context.Context, data any) (string, error)
	DeleteRecord(ctx context.Context, id string) error
	CompleteSession(ctx context.Context) error
}

// GenerationMirror copies generations to secondary storage.
type GenerationMirror interface {
	MirrorGeneration(ctx context.Context, store *storage.LocalStore, id int64) error
	DeleteGeneration(ctx context.Context, id int64) error
}

// FilterPublisherDeps wires a FilterPublisher.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type FilterPublisherDeps struct {
	Tx          db.Transactor
	Catalog     repository.CatalogRepository
	Config      repository.ConfigRepository
	Store       *storage.LocalStore
	Mirror      GenerationMirror
	Signer      signing.Signer
	Distributor Distributor
	Tasks       TaskEnqueuer
	Events      events.Publisher
	Metrics     *metrics.Metrics
	// BaseReplaceThreshold is the number of changes since a base above
	// which a new base is built instead of a stash.
	BaseReplaceThreshold int
	LayerCap             int
	SaltBytes            int
	Retention            time.Duration
	Now                  func() time.Time
}

// FilterPublisher generates, uploads and retires filter generations.
type FilterPublisher struct {
	FilterPublisherDeps
}

// NewFilterPublisher creates a new FilterPublisher.
func NewFilterPublisher(deps FilterPublisherDeps) *FilterPublisher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &FilterPublisher{FilterPublisherDeps: deps}
}

// baseConfigKey is the blocklist_config key of the base id of t.
func baseConfigKey(t models.BlockType) string {
	if t == models.BlockTypeSoft {
		return repository.ConfigMLBFBaseIDSoft
	}
	return repository.ConfigMLBFBaseIDHard
}

// Generate snapshots the current block state and, when it differs from the
// last upload, writes a new generation and enqueues its upload. A base
// generation is built when forceBase is set, a base is missing or too many
// keys changed since it; otherwise a stash is written. It returns nil when
// nothing changed.
func (p *FilterPublisher) Generate(ctx context.Context, forceBase bool) (*storage.Metadata, error) {
	lastID, hasLast, err := p.Config.GetInt64(ctx, repository.ConfigMLBFTime)
	if err != nil {
		return nil, fmt.Errorf("read last generation time: %w", err)
	}
	baseIDs, err := p.baseIDs(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := p.Catalog.FilterKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load filter keys: %w", err)
	}
	current := mlbf.NewData(keys)

	var previous *mlbf.Data
	if hasLast {
		previous = p.loadData(lastID)
	}
	bases := make(map[models.BlockType]*mlbf.Data, len(baseIDs))
	for t, id := range baseIDs {
		if d := p.loadData(id); d != nil {
			bases[t] = d
		}
	}

	actions := mlbf.Plan(mlbf.PlanInput{
		Current:   current,
		Previous:  previous,
		Bases:     bases,
		ForceBase: forceBase,
		Threshold: p.BaseReplaceThreshold,
	})
	if len(actions) == 0 {
		logger.L().Info("No blocklist changes since last generation", zap.Int64("last_generation_id", lastID))
		p.Metrics.RecordGeneration("noop")
		return nil, nil
	}

	genID := p.nextGenerationID(lastID)
	if err := p.Store.Create(genID); err != nil {
		return nil, err
	}
	meta, kind, err := p.writeGeneration(genID, actions, current, previous, baseIDs)
	if err != nil {
		if rmErr := p.Store.Remove(genID); rmErr != nil {
			logger.L().Warn("Failed to remove incomplete generation", zap.Int64("generation_id", genID), zap.Error(rmErr))
		}
		return nil, err
	}
	p.mirror(ctx, genID)

	logger.L().Info("Generated filter generation",
		zap.Int64("generation_id", genID),
		zap.Int64("base_filter_id", meta.BaseFilterID),
		zap.String("kind", kind),
		zap.Int("blocked", len(current.Blocked)),
		zap.Int("soft_blocked", len(current.SoftBlocked)),
		zap.Int("not_blocked", len(current.NotBlocked)),
	)
	p.Metrics.RecordGeneration(kind)
	p.emit(ctx, events.TypeFilterGenerated, map[string]any{
		"generation_id":  genID,
		"base_filter_id": meta.BaseFilterID,
		"actions":        actions,
	})

	if err := p.Tasks.EnqueueUploadFilter(ctx, genID, actions); err != nil {
		return meta, fmt.Errorf("enqueue upload of generation %d: %w", genID, err)
	}
	return meta, nil
}

// writeGeneration fills the directory of generation genID with the key sets,
// the filters or stash and the metadata. It returns the metadata and the
// generation kind.
func (p *FilterPublisher) writeGeneration(genID int64, actions []mlbf.Action, current, previous *mlbf.Data, baseIDs map[models.BlockType]int64) (*storage.Metadata, string, error) {
	if err := p.Store.WriteData(genID, current); err != nil {
		return nil, "", err
	}

	meta := &storage.Metadata{
		GenerationID: genID,
		KeyFormat:    mlbf.KeyFormat,
		FormatTag:    mlbf.FormatTag,
		Actions:      actions,
		CreatedAt:    p.Now().UTC(),
	}

	kind := "stash"
	if mlbf.Has(actions, mlbf.ActionClearStash) {
		kind = "base"
		meta.BaseFilterID = genID
		meta.Filters = make(map[models.BlockType]*storage.FilterMetadata, len(models.BlockTypes))
		for _, t := range models.BlockTypes {
			fm, err := p.buildFilter(genID, current, t)
			if err != nil {
				return nil, "", err
			}
			meta.Filters[t] = fm
		}
	} else {
		meta.BaseFilterID = oldestID(baseIDs)
		stash := current.Stash(previous)
		if err := p.Store.WriteStash(genID, stash); err != nil {
			return nil, "", err
		}
		meta.StashChanges = len(stash.Blocked) + len(stash.SoftBlocked) + len(stash.Unblocked)
	}

	if err := p.Store.WriteMetadata(genID, meta); err != nil {
		return nil, "", err
	}
	return meta, kind, nil
}

func (p *FilterPublisher) buildFilter(genID int64, data *mlbf.Data, t models.BlockType) (*storage.FilterMetadata, error) {
	start := p.Now()
	cascade, stats, err := mlbf.BuildFilter(data, t, mlbf.Options{SaltBytes: p.SaltBytes, LayerCap: p.LayerCap})
	if err != nil {
		if errors.Is(err, mlbf.ErrVerification) {
			logger.L().Error("Filter verification failed, aborting generation",
				zap.Int64("generation_id", genID),
				zap.String("block_type", string(t)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	blob, err := cascade.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode %s filter: %w", t, err)
	}
	if err := p.Store.WriteFilter(genID, t, blob); err != nil {
		return nil, err
	}

	p.Metrics.RecordFilterBuild(t.StatusID(), stats.Layers, stats.Bits, stats.FalsePositiveRate, p.Now().Sub(start))
	logger.L().Info("Built filter",
		zap.Int64("generation_id", genID),
		zap.String("block_type", string(t)),
		zap.Int("layers", stats.Layers),
		zap.Uint64("bits", stats.Bits),
		zap.Float64("false_positive_rate", stats.FalsePositiveRate),
		zap.Int("size", len(blob)),
	)

	return &storage.FilterMetadata{
		AttachmentType: mlbf.AttachmentType(t),
		Size:           len(blob),
		Stats:          stats,
	}, nil
}

// Upload publishes generation genID. Each filter is signed first; a signing
// failure is recorded and the filter is published unsigned. Superseded
// records are deleted before the session is committed, and only then are the
// generation time and base ids advanced.
func (p *FilterPublisher) Upload(ctx context.Context, genID int64, actions []mlbf.Action) error {
	meta, err := p.Store.ReadMetadata(genID)
	if err != nil {
		return err
	}

	// Read before uploading so the new records are never deleted.
	oldRecords, err := p.Distributor.Records(ctx)
	if err != nil {
		return fmt.Errorf("list remote records: %w", err)
	}

	baseIDs, err := p.baseIDs(ctx)
	if err != nil {
		return err
	}

	var uploaded []models.BlockType
	var supersededTypes []string
	for _, t := range models.BlockTypes {
		if !mlbf.Has(actions, mlbf.FilterAction(t)) {
			continue
		}
		if err := p.uploadFilter(ctx, meta, t); err != nil {
			return err
		}
		uploaded = append(uploaded, t)
		supersededTypes = append(supersededTypes, mlbf.AttachmentType(t))
		baseIDs[t] = genID
	}

	if mlbf.Has(actions, mlbf.ActionUploadStash) {
		stash, err := p.Store.ReadStash(genID)
		if err != nil {
			return err
		}
		if _, err := p.Distributor.PublishRecord(ctx, map[string]any{
			"key_format": mlbf.KeyFormat,
			"stash_time": genID,
			"stash":      stash,
		}); err != nil {
			return fmt.Errorf("publish stash of generation %d: %w", genID, err)
		}
		p.Metrics.RecordUpload("stash")
	}

	oldestBase := oldestID(baseIDs)

	clearStash := mlbf.Has(actions, mlbf.ActionClearStash)
	for _, r := range oldRecords {
		var stale bool
		switch {
		case r.HasAttachment():
			stale = slices.Contains(supersededTypes, r.AttachmentType)
		case r.IsStash():
			stale = clearStash
		}
		if !stale {
			continue
		}
		if err := p.Distributor.DeleteRecord(ctx, r.ID); err != nil {
			return fmt.Errorf("delete superseded record %s: %w", r.ID, err)
		}
	}

	if err := p.Distributor.CompleteSession(ctx); err != nil {
		return fmt.Errorf("complete remote settings session: %w", err)
	}

	err = p.Tx.WithTx(ctx, func(ctx context.Context) error {
		if err := p.Config.SetInt64(ctx, repository.ConfigMLBFTime, genID); err != nil {
			return err
		}
		for _, t := range uploaded {
			if err := p.Config.SetInt64(ctx, baseConfigKey(t), genID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record published generation %d: %w", genID, err)
	}

	publishedAt := p.Now().UTC()
	meta.PublishedAt = &publishedAt
	if err := p.Store.WriteMetadata(genID, meta); err != nil {
		logger.L().Warn("Failed to record publication in metadata", zap.Int64("generation_id", genID), zap.Error(err))
	}
	p.mirror(ctx, genID)

	logger.L().Info("Published filter generation",
		zap.Int64("generation_id", genID),
		zap.Int64("base_filter_id", oldestBase),
		zap.Int("filters", len(uploaded)),
		zap.Bool("stash", mlbf.Has(actions, mlbf.ActionUploadStash)),
	)
	p.emit(ctx, events.TypeFilterPublished, map[string]any{
		"generation_id":  genID,
		"base_filter_id": oldestBase,
	})

	if err := p.Tasks.EnqueueCleanup(ctx, oldestBase); err != nil {
		logger.L().Warn("Failed to enqueue generation cleanup", zap.Int64("base_filter_id", oldestBase), zap.Error(err))
	}
	return nil
}

func (p *FilterPublisher) uploadFilter(ctx context.Context, meta *storage.Metadata, t models.BlockType) error {
	blob, err := p.Store.ReadFilter(meta.GenerationID, t)
	if err != nil {
		return err
	}

	fm := meta.Filters[t]
	if fm == nil {
		fm = &storage.FilterMetadata{AttachmentType: mlbf.AttachmentType(t), Size: len(blob)}
		if meta.Filters == nil {
			meta.Filters = make(map[models.BlockType]*storage.FilterMetadata)
		}
		meta.Filters[t] = fm
	}

	var signature string
	if p.Signer != nil {
		signature, err = p.Signer.Sign(ctx, blob)
	}
	if err != nil {
		fm.SigningError = err.Error()
		fm.Signature = ""
		p.Metrics.RecordSigningFailure()
		logger.L().Warn("Signing failed, publishing filter unsigned",
			zap.Int64("generation_id", meta.GenerationID),
			zap.String("block_type", string(t)),
			zap.Error(err),
		)
	} else {
		fm.Signature = signature
		fm.SigningError = ""
	}
	if err := p.Store.WriteMetadata(meta.GenerationID, meta); err != nil {
		logger.L().Warn("Failed to record signing outcome", zap.Int64("generation_id", meta.GenerationID), zap.Error(err))
	}

	data := map[string]any{
		"key_format":      mlbf.KeyFormat,
		"generation_time": meta.GenerationID,
		"attachment_type": mlbf.AttachmentType(t),
		"last_sign_time":  p.Now().UnixMilli(),
	}
	if fm.Signature != "" {
		data["signature"] = fm.Signature
	}

	if _, err := p.Distributor.PublishAttachment(ctx, data, filterAttachmentName, blob); err != nil {
		return fmt.Errorf("publish %s filter of generation %d: %w", t, meta.GenerationID, err)
	}
	p.Metrics.RecordUpload("filter")
	return nil
}

// Cleanup removes generations past retention that are older than
// baseFilterID, locally and in the mirror.
func (p *FilterPublisher) Cleanup(ctx context.Context, baseFilterID int64) ([]int64, error) {
	removed, err := p.Store.Cleanup(p.Now(), p.Retention, baseFilterID)
	p.Metrics.RecordCleanup(len(removed))
	if err != nil {
		return removed, err
	}

	if p.Mirror != nil {
		for _, id := range removed {
			if err := p.Mirror.DeleteGeneration(ctx, id); err != nil {
				return removed, fmt.Errorf("delete mirrored generation %d: %w", id, err)
			}
		}
	}

	logger.L().Info("Cleaned up filter generations",
		zap.Int64("base_filter_id", baseFilterID),
		zap.Int("removed", len(removed)),
	)
	return removed, nil
}

func (p *FilterPublisher) baseIDs(ctx context.Context) (map[models.BlockType]int64, error) {
	ids := make(map[models.BlockType]int64, len(models.BlockTypes))
	for _, t := range models.BlockTypes {
		id, ok, err := p.Config.GetInt64(ctx, baseConfigKey(t))
		if err != nil {
			return nil, fmt.Errorf("read %s base id: %w", t, err)
		}
		if ok {
			ids[t] = id
		}
	}
	return ids, nil
}

// loadData returns the key sets of generation id, or nil when they are no
// longer on disk.
func (p *FilterPublisher) loadData(id int64) *mlbf.Data {
	d, err := p.Store.LoadData(id)
	if err != nil {
		if !errors.Is(err, storage.ErrGenerationNotFound) {
			logger.L().Warn("Failed to load generation data", zap.Int64("generation_id", id), zap.Error(err))
		}
		return nil
	}
	return d
}

// nextGenerationID is the current millisecond timestamp, kept strictly above
// the last generation and any directory already on disk.
func (p *FilterPublisher) nextGenerationID(lastID int64) int64 {
	id := max(p.Now().UnixMilli(), lastID+1)
	for p.Store.Exists(id) {
		id++
	}
	return id
}

func (p *FilterPublisher) mirror(ctx context.Context, genID int64) {
	if p.Mirror == nil {
		return
	}
	if err := p.Mirror.MirrorGeneration(ctx, p.Store, genID); err != nil {
		logger.L().Warn("Failed to mirror generation", zap.Int64("generation_id", genID), zap.Error(err))
	}
}

func (p *FilterPublisher) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := p.Events.Publish(ctx, events.New(eventType, payload)); err != nil {
		logger.L().Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// oldestID returns the smallest id of ids, or 0 when empty.
func oldestID(ids map[models.BlockType]int64) int64 {
	var oldest int64
	for _, id := range ids {
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	return oldest
}
