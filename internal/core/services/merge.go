package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/ports/driven"
	"github.com/custodia-labs/termstore/internal/core/ports/driving"
	"github.com/custodia-labs/termstore/internal/metrics"
)

// Verify interface compliance
var _ driving.MergeService = (*MergeService)(nil)

// MergeService implements driving.MergeService for a branch and its parent.
//
// The source delta starts at the later of the child base and the source head
// recorded by the previous merge in the same direction. The target delta
// starts at the later of the child base and the source head recorded by the
// previous merge in the opposite direction. Commits written by merges from
// the other side are left out of both deltas.
type MergeService struct {
	index       *RevisionIndex
	txs         *TransactionManager
	commits     driven.CommitStore
	registry    driving.Registry
	locker      *Locker
	lockTimeout time.Duration
	logger      *slog.Logger
}

// MergeServiceConfig holds configuration for the merge service.
type MergeServiceConfig struct {
	Index        *RevisionIndex
	Transactions *TransactionManager
	Commits      driven.CommitStore
	Registry     driving.Registry
	Locker       *Locker
	LockTimeout  time.Duration
	Logger       *slog.Logger
}

// NewMergeService creates a new merge service
func NewMergeService(cfg MergeServiceConfig) *MergeService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MergeService{
		index:       cfg.Index,
		txs:         cfg.Transactions,
		commits:     cfg.Commits,
		registry:    cfg.Registry,
		locker:      cfg.Locker,
		lockTimeout: cfg.LockTimeout,
		logger:      logger,
	}
}

// Merge applies the changes of req.Source onto req.Target
func (s *MergeService) Merge(ctx context.Context, req driving.MergeRequest) (*domain.CommitResult, error) {
	res, err := s.merge(ctx, req)
	metrics.MergesTotal.WithLabelValues(metrics.Result(err)).Inc()
	return res, err
}

// change is the net effect of a source delta on one document
type change struct {
	docType string
	rev     domain.Revision
}

func (s *MergeService) merge(ctx context.Context, req driving.MergeRequest) (*domain.CommitResult, error) {
	if req.Source == req.Target {
		return nil, fmt.Errorf("%w: cannot merge %s into itself", domain.ErrValidation, req.Source)
	}
	release, err := s.locker.Acquire(ctx, MergeResource+req.Target, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	source, err := s.index.snapshot(ctx, req.Source, atHead)
	if err != nil {
		return nil, err
	}
	target, err := s.index.snapshot(ctx, req.Target, atHead)
	if err != nil {
		return nil, err
	}
	var child *domain.Branch
	switch {
	case source.branch.Parent == target.branch.Path:
		child = source.branch
	case target.branch.Parent == source.branch.Path:
		child = target.branch
	default:
		return nil, fmt.Errorf("%w: %s and %s are not parent and child", domain.ErrValidation, req.Source, req.Target)
	}

	sourceStart, err := s.mergePoint(ctx, req.Source, req.Target, child.Base)
	if err != nil {
		return nil, err
	}
	noop := &domain.CommitResult{BranchPath: req.Target, HeadTimestamp: target.at}
	if sourceStart >= source.at {
		return noop, nil
	}
	targetStart, err := s.mergePoint(ctx, req.Target, req.Source, child.Base)
	if err != nil {
		return nil, err
	}

	sourceRevs, err := s.delta(ctx, source, sourceStart, req.Target)
	if err != nil {
		return nil, err
	}
	if len(sourceRevs) == 0 {
		return noop, nil
	}
	targetRevs, err := s.delta(ctx, target, targetStart, req.Source)
	if err != nil {
		return nil, err
	}

	net := squash(sourceRevs)
	current, err := s.currentState(ctx, target, net)
	if err != nil {
		return nil, err
	}
	touchedOnTarget := make(map[stageKey]bool, len(targetRevs))
	for _, c := range targetRevs {
		touchedOnTarget[stageKey{c.docType, c.rev.ID}] = true
	}
	var conflicts []string
	for k, c := range net {
		if touchedOnTarget[k] && !sameState(c.rev, current[k]) {
			conflicts = append(conflicts, k.id)
		}
	}
	if len(conflicts) > 0 {
		return nil, domain.NewMergeConflictError(req.Source, req.Target, conflicts)
	}

	// the target already holds a document when its net change matches what is visible
	skip := func(c change) bool {
		k := stageKey{c.docType, c.rev.ID}
		return net[k].rev.Key() == c.rev.Key() && sameState(c.rev, current[k])
	}
	var res *domain.CommitResult
	if req.Squash {
		comment := req.Comment
		if comment == "" {
			comment = "merge " + req.Source + " into " + req.Target
		}
		res, err = s.apply(ctx, req, target, sortedChanges(net), skip, commitMeta{mergeSource: req.Source, mergeSourceHead: source.at}, comment)
	} else {
		res, err = s.replay(ctx, req, target, sourceRevs, skip, source.at)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("merge applied",
		"source", req.Source,
		"target", req.Target,
		"squash", req.Squash,
		"documents", res.AffectedCount,
		"commits", len(res.CommitIDs))
	return res, nil
}

// mergePoint is where the delta of from towards to begins
func (s *MergeService) mergePoint(ctx context.Context, from, to string, base int64) (int64, error) {
	last, err := s.commits.LastMerge(ctx, from, to)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return base, nil
	case err != nil:
		return 0, err
	}
	return max(base, last.MergeSourceHead), nil
}

// delta lists the revisions seen by snap after start, oldest first, leaving
// out commits merged in from other.
func (s *MergeService) delta(ctx context.Context, snap *snapshot, start int64, other string) ([]change, error) {
	if start >= snap.at {
		return nil, nil
	}
	commits, err := s.commits.List(ctx, snap.branch.Path, start, snap.at)
	if err != nil {
		return nil, err
	}
	echoes := make(map[string]bool)
	for _, c := range commits {
		if c.MergeSource == other {
			echoes[c.ID] = true
		}
	}
	var out []change
	for _, schema := range s.registry.AllRegisteredTypes() {
		it, err := s.index.rangeFrom(ctx, snap, start, schema.Type)
		if err != nil {
			return nil, err
		}
		revs, err := collect(ctx, it)
		if err != nil {
			return nil, err
		}
		for _, r := range revs {
			if !echoes[r.CommitID] {
				out = append(out, change{docType: schema.Type, rev: r})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].rev.Created < out[j].rev.Created
	})
	return out, nil
}

// squash keeps the last revision of every document
func squash(revs []change) map[stageKey]change {
	net := make(map[stageKey]change, len(revs))
	for _, c := range revs {
		net[stageKey{c.docType, c.rev.ID}] = c
	}
	return net
}

func sortedChanges(net map[stageKey]change) []change {
	out := make([]change, 0, len(net))
	for _, c := range net {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].docType != out[j].docType {
			return out[i].docType < out[j].docType
		}
		return out[i].rev.ID < out[j].rev.ID
	})
	return out
}

// currentState reads the target's visible revision of every changed document
func (s *MergeService) currentState(ctx context.Context, target *snapshot, net map[stageKey]change) (map[stageKey]*domain.Revision, error) {
	ids := make(map[string][]string)
	for k := range net {
		ids[k.docType] = append(ids[k.docType], k.id)
	}
	out := make(map[stageKey]*domain.Revision, len(net))
	for t, list := range ids {
		found, err := s.index.visible(ctx, target, t, list)
		if err != nil {
			return nil, err
		}
		for id, rev := range found {
			r := rev
			out[stageKey{t, id}] = &r
		}
	}
	return out, nil
}

// sameState reports whether the target already holds what rev describes
func sameState(rev domain.Revision, current *domain.Revision) bool {
	if rev.Deleted {
		return current == nil
	}
	return current != nil && domain.EqualFields(rev.Fields, current.Fields)
}

// stageAll stages changes, leaving out those skip reports as already in place
func stageAll(tx *transaction, changes []change, skip func(change) bool) error {
	for _, c := range changes {
		if skip(c) {
			continue
		}
		var err error
		if c.rev.Deleted {
			err = tx.remove(c.docType, c.rev.ID)
		} else {
			err = tx.put(domain.NewDocument(c.docType, c.rev.ID, c.rev.Fields))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// apply commits changes onto the target snapshot the conflict check read. A
// commit on the target since then to any of the documents fails the merge as
// a stale write, unless it is one of meta.earlier.
func (s *MergeService) apply(ctx context.Context, req driving.MergeRequest, target *snapshot, changes []change, skip func(change) bool, meta commitMeta, comment string) (*domain.CommitResult, error) {
	tx := s.txs.begin(target, req.UserID)
	defer tx.Abort()
	if err := stageAll(tx, changes, skip); err != nil {
		return nil, err
	}
	return tx.commitWith(ctx, comment, meta)
}

// replay writes one target commit per source commit, in timestamp order
func (s *MergeService) replay(ctx context.Context, req driving.MergeRequest, target *snapshot, revs []change, skip func(change) bool, sourceHead int64) (*domain.CommitResult, error) {
	var groups [][]change
	for i, c := range revs {
		if i == 0 || c.rev.Created != revs[i-1].rev.Created {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], c)
	}

	total := &domain.CommitResult{BranchPath: req.Target}
	for i, g := range groups {
		meta := commitMeta{mergeSource: req.Source, mergeSourceHead: g[0].rev.Created, earlier: total.CommitIDs}
		if i == len(groups)-1 {
			meta.mergeSourceHead = sourceHead
		}
		res, err := s.apply(ctx, req, target, g, skip, meta, s.replayComment(ctx, req, g[0].rev.CommitID))
		if err != nil {
			return nil, fmt.Errorf("replay commit %d of %d from %s: %w", i+1, len(groups), req.Source, err)
		}
		total.HeadTimestamp = res.HeadTimestamp
		total.AffectedCount += res.AffectedCount
		total.CommitIDs = append(total.CommitIDs, res.CommitIDs...)
	}
	return total, nil
}

func (s *MergeService) replayComment(ctx context.Context, req driving.MergeRequest, commitID string) string {
	if req.Comment != "" {
		return req.Comment
	}
	c, err := s.commits.Get(ctx, commitID)
	if err != nil {
		return "merge " + req.Source + " into " + req.Target
	}
	return c.Comment
}
