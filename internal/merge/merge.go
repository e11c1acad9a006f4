// Package merge decides, per track identity, which lyric record wins and whether
// the durable store needs to change.
package merge

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	"github.com/JakeFAU/lyricsdb/internal/metrics"
)

const stripes = 64

// Skip reasons.
const (
	ReasonUnchanged = "unchanged"
	ReasonOutranked = "outranked"
	ReasonDuplicate = "duplicate"
)

// Rank is the precedence key of a record or stored track.
type Rank struct {
	Synced      bool
	Lines       int
	Fingerprint string
	SourceID    string
}

// Beats reports whether r strictly precedes o: synced before unsynced, then more
// content lines, then the smaller fingerprint, then the smaller source ID.
func (r Rank) Beats(o Rank) bool {
	if r.Synced != o.Synced {
		return r.Synced
	}
	if r.Lines != o.Lines {
		return r.Lines > o.Lines
	}
	if r.Fingerprint != o.Fingerprint {
		return r.Fingerprint < o.Fingerprint
	}
	return r.SourceID < o.SourceID
}

// RankOf returns the rank of a parsed record.
func RankOf(rec lyrics.LyricRecord) Rank {
	return Rank{Synced: rec.Synced, Lines: rec.ContentLines(), Fingerprint: rec.Fingerprint, SourceID: rec.SourceID}
}

// RankOfTrack returns the rank of a stored track.
func RankOfTrack(t lyrics.StoredTrack) Rank {
	return Rank{Synced: t.Synced, Lines: t.LineCount, Fingerprint: t.Fingerprint, SourceID: t.SourceID}
}

// Merge compares a candidate record with the stored track for the same identity.
func Merge(rec lyrics.LyricRecord, existing *lyrics.StoredTrack) lyrics.MergeDecision {
	switch {
	case existing == nil:
		return lyrics.MergeDecision{Kind: lyrics.DecisionInsert, Record: rec}
	case existing.Fingerprint == rec.Fingerprint:
		return lyrics.MergeDecision{Kind: lyrics.DecisionSkip, Record: rec, Reason: ReasonUnchanged}
	case existing.SourceID == rec.SourceID:
		return lyrics.MergeDecision{Kind: lyrics.DecisionUpdate, Record: rec}
	case RankOf(rec).Beats(RankOfTrack(*existing)):
		return lyrics.MergeDecision{Kind: lyrics.DecisionUpdate, Record: rec}
	default:
		return lyrics.MergeDecision{Kind: lyrics.DecisionSkip, Record: rec, Reason: ReasonOutranked}
	}
}

// Supersede decides for a winner picked among every current claimant of an
// identity. The stored track no longer competes and simply follows the winner.
func Supersede(winner lyrics.LyricRecord, existing *lyrics.StoredTrack) lyrics.MergeDecision {
	switch {
	case existing == nil:
		return lyrics.MergeDecision{Kind: lyrics.DecisionInsert, Record: winner}
	case existing.Fingerprint == winner.Fingerprint:
		return lyrics.MergeDecision{Kind: lyrics.DecisionSkip, Record: winner, Reason: ReasonUnchanged}
	default:
		return lyrics.MergeDecision{Kind: lyrics.DecisionUpdate, Record: winner}
	}
}

// Store is the durable state Resolve reads.
type Store interface {
	GetTrack(ctx context.Context, identity string) (*lyrics.StoredTrack, error)
	Claims(ctx context.Context, identity string) ([]lyrics.LyricRecord, error)
	ClaimedIdentities(ctx context.Context, sourceID string) ([]string, error)
	TextOwner(ctx context.Context, textFingerprint string) (string, error)
}

// Options tunes an Engine.
type Options struct {
	// TextDedup skips new identities whose lyric text is already stored, or
	// offered in the same run, under another identity.
	TextDedup bool
}

type stripe struct {
	mu   sync.Mutex
	best map[string]lyrics.LyricRecord
}

// Engine collects the records of one run. Offers for the same identity are
// serialized; offers for different identities proceed independently.
//
// Sources that are not re-read in a run still compete through the claims they
// left at their last commit, so the stored track for an identity does not depend
// on which of its sources happened to change.
type Engine struct {
	stripes [stripes]stripe
	opts    Options

	mu        sync.Mutex
	claims    map[string]map[string]lyrics.LyricRecord
	offered   map[string][]string
	refreshed map[string]struct{}
	current   map[string]struct{}

	logger *zap.Logger
}

// NewEngine creates an empty Engine.
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		opts:      opts,
		claims:    make(map[string]map[string]lyrics.LyricRecord),
		offered:   make(map[string][]string),
		refreshed: make(map[string]struct{}),
		logger:    logger.Named("merge"),
	}
	for i := range e.stripes {
		e.stripes[i].best = make(map[string]lyrics.LyricRecord)
	}
	return e
}

func (e *Engine) stripeFor(identity string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &e.stripes[h.Sum32()%stripes]
}

// SetSources names the sources enumerated this run. Stored claims of any other
// source are ignored. Without a call every stored claim counts.
func (e *Engine) SetSources(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		e.current[id] = struct{}{}
	}
}

// Refresh marks sourceID as completely re-read: its offers in this run replace
// whatever it claimed before, including identities it no longer offers.
func (e *Engine) Refresh(sourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshed[sourceID] = struct{}{}
}

// Offer registers a record. The best record per identity is kept; the outcome is
// independent of offer order.
func (e *Engine) Offer(rec lyrics.LyricRecord) {
	s := e.stripeFor(rec.Identity)
	s.mu.Lock()
	cur, ok := s.best[rec.Identity]
	if !ok || RankOf(rec).Beats(RankOf(cur)) {
		s.best[rec.Identity] = rec
	}
	s.mu.Unlock()

	e.mu.Lock()
	byID, ok := e.claims[rec.SourceID]
	if !ok {
		byID = make(map[string]lyrics.LyricRecord)
		e.claims[rec.SourceID] = byID
	}
	if prev, ok := byID[rec.Identity]; !ok || RankOf(rec).Beats(RankOf(prev)) {
		byID[rec.Identity] = rec
	}
	e.offered[rec.SourceID] = append(e.offered[rec.SourceID], rec.Fingerprint)
	e.mu.Unlock()
}

// Resolution is the merge outcome of a run.
type Resolution struct {
	// Decisions holds one decision per identity, sorted by identity.
	Decisions []lyrics.MergeDecision
	// Errors holds identities whose stored state could not be read.
	Errors map[string]error
	// SourceErrors holds refreshed sources whose earlier claims could not be read.
	SourceErrors map[string]error
	// Earlier lists, per refreshed source, the identities it claimed before this run.
	Earlier map[string][]string
	// Identities lists, per source, the identities it offered, sorted.
	Identities map[string][]string
	// Fingerprints lists, per source, the fingerprints it offered, sorted.
	Fingerprints map[string][]string
	// Claims holds, per source, its best offered record for each identity,
	// sorted by identity.
	Claims map[string][]lyrics.LyricRecord
}

// Resolve ranks every current claimant of each touched identity and compares the
// winner with the store. An identity is touched when it was offered this run or
// was claimed earlier by a refreshed source.
func (e *Engine) Resolve(ctx context.Context, store Store) (Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	best := make(map[string]lyrics.LyricRecord)
	for i := range e.stripes {
		s := &e.stripes[i]
		s.mu.Lock()
		for id, rec := range s.best {
			best[id] = rec
		}
		s.mu.Unlock()
	}

	res := Resolution{
		Errors:       make(map[string]error),
		SourceErrors: make(map[string]error),
		Earlier:      make(map[string][]string),
		Identities:   make(map[string][]string),
		Fingerprints: make(map[string][]string),
		Claims:       make(map[string][]lyrics.LyricRecord),
	}

	touched := make(map[string]struct{}, len(best))
	for id := range best {
		touched[id] = struct{}{}
	}
	for _, src := range sortedKeys(e.refreshed) {
		ids, err := store.ClaimedIdentities(ctx, src)
		if err != nil {
			e.logger.Warn("read earlier claims failed", zap.String("source_id", src), zap.Error(err))
			res.SourceErrors[src] = err
			continue
		}
		res.Earlier[src] = ids
		for _, id := range ids {
			touched[id] = struct{}{}
		}
	}

	for _, id := range sortedKeys(touched) {
		if err := ctx.Err(); err != nil {
			return Resolution{}, fmt.Errorf("resolve: %w", err)
		}
		var offer *lyrics.LyricRecord
		if rec, ok := best[id]; ok {
			offer = &rec
		}
		d, err := e.decide(ctx, store, id, offer)
		if err != nil {
			e.logger.Warn("lookup stored track failed", zap.String("identity", id), zap.Error(err))
			res.Errors[id] = err
			continue
		}
		if d != nil {
			res.Decisions = append(res.Decisions, *d)
		}
	}
	if e.opts.TextDedup {
		res.Decisions = e.dedupText(ctx, store, res.Decisions, res.Errors)
	}
	for _, d := range res.Decisions {
		metrics.ObserveMergeDecision(string(d.Kind))
	}

	for src, byID := range e.claims {
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		recs := make([]lyrics.LyricRecord, len(ids))
		for i, id := range ids {
			recs[i] = byID[id]
		}
		res.Identities[src] = ids
		res.Claims[src] = recs
	}
	for src, fps := range e.offered {
		list := append([]string(nil), fps...)
		sort.Strings(list)
		res.Fingerprints[src] = list
	}
	return res, nil
}

// decide returns nil when no current source claims identity.
func (e *Engine) decide(ctx context.Context, store Store, identity string, offer *lyrics.LyricRecord) (*lyrics.MergeDecision, error) {
	existing, err := store.GetTrack(ctx, identity)
	if err != nil {
		return nil, err
	}
	claims, err := store.Claims(ctx, identity)
	if err != nil {
		return nil, err
	}

	winner := offer
	claimed := make(map[string]struct{}, len(claims))
	for _, c := range claims {
		claimed[c.SourceID] = struct{}{}
		if !e.counts(c.SourceID) {
			continue
		}
		if winner == nil || RankOf(c).Beats(RankOf(*winner)) {
			winner = &c
		}
	}
	if winner == nil {
		return nil, nil
	}
	var d lyrics.MergeDecision
	if existing != nil && e.contends(existing.SourceID, claimed) {
		d = Merge(*winner, existing)
	} else {
		d = Supersede(*winner, existing)
	}
	return &d, nil
}

// counts reports whether a stored claim of sourceID still stands this run.
func (e *Engine) counts(sourceID string) bool {
	if _, ok := e.refreshed[sourceID]; ok {
		return false
	}
	if e.current == nil {
		return true
	}
	_, ok := e.current[sourceID]
	return ok
}

// contends reports whether a stored track must be ranked as a record of its own:
// its owner is still enumerated, was not re-read, and left no claim to rank.
func (e *Engine) contends(owner string, claimed map[string]struct{}) bool {
	if _, ok := claimed[owner]; ok {
		return false
	}
	return e.counts(owner)
}

// dedupText turns inserts whose lyric text already has a home into skips. Among
// new identities sharing a text in one run the best ranked one is inserted.
func (e *Engine) dedupText(
	ctx context.Context,
	store Store,
	decisions []lyrics.MergeDecision,
	errs map[string]error,
) []lyrics.MergeDecision {
	out := decisions[:0]
	first := make(map[string]int)
	for _, d := range decisions {
		tfp := d.Record.TextFingerprint
		if d.Kind != lyrics.DecisionInsert || tfp == "" {
			out = append(out, d)
			continue
		}
		owner, err := store.TextOwner(ctx, tfp)
		if err != nil {
			e.logger.Warn("text owner lookup failed", zap.String("identity", d.Record.Identity), zap.Error(err))
			errs[d.Record.Identity] = err
			continue
		}
		if owner != "" && owner != d.Record.Identity {
			out = append(out, duplicate(d.Record))
			continue
		}
		j, seen := first[tfp]
		switch {
		case !seen:
			first[tfp] = len(out)
			out = append(out, d)
		case RankOf(d.Record).Beats(RankOf(out[j].Record)):
			out[j] = duplicate(out[j].Record)
			first[tfp] = len(out)
			out = append(out, d)
		default:
			out = append(out, duplicate(d.Record))
		}
	}
	return out
}

func duplicate(rec lyrics.LyricRecord) lyrics.MergeDecision {
	return lyrics.MergeDecision{Kind: lyrics.DecisionSkip, Record: rec, Reason: ReasonDuplicate}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
