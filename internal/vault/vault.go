// Package vault implements the Episodic Vault:
// an append-only, segmented store of Episodes indexed by tag, time, source
// and energy, with TTL-based purge.
package vault

import (
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"koopmem/internal/apperr"
)

// Config controls on-disk layout and durability for a Vault.
type Config struct {
	Dir               string
	SegmentSizeBytes  int64
	Fsync             FsyncMode
	IndexRebuildOnStart bool
	MaxEpisodes       int // 0 = unbounded; Put fails with ResourceExhausted past this
}

// Vault is the Episodic Vault. Writes are serialised behind a single
// mutex; reads take a read lock over the in-memory index and
// episode cache, both of which are rebuilt from the segmented log — the
// sole ground truth — at startup or on index corruption.
type Vault struct {
	mu       sync.RWMutex
	cfg      Config
	log      *segmentedLog
	idx      *indexes
	episodes map[string]*Episode
	entropy  *ulid.MonotonicEntropy
}

// Open creates or reopens a vault rooted at cfg.Dir.
func Open(cfg Config) (*Vault, error) {
	if cfg.Dir == "" {
		return nil, apperr.Invalid("vault directory is required")
	}
	if cfg.Fsync == "" {
		cfg.Fsync = FsyncInterval
	}
	segDir := cfg.Dir + "/segments"
	idxDir := cfg.Dir + "/index"

	log, err := newSegmentedLog(segDir, cfg.SegmentSizeBytes, cfg.Fsync)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		cfg:      cfg,
		log:      log,
		episodes: map[string]*Episode{},
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	if !cfg.IndexRebuildOnStart {
		if idx, ok := loadIndexes(idxDir); ok {
			v.idx = idx
			if err := v.hydrateEpisodesFromLog(); err == nil {
				return v, nil
			}
		}
	}
	if err := v.rebuildFromLog(); err != nil {
		return nil, err
	}
	return v, nil
}

// rebuildFromLog replays the segmented log to reconstruct both indexes and
// the in-memory episode cache. Called at startup and whenever the on-disk
// index snapshot is missing or fails to parse.
func (v *Vault) rebuildFromLog() error {
	v.idx = newIndexes()
	v.episodes = map[string]*Episode{}
	err := v.log.forEach(func(loc recordLocation, body []byte) error {
		var rec logRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			// A corrupt individual record is skipped; the rest of the log
			// still replays.
			return nil
		}
		switch rec.Kind {
		case "episode":
			if rec.Episode == nil {
				return nil
			}
			v.idx.add(rec.Episode.ID, loc, rec.Episode)
			v.episodes[rec.Episode.ID] = rec.Episode
		case "tombstone":
			v.idx.remove(rec.ID)
			delete(v.episodes, rec.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return v.idx.save(v.cfg.Dir + "/index")
}

// hydrateEpisodesFromLog fills the in-memory episode cache from the
// segmented log using the locations already present in v.idx, without
// rebuilding the indexes themselves. Used on the fast startup path.
func (v *Vault) hydrateEpisodesFromLog() error {
	for id, loc := range v.idx.byID {
		var rec logRecord
		if err := v.log.readAt(loc, &rec); err != nil {
			return err
		}
		if rec.Episode != nil {
			v.episodes[id] = rec.Episode
		}
	}
	return nil
}

// Put validates and appends an episode, assigning an id if empty.
func (v *Vault) Put(ep *Episode) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cfg.MaxEpisodes > 0 && len(v.episodes) >= v.cfg.MaxEpisodes {
		return "", apperr.New(apperr.ResourceExhausted, "vault is at capacity")
	}
	if err := ep.Validate(); err != nil {
		return "", err
	}
	cp := *ep
	if cp.ID == "" {
		cp.ID = v.newID(cp.CreatedAt)
	} else if _, exists := v.episodes[cp.ID]; exists {
		return "", apperr.New(apperr.Conflict, "episode id already exists: "+cp.ID)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	loc, err := v.log.append(logRecord{Kind: "episode", Episode: &cp})
	if err != nil {
		return "", err
	}
	v.idx.add(cp.ID, loc, &cp)
	v.episodes[cp.ID] = &cp
	_ = v.idx.save(v.cfg.Dir + "/index")
	return cp.ID, nil
}

func (v *Vault) newID(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(t), v.entropy)
	if err != nil {
		// Monotonic entropy only errs on overflow within the same
		// millisecond after 2^80 ids, which cannot happen in practice;
		// fall back to a fresh non-monotonic id rather than fail Put.
		id, _ = ulid.New(ulid.Timestamp(t), rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	return id.String()
}

// Get retrieves an episode by id.
func (v *Vault) Get(id string) (*Episode, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ep, ok := v.episodes[id]
	if !ok {
		return nil, apperr.NotFoundf("episode not found: %s", id)
	}
	cp := *ep
	return &cp, nil
}

// Filter expresses the intersection-of-predicates filter accepted by
// ListRecent.
type Filter struct {
	Since        *time.Time
	Until        *time.Time
	MinEnergy    *float64
	SourceType   string
	IncludeTags  []string // OR
	ExcludeTags  []string // NOT
}

func (f Filter) matches(ep *Episode) bool {
	if f.Since != nil && ep.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && ep.CreatedAt.After(*f.Until) {
		return false
	}
	if f.MinEnergy != nil && ep.Energy < *f.MinEnergy {
		return false
	}
	if f.SourceType != "" && ep.Source.Type != f.SourceType {
		return false
	}
	if len(f.IncludeTags) > 0 {
		any := false
		for _, tag := range f.IncludeTags {
			if ep.hasTag(tag) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, tag := range f.ExcludeTags {
		if ep.hasTag(tag) {
			return false
		}
	}
	return true
}

// ListRecent returns episodes ordered by CreatedAt descending (ties broken
// lexicographically by id), matching filter, up to limit.
func (v *Vault) ListRecent(filter Filter, limit int) (episodes []Episode, total int, hasMore bool, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := make([]string, 0, len(v.episodes))
	for id := range v.episodes {
		ids = append(ids, id)
	}
	ordered := sortByTimeDesc(ids, func(id string) time.Time { return v.episodes[id].CreatedAt })

	matched := make([]Episode, 0, len(ordered))
	for _, id := range ordered {
		ep := v.episodes[id]
		if filter.matches(ep) {
			matched = append(matched, *ep)
		}
	}
	total = len(matched)
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	hasMore = total > limit
	return matched[:limit], total, hasMore, nil
}

// StatsResult is the shape returned by Stats.
type StatsResult struct {
	Total      int
	ByTag      map[string]int
	BySource   map[string]int
	MeanEnergy float64
	AgeBuckets map[int]int // integer-hour bucket -> count
}

// Stats summarises the vault, optionally scoped to [since, until].
func (v *Vault) Stats(since, until *time.Time) StatsResult {
	v.mu.RLock()
	defer v.mu.RUnlock()

	res := StatsResult{ByTag: map[string]int{}, BySource: map[string]int{}, AgeBuckets: map[int]int{}}
	now := time.Now().UTC()
	var energySum float64
	for _, ep := range v.episodes {
		if since != nil && ep.CreatedAt.Before(*since) {
			continue
		}
		if until != nil && ep.CreatedAt.After(*until) {
			continue
		}
		res.Total++
		for _, tag := range ep.Tags {
			res.ByTag[tag]++
		}
		res.BySource[ep.Source.Type]++
		energySum += ep.Energy
		hours := int(now.Sub(ep.CreatedAt).Hours())
		if hours < 0 {
			hours = 0
		}
		res.AgeBuckets[hours]++
	}
	if res.Total > 0 {
		res.MeanEnergy = energySum / float64(res.Total)
	}
	return res
}

// PurgeTTL removes episodes with age >= maxAge and ref_count < minRefCount.
// dry_run reports counts without mutating the vault. Idempotent under a
// fixed clock: purging twice in a row with the same parameters purges zero
// the second time.
func (v *Vault) PurgeTTL(maxAge time.Duration, minRefCount int, dryRun bool) (purgedCount int, freedBytes int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now().UTC()
	var toPurge []string
	for id, ep := range v.episodes {
		if ep.Age(now) >= maxAge && ep.RefCount < minRefCount {
			toPurge = append(toPurge, id)
		}
	}
	sort.Strings(toPurge)

	for _, id := range toPurge {
		ep := v.episodes[id]
		freedBytes += estimateSize(ep)
	}
	purgedCount = len(toPurge)
	if dryRun {
		return purgedCount, freedBytes, nil
	}

	for _, id := range toPurge {
		if _, err := v.log.append(logRecord{Kind: "tombstone", ID: id}); err != nil {
			return 0, 0, err
		}
		v.idx.remove(id)
		delete(v.episodes, id)
	}
	if purgedCount > 0 {
		_ = v.idx.save(v.cfg.Dir + "/index")
	}
	return purgedCount, freedBytes, nil
}

// Close flushes and closes the underlying segmented log.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.log.close()
}

func estimateSize(ep *Episode) int64 {
	size := int64(len(ep.ID) + len(ep.Source.Type) + len(ep.Source.ID) + len(ep.Source.UserID))
	for _, t := range ep.Tags {
		size += int64(len(t))
	}
	if ep.Activation != nil {
		size += int64(len(ep.Activation.ActiveIDs) * 16)
	}
	return size + 128 // fixed overhead for timestamps, energy, envelope
}
