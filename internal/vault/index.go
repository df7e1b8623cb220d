package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"koopmem/internal/apperr"
)

// logRecord is the envelope persisted to the segmented log. "episode"
// records add/replace an episode; "tombstone" records mark one purged.
// The log is append-only, so purge is represented as a tombstone rather
// than an in-place rewrite.
type logRecord struct {
	Kind    string   `json:"kind"`
	Episode *Episode `json:"episode,omitempty"`
	ID      string   `json:"id,omitempty"`
}

// indexes holds every secondary index over the live (non-tombstoned)
// episode set. All of them are rebuildable from the segmented log, which
// remains the sole ground truth; this struct is an in-memory cache plus an
// on-disk snapshot used only to skip a full log replay at startup.
type indexes struct {
	byID       map[string]recordLocation
	byTag      map[string][]string // tag -> episode ids
	bySource   map[string][]string // source type -> episode ids
	byTime     []string            // episode ids in insertion (log) order
	tombstoned map[string]bool
}

func newIndexes() *indexes {
	return &indexes{
		byID:       map[string]recordLocation{},
		byTag:      map[string][]string{},
		bySource:   map[string][]string{},
		tombstoned: map[string]bool{},
	}
}

func (ix *indexes) add(id string, loc recordLocation, ep *Episode) {
	ix.byID[id] = loc
	delete(ix.tombstoned, id)
	for _, tag := range ep.Tags {
		ix.byTag[tag] = appendUnique(ix.byTag[tag], id)
	}
	ix.bySource[ep.Source.Type] = appendUnique(ix.bySource[ep.Source.Type], id)
	ix.byTime = insertSortedByTime(ix.byTime, id, ep.CreatedAt)
}

func (ix *indexes) remove(id string) {
	ix.tombstoned[id] = true
	delete(ix.byID, id)
	for tag, ids := range ix.byTag {
		ix.byTag[tag] = removeID(ids, id)
	}
	for src, ids := range ix.bySource {
		ix.bySource[src] = removeID(ids, id)
	}
	ix.byTime = removeID(ix.byTime, id)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// insertSortedByTime appends newID, so byTime holds ids in insertion (log)
// order; t is not consulted, and no sorting by created time happens here.
func insertSortedByTime(ids []string, newID string, t time.Time) []string {
	ids = append(ids, newID)
	// Stored alongside a parallel timestamp is unnecessary: callers always
	// resolve timestamps back through byID -> segment read when sorting for
	// display, so simple membership order here only needs to be "recent
	// enough"; ListRecent re-sorts its candidate set explicitly.
	_ = t
	return ids
}

// snapshot is the JSON-serialisable form of indexes persisted under
// vault/index/*.idx so startup can skip a full log replay when possible.
type indexSnapshot struct {
	ByID       map[string]recordLocation `json:"by_id"`
	ByTag      map[string][]string       `json:"by_tag"`
	BySource   map[string][]string       `json:"by_source"`
	ByTime     []string                  `json:"by_time"`
	Tombstoned map[string]bool           `json:"tombstoned"`
}

func (ix *indexes) save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, "create index dir", err)
	}
	snap := indexSnapshot{
		ByID:       ix.byID,
		ByTag:      ix.byTag,
		BySource:   ix.bySource,
		ByTime:     ix.byTime,
		Tombstoned: ix.tombstoned,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal index snapshot", err)
	}
	return os.WriteFile(filepath.Join(dir, "combined.idx"), data, 0o644)
}

func loadIndexes(dir string) (*indexes, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "combined.idx"))
	if err != nil {
		return nil, false
	}
	var snap indexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false
	}
	ix := newIndexes()
	if snap.ByID != nil {
		ix.byID = snap.ByID
	}
	if snap.ByTag != nil {
		ix.byTag = snap.ByTag
	}
	if snap.BySource != nil {
		ix.bySource = snap.BySource
	}
	if snap.ByTime != nil {
		ix.byTime = snap.ByTime
	}
	if snap.Tombstoned != nil {
		ix.tombstoned = snap.Tombstoned
	}
	return ix, true
}

// sortByTimeDesc returns ids ordered by CreatedAt descending, ties broken
// lexicographically by id ascending.1 ListRecent contract.
func sortByTimeDesc(ids []string, timeOf func(string) time.Time) []string {
	out := append([]string(nil), ids...)
	sort.Slice(out, func(i, j int) bool {
		ti, tj := timeOf(out[i]), timeOf(out[j])
		if ti.Equal(tj) {
			return out[i] < out[j]
		}
		return ti.After(tj)
	})
	return out
}
