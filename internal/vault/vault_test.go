package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"koopmem/internal/activation"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	v, err := Open(Config{Dir: dir, SegmentSizeBytes: 1 << 20, Fsync: FsyncOff})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func mustActivation(t *testing.T, ids ...int) *activation.ConceptActivation {
	t.Helper()
	ca, err := activation.NewSparse(16, ids, nil)
	require.NoError(t, err)
	return ca
}

func TestPutGetRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ep := &Episode{
		Tags:       []string{"x"},
		Source:     SourceDescriptor{Type: "test"},
		Energy:     0.5,
		Activation: mustActivation(t, 1, 2),
	}
	id, err := v.Put(ep)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := v.Get(id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, []string{"x"}, got.Tags)
	require.Equal(t, 0.5, got.Energy)
}

func TestListRecentScenario(t *testing.T) {
	v := newTestVault(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := v.Put(&Episode{ID: "a", CreatedAt: base.Add(100 * time.Second), Tags: []string{"x"}, Source: SourceDescriptor{Type: "t"}, Energy: 0.1, Activation: mustActivation(t, 1)})
	require.NoError(t, err)
	_, err = v.Put(&Episode{ID: "b", CreatedAt: base.Add(200 * time.Second), Tags: []string{"x", "y"}, Source: SourceDescriptor{Type: "t"}, Energy: 0.5, Activation: mustActivation(t, 2)})
	require.NoError(t, err)
	_, err = v.Put(&Episode{ID: "c", CreatedAt: base.Add(300 * time.Second), Tags: []string{"y"}, Source: SourceDescriptor{Type: "t"}, Energy: 0.9, Activation: mustActivation(t, 3)})
	require.NoError(t, err)

	episodes, total, hasMore, err := v.ListRecent(Filter{IncludeTags: []string{"x"}}, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.False(t, hasMore)
	require.Equal(t, []string{"b", "a"}, []string{episodes[0].ID, episodes[1].ID})
}

func TestPurgeTTLDryRunThenReal(t *testing.T) {
	v := newTestVault(t)
	base := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		_, err := v.Put(&Episode{ID: id, CreatedAt: base, Source: SourceDescriptor{Type: "t"}, Activation: mustActivation(t, 1)})
		require.NoError(t, err)
	}

	purged, freed, err := v.PurgeTTL(0, 1, true)
	require.NoError(t, err)
	require.Equal(t, 3, purged)
	require.Greater(t, freed, int64(0))

	episodes, total, _, err := v.ListRecent(Filter{}, 10)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, episodes, 3)

	purged, _, err = v.PurgeTTL(0, 1, false)
	require.NoError(t, err)
	require.Equal(t, 3, purged)

	_, total, _, err = v.ListRecent(Filter{}, 10)
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestPurgeTTLIdempotent(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Put(&Episode{ID: "a", CreatedAt: time.Now().UTC().Add(-24 * time.Hour), Source: SourceDescriptor{Type: "t"}, Activation: mustActivation(t, 1)})
	require.NoError(t, err)

	purged, _, err := v.PurgeTTL(time.Hour, 0, false)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	purged, _, err = v.PurgeTTL(time.Hour, 0, false)
	require.NoError(t, err)
	require.Equal(t, 0, purged)
}

func TestRebuildFromLogAfterReopen(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(Config{Dir: dir, Fsync: FsyncAlways})
	require.NoError(t, err)
	_, err = v.Put(&Episode{ID: "a", Tags: []string{"x"}, Source: SourceDescriptor{Type: "t"}, Activation: mustActivation(t, 1)})
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2, err := Open(Config{Dir: dir, IndexRebuildOnStart: true})
	require.NoError(t, err)
	defer v2.Close()
	got, err := v2.Get("a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
}

func TestInvalidActivationRejected(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Put(&Episode{Source: SourceDescriptor{Type: "t"}})
	require.Error(t, err)
}

func TestQuotaExceeded(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(Config{Dir: dir, MaxEpisodes: 1})
	require.NoError(t, err)
	defer v.Close()
	_, err = v.Put(&Episode{Source: SourceDescriptor{Type: "t"}, Activation: mustActivation(t, 1)})
	require.NoError(t, err)
	_, err = v.Put(&Episode{Source: SourceDescriptor{Type: "t"}, Activation: mustActivation(t, 1)})
	require.Error(t, err)
}
