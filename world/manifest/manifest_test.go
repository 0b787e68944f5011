package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zserrors "github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/world"
	"github.com/c360/zonestream/zone"
)

var (
	_ world.Backend       = (*World)(nil)
	_ world.HealthChecker = (*World)(nil)
)

const harborYAML = `zone:
  name: harbor
  neighbors: [market, lighthouse]
  edges:
    - name: harbor->market
      target: market
    - name: harbor->lighthouse
      target: lighthouse
      accepted_tags: [Player, Boat]
`

const marketYAML = `zone:
  name: market
  edges:
    - target: harbor
      accepted_tags: []
`

func writeManifest(t *testing.T, dir, file, content string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeManifest(t, dir, "harbor.yaml", harborYAML)
	writeManifest(t, dir, "market.yml", marketYAML)
	writeManifest(t, dir, "README.md", "not a manifest")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o700))
	return dir
}

func TestParse(t *testing.T) {
	root, err := Parse([]byte(harborYAML))
	require.NoError(t, err)

	assert.Equal(t, "harbor", root.Name)
	assert.Equal(t, []string{"market", "lighthouse"}, root.Neighbors)
	require.Len(t, root.Edges, 2)
	assert.Nil(t, root.Edges[0].AcceptedTags)
	assert.Equal(t, []string{"Player", "Boat"}, root.Edges[1].AcceptedTags)

	market, err := Parse([]byte(marketYAML))
	require.NoError(t, err)
	require.Len(t, market.Edges, 1)
	assert.NotNil(t, market.Edges[0].AcceptedTags)
	assert.Empty(t, market.Edges[0].AcceptedTags)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty", "", zserrors.ErrInvalidZone},
		{"not yaml", "zone: [", zserrors.ErrParsingFailed},
		{"unknown field", "zone:\n  name: a\n  colour: red\n", zserrors.ErrParsingFailed},
		{"missing name", "zone:\n  neighbors: [b]\n", zserrors.ErrEmptyZoneName},
		{"edge without target", "zone:\n  name: a\n  edges:\n    - name: x\n", zserrors.ErrInvalidZone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, zserrors.IsInvalid(err))
		})
	}
}

func TestMarshal_ParsesBack(t *testing.T) {
	root := &zone.Root{
		Name:      "docks",
		Neighbors: []string{"harbor"},
		Edges:     []zone.Edge{{Name: "docks->harbor", Target: "harbor"}},
	}
	data, err := Marshal(root)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "zone:"))

	back, err := Parse(data)
	require.NoError(t, err)
	if diff := cmp.Diff(root, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	_, err = Marshal(&zone.Root{})
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	roots, err := LoadDir(testDir(t))
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "harbor", roots[0].Name)
	assert.Equal(t, "market", roots[1].Name)

	_, err = LoadDir(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, zserrors.IsInvalid(err))
}

func TestNew_RejectsDuplicateZones(t *testing.T) {
	dir := testDir(t)
	writeManifest(t, dir, "harbor-copy.yaml", harborYAML)

	_, err := New(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, zserrors.ErrInvalidZone)
	assert.Contains(t, err.Error(), "harbor")
}

func TestNew_RequiresDir(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, zserrors.ErrMissingConfig)
}

func TestWorld_Load(t *testing.T) {
	w, err := New(testDir(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"harbor", "market"}, w.Names())

	var progress []float64
	root, err := w.Load(context.Background(), "harbor", func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, "harbor", root.Name)
	assert.Equal(t, []float64{0.33, 0.66, 1}, progress)
	assert.True(t, w.IsLoaded("harbor"))

	require.NoError(t, w.Unload(context.Background(), "harbor"))
	assert.False(t, w.IsLoaded("harbor"))
	assert.NoError(t, w.Health(context.Background()))
}

func TestWorld_LoadUnknownZone(t *testing.T) {
	w, err := New(testDir(t))
	require.NoError(t, err)

	_, err = w.Load(context.Background(), "atlantis", nil)
	assert.ErrorIs(t, err, zserrors.ErrZoneNotFound)
	assert.False(t, zserrors.IsTransient(err))
}

func TestWorld_LoadSeesEdits(t *testing.T) {
	dir := testDir(t)
	w, err := New(dir)
	require.NoError(t, err)

	writeManifest(t, dir, "market.yml", "zone:\n  name: market\n  neighbors: [harbor, bazaar]\n")
	root, err := w.Load(context.Background(), "market", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"harbor", "bazaar"}, root.Neighbors)

	writeManifest(t, dir, "market.yml", "zone:\n  name: bazaar\n")
	_, err = w.Load(context.Background(), "market", nil)
	assert.ErrorIs(t, err, zserrors.ErrInvalidZone)

	require.NoError(t, w.Rescan())
	assert.Equal(t, []string{"bazaar", "harbor"}, w.Names())
}

func TestWorld_LoadCancelled(t *testing.T) {
	w, err := New(testDir(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Load(ctx, "harbor", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, zserrors.IsTransient(err))
}

func TestWorld_RejectsOversizedManifest(t *testing.T) {
	dir := t.TempDir()
	big := "zone:\n  name: big\n  neighbors: [" + strings.Repeat("z,", maxManifestSize/2) + "z]\n"
	writeManifest(t, dir, "big.yaml", big)

	_, err := New(dir)
	assert.ErrorIs(t, err, zserrors.ErrInvalidData)
}

func TestWorld_HealthMissingDir(t *testing.T) {
	dir := testDir(t)
	w, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	assert.Error(t, w.Health(context.Background()))
}
