package state_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/confcache/confcache/pkg/fsx"
	"github.com/confcache/confcache/pkg/graphio"
	"github.com/confcache/confcache/pkg/state"
	"github.com/confcache/confcache/pkg/statefile"
)

// workGraph stands in for a build's finalized task graph.
type workGraph struct {
	Tasks []string
}

type workGraphCodec struct{}

func (workGraphCodec) Tag() string { return "confcache.workGraph" }

func (workGraphCodec) Encode(w *graphio.WriteContext, v any) error {
	graph := v.(*workGraph)

	if err := w.WriteUvarint(uint64(len(graph.Tasks))); err != nil {
		return err
	}

	for _, task := range graph.Tasks {
		if err := w.WriteString(task); err != nil {
			return err
		}
	}

	return nil
}

func (workGraphCodec) Decode(r *graphio.ReadContext) (any, error) {
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}

	graph := &workGraph{Tasks: make([]string, 0, count)}

	for i := uint64(0); i < count; i++ {
		task, err := r.ReadString()
		if err != nil {
			return nil, err
		}

		graph.Tasks = append(graph.Tasks, task)
	}

	return graph, nil
}

func testRegistry() *graphio.Registry {
	return graphio.NewRegistryBuilder().
		RegisterUser((*workGraph)(nil), workGraphCodec{}).
		Build()
}

type build struct {
	root     string
	identity string
}

func (b build) RootDir() string      { return b.root }
func (b build) IdentityPath() string { return b.identity }

type builds []state.BuildState

func (b builds) VisibleBuilds() []state.BuildState { return b }

func newTestStore(t *testing.T, opts state.Options) *state.Store {
	t.Helper()

	if opts.Registry == nil {
		opts.Registry = testRegistry()
	}

	store, err := state.NewStore(opts)
	require.NoError(t, err)

	return store
}

// addrEqual compares addresses by encoded content; raw bytes are not
// exported.
var addrEqual = cmp.Comparer(func(a, b state.BlockAddress) bool {
	return a.Equal(b)
})

func addr(b ...byte) state.BlockAddress {
	return state.BlockAddressOf(b)
}

func TestEntryDetails_Roundtrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	file := store.FileFor(filepath.Join(t.TempDir(), "entry.bin"), statefile.TypeEntry)

	visible := builds{
		build{root: "/work/app", identity: ":"},
		build{root: "/work/lib", identity: ":lib"},
		build{root: "/work/app", identity: ":again"}, // duplicate root dir
	}

	models := map[state.ModelKey]state.BlockAddress{
		{Path: ":app", Name: "toolingModel", Hash: "abc"}: addr(1, 2),
		{Name: "buildModel"}:                              addr(3),
		{Path: ":lib", Name: "toolingModel"}:              addr(4, 5, 6),
	}

	metadata := map[string]state.BlockAddress{
		":app": addr(7),
		":lib": addr(8, 9),
	}

	effects := []state.BlockAddress{addr(10), addr(11)}

	require.NoError(t, store.WriteEntryDetails(visible, models, metadata, effects, file))

	details, err := store.ReadEntryDetails(file)
	require.NoError(t, err)
	require.NotNil(t, details)

	want := &state.EntryDetails{
		RootDirs:           []string{"/work/app", "/work/lib"},
		IntermediateModels: models,
		ProjectMetadata:    metadata,
		SideEffects:        effects,
	}

	if diff := cmp.Diff(want, details, addrEqual); diff != "" {
		t.Fatalf("entry details mismatch (-want +got):\n%s", diff)
	}
}

func TestReadEntryDetails_AbsentFileIsCacheMiss(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	file := store.FileFor(filepath.Join(t.TempDir(), "entry.bin"), statefile.TypeEntry)

	details, err := store.ReadEntryDetails(file)
	require.NoError(t, err)
	require.Nil(t, details)
}

func TestWriteEntryDetails_DeterministicBytes(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	dir := t.TempDir()

	models := map[state.ModelKey]state.BlockAddress{
		{Path: ":a", Name: "m1"}: addr(1),
		{Path: ":b", Name: "m2"}: addr(2),
		{Path: ":c", Name: "m3"}: addr(3),
	}

	metadata := map[string]state.BlockAddress{
		":a": addr(4), ":b": addr(5), ":c": addr(6),
	}

	write := func(name string) []byte {
		file := store.FileFor(filepath.Join(dir, name), statefile.TypeEntry)
		require.NoError(t, store.WriteEntryDetails(nil, models, metadata, nil, file))

		data, err := os.ReadFile(file.Path())
		require.NoError(t, err)

		return data
	}

	first := write("one.bin")
	second := write("two.bin")

	require.Equal(t, first, second, "same details must serialize to the same bytes")
}

func TestWriteEntryDetails_SequentialInvocations(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	file := store.FileFor(filepath.Join(t.TempDir(), "entry.bin"), statefile.TypeEntry)

	// The second store must reacquire the entry lock cleanly and replace
	// the first entry.
	require.NoError(t, store.WriteEntryDetails(nil, nil, nil, []state.BlockAddress{addr(1)}, file))
	require.NoError(t, store.WriteEntryDetails(nil, nil, nil, []state.BlockAddress{addr(2)}, file))

	details, err := store.ReadEntryDetails(file)
	require.NoError(t, err)
	require.Len(t, details.SideEffects, 1)
	require.True(t, details.SideEffects[0].Equal(addr(2)))
}

func TestRootBuildState_Roundtrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	file := store.FileFor(filepath.Join(t.TempDir(), "work.bin"), statefile.TypeWork)

	graph := &workGraph{Tasks: []string{":compile", ":test", ":compile"}}

	problems, err := store.WriteRootBuildState(file, "my build", graph)
	require.NoError(t, err)
	require.Empty(t, problems)

	displayName, restored, err := store.ReadRootBuildState(file, false)
	require.NoError(t, err)
	require.Equal(t, "my build", displayName)
	require.Equal(t, graph, restored)
}

func TestRootBuildState_WorkFileCarriesSideTable(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	dir := t.TempDir()
	file := store.FileFor(filepath.Join(dir, "work.bin"), statefile.TypeWork)

	_, err := store.WriteRootBuildState(file, "b", &workGraph{Tasks: []string{":a"}})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	require.ElementsMatch(t, []string{"work.bin", "work.bin.strings"}, names)
}

func TestEntryFile_HasNoSideTable(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	dir := t.TempDir()
	file := store.FileFor(filepath.Join(dir, "entry.bin"), statefile.TypeEntry)

	require.NoError(t, store.WriteEntryDetails(nil, nil, nil, nil, file))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "entry.bin", entries[0].Name())
}

func TestDedupSettings_AreTransparent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	long := "a/very/long/shared/identity/path/that/repeats"

	models := make(map[state.ModelKey]state.BlockAddress)
	for i := 0; i < 40; i++ {
		models[state.ModelKey{Path: long, Name: string(rune('a' + i))}] = addr(byte(i))
	}

	size := func(name string, dedup bool) (*state.EntryDetails, int64) {
		settings := state.DefaultSettings()
		settings.DedupStrings = dedup

		store := newTestStore(t, state.Options{Settings: &settings})
		file := store.FileFor(filepath.Join(dir, name), statefile.TypeEntry)

		require.NoError(t, store.WriteEntryDetails(nil, models, nil, nil, file))

		details, err := store.ReadEntryDetails(file)
		require.NoError(t, err)

		info, err := os.Stat(file.Path())
		require.NoError(t, err)

		return details, info.Size()
	}

	withDedup, dedupSize := size("dedup.bin", true)
	withoutDedup, inlineSize := size("inline.bin", false)

	// Same observable content either way, fewer bytes with dedup.
	if diff := cmp.Diff(withoutDedup, withDedup, addrEqual); diff != "" {
		t.Fatalf("dedup changed the decoded details (-inline +dedup):\n%s", diff)
	}

	require.Less(t, dedupSize, inlineSize)
}

func TestModel_RoundtripUnderOwnerIsolate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	file := store.FileFor(filepath.Join(t.TempDir(), "model.bin"), statefile.TypeModel)

	model := &workGraph{Tasks: []string{":model"}}

	problems, err := store.WriteModel(model, file, ":included")
	require.NoError(t, err)
	require.Empty(t, problems)

	restored, err := store.ReadModel(file, ":included")
	require.NoError(t, err)
	require.Equal(t, model, restored)
}

func TestWriteModel_UnserializableValueIsAProblem(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	file := store.FileFor(filepath.Join(t.TempDir(), "model.bin"), statefile.TypeModel)

	type opaque struct{ F func() }

	problems, err := store.WriteModel(&opaque{}, file, ":included")
	require.NoError(t, err, "per-object problems must not abort the store")
	require.Len(t, problems, 1)
	require.Equal(t, ":included", problems[0].Owner)
	require.ErrorIs(t, problems[0].Err, graphio.ErrUnknownCodec)

	// The placeholder restores as nil.
	restored, err := store.ReadModel(file, ":included")
	require.NoError(t, err)
	require.Nil(t, restored)
}

func TestIncludedBuildState_Roundtrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	file := store.FileFor(filepath.Join(t.TempDir(), "included.bin"), statefile.TypeWork)

	content := &workGraph{Tasks: []string{":lib:compile"}}

	problems, err := store.WriteIncludedBuildState(file, ":lib", content)
	require.NoError(t, err)
	require.Empty(t, problems)

	restored, err := store.ReadIncludedBuildState(file, ":lib")
	require.NoError(t, err)
	require.Equal(t, content, restored)
}

func TestEncryption_SealsWorkFilesAtRest(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, 32)

	provider, err := statefile.NewAESProvider(key)
	require.NoError(t, err)

	dir := t.TempDir()
	sealed := newTestStore(t, state.Options{Encryption: provider})
	file := sealed.FileFor(filepath.Join(dir, "work.bin"), statefile.TypeWork)

	secret := ":deploy-to-production"

	_, err = sealed.WriteRootBuildState(file, "b", &workGraph{Tasks: []string{secret}})
	require.NoError(t, err)

	for _, name := range []string{"work.bin", "work.bin.strings"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NotContains(t, string(raw), secret, "%s leaks plaintext", name)
	}

	// Without the key the file is garbage.
	plain := newTestStore(t, state.Options{})

	_, _, err = plain.ReadRootBuildState(file, false)
	require.Error(t, err)

	// With the key it restores.
	displayName, restored, err := sealed.ReadRootBuildState(file, false)
	require.NoError(t, err)
	require.Equal(t, "b", displayName)
	require.Equal(t, &workGraph{Tasks: []string{secret}}, restored)
}

func TestEncryption_LeavesEntryIndexReadable(t *testing.T) {
	t.Parallel()

	provider, err := statefile.NewAESProvider(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	sealed := newTestStore(t, state.Options{Encryption: provider})
	file := sealed.FileFor(filepath.Join(t.TempDir(), "entry.bin"), statefile.TypeEntry)

	require.NoError(t, sealed.WriteEntryDetails(nil, nil,
		map[string]state.BlockAddress{":app": addr(1)}, nil, file))

	// The entry index is never encrypted; a keyless store reads it.
	plain := newTestStore(t, state.Options{})

	details, err := plain.ReadEntryDetails(file)
	require.NoError(t, err)
	require.Len(t, details.ProjectMetadata, 1)
}

func TestWriteEntryDetails_PublishFailureLeavesNoFile(t *testing.T) {
	t.Parallel()

	flaky := fsx.NewFlaky(fsx.NewReal())
	flaky.ReplaceErr = errors.New("disk full")

	store := newTestStore(t, state.Options{FS: flaky})
	file := store.FileFor(filepath.Join(t.TempDir(), "entry.bin"), statefile.TypeEntry)

	err := store.WriteEntryDetails(nil, nil, nil, []state.BlockAddress{addr(1)}, file)
	require.ErrorContains(t, err, "disk full")

	exists, err := file.Exists()
	require.NoError(t, err)
	require.False(t, exists, "failed store must not publish a file")
}

func TestReadEntryDetails_TruncatedReadIsFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "entry.bin")

	healthy := newTestStore(t, state.Options{})
	require.NoError(t, healthy.WriteEntryDetails(nil, nil,
		map[string]state.BlockAddress{":app": addr(1, 2, 3)}, nil,
		healthy.FileFor(path, statefile.TypeEntry)))

	flaky := fsx.NewFlaky(fsx.NewReal())
	flaky.ReadErr = errors.New("input/output error")
	flaky.ReadErrAfter = 4

	dying := newTestStore(t, state.Options{FS: flaky})

	_, err := dying.ReadEntryDetails(dying.FileFor(path, statefile.TypeEntry))
	require.Error(t, err)
}

func TestChildren_RoundtripAcrossGoroutines(t *testing.T) {
	t.Parallel()

	settings := state.DefaultSettings()
	settings.ParallelStore = true
	settings.ParallelLoad = true

	store := newTestStore(t, state.Options{Settings: &settings})
	registry := testRegistry()
	file := store.FileFor(filepath.Join(t.TempDir(), "work.bin"), statefile.TypeWork)

	relatives := []string{"app.bin", "lib.bin", "tools.bin"}

	w, err := graphio.OpenFileWriter(graphio.FileWriterOptions{
		File:     file,
		Registry: registry,
		Strategy: graphio.StrategyParallel,
		Owner:    ":",
	})
	require.NoError(t, err)

	require.NoError(t, w.WriteString("root"))

	err = store.WriteChildren(w, relatives, func(relative string, cw *graphio.WriteContext) error {
		if err := cw.WriteString(relative); err != nil {
			return err
		}

		// The shared table makes repeats cheap across all children.
		return cw.WriteString("root")
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := graphio.OpenFileReader(graphio.FileReaderOptions{
		File:     file,
		Registry: registry,
		Strategy: graphio.StrategyParallel,
		Owner:    ":",
	})
	require.NoError(t, err)
	defer r.Close()

	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "root", s)

	err = store.ReadChildren(r, relatives, func(relative string, cr *graphio.ReadContext) error {
		s, err := cr.ReadString()
		if err != nil {
			return err
		}

		if s != relative {
			t.Errorf("child %q decoded %q", relative, s)
		}

		s, err = cr.ReadString()
		if err != nil {
			return err
		}

		if s != "root" {
			t.Errorf("child %q decoded shared string %q", relative, s)
		}

		return nil
	})
	require.NoError(t, err)
}

func TestWriteChildren_FailedChildIsNotPublished(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})
	fsys := fsx.NewReal()
	dir := t.TempDir()
	file := store.FileFor(filepath.Join(dir, "work.bin"), statefile.TypeWork)

	w, err := graphio.OpenFileWriter(graphio.FileWriterOptions{
		File:     file,
		Registry: testRegistry(),
		Strategy: graphio.StrategyParallel,
		Owner:    ":",
	})
	require.NoError(t, err)

	boom := errors.New("boom")

	err = store.WriteChildren(w, []string{"bad.bin"}, func(string, *graphio.WriteContext) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, w.Abort())

	exists, err := fsys.Exists(filepath.Join(dir, "bad.bin"))
	require.NoError(t, err)
	require.False(t, exists, "aborted child must not be visible")
}

func TestRunOperations_RoundtripOverCallerStream(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, state.Options{})

	var buf bytes.Buffer

	err := store.RunWriteOperation(&buf, func(w *graphio.WriteContext) error {
		if err := w.WriteString("fingerprint"); err != nil {
			return err
		}

		return w.EncodeValue(&workGraph{Tasks: []string{":x"}})
	})
	require.NoError(t, err)

	err = store.RunReadOperation(&buf, func(r *graphio.ReadContext) error {
		s, err := r.ReadString()
		if err != nil {
			return err
		}

		require.Equal(t, "fingerprint", s)

		v, err := r.DecodeValue()
		if err != nil {
			return err
		}

		require.Equal(t, &workGraph{Tasks: []string{":x"}}, v)

		return nil
	})
	require.NoError(t, err)
}

func TestNewStore_RequiresRegistry(t *testing.T) {
	t.Parallel()

	_, err := state.NewStore(state.Options{})
	require.Error(t, err)
}
