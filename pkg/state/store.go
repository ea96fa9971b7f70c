package state

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/confcache/confcache/pkg/fsx"
	"github.com/confcache/confcache/pkg/graphio"
	"github.com/confcache/confcache/pkg/statefile"
)

// BuildState is one build visible in a session.
type BuildState interface {
	// RootDir is the build's root directory.
	RootDir() string

	// IdentityPath identifies the build within the invocation model.
	IdentityPath() string
}

// BuildRegistry enumerates the builds of one invocation. External
// collaborator.
type BuildRegistry interface {
	VisibleBuilds() []BuildState
}

// storeLockTimeout bounds the wait for the entry-details lock when two
// invocations race to store the same entry.
const storeLockTimeout = 5 * time.Second

// Store drives cache stores and loads over one session's codec
// registry, settings, and encryption provider.
//
// A Store is safe for concurrent use: all shared state (the registry,
// the settings, the provider) is immutable, and every operation owns
// its contexts exclusively.
type Store struct {
	fs       fsx.FS
	registry *graphio.Registry
	settings Settings
	crypt    statefile.EncryptionProvider
	log      *zap.Logger
}

// Options configures [NewStore].
type Options struct {
	// Registry is the session codec registry. Required.
	Registry *graphio.Registry

	// FS defaults to [fsx.NewReal].
	FS fsx.FS

	// Settings defaults to [DefaultSettings].
	Settings *Settings

	// Encryption defaults to [statefile.NoEncryption].
	Encryption statefile.EncryptionProvider

	// Logger receives tracer output when Settings.Debug is set.
	// Defaults to a no-op logger.
	Logger *zap.Logger
}

// NewStore validates options and returns a Store.
func NewStore(opts Options) (*Store, error) {
	if opts.Registry == nil {
		return nil, errors.New("state: Options.Registry is required")
	}

	store := &Store{
		fs:       opts.FS,
		registry: opts.Registry,
		settings: DefaultSettings(),
		crypt:    opts.Encryption,
		log:      opts.Logger,
	}

	if store.fs == nil {
		store.fs = fsx.NewReal()
	}

	if opts.Settings != nil {
		store.settings = *opts.Settings
	}

	if store.crypt == nil {
		store.crypt = statefile.NoEncryption{}
	}

	if store.log == nil {
		store.log = zap.NewNop()
	}

	return store, nil
}

// FileFor returns a disk-backed state file handle under the store's
// filesystem.
func (s *Store) FileFor(path string, typ statefile.StateType) statefile.StateFile {
	return statefile.NewDiskFile(s.fs, path, typ)
}

// WriteEntryDetails collects the deduplicated set of root directories
// from all builds visible in builds and writes the entry index: the
// directories, the model-key to address pairs, the path to address
// pairs, and the side-effect list, in that fixed order. Any stream
// failure is fatal and aborts the store.
func (s *Store) WriteEntryDetails(
	builds BuildRegistry,
	models map[ModelKey]BlockAddress,
	metadata map[string]BlockAddress,
	effects []BlockAddress,
	file statefile.StateFile,
) error {
	lock, err := fsx.AcquireLock(s.fs, file.Path(), storeLockTimeout)
	if err != nil {
		return fmt.Errorf("lock entry %q: %w", file.Path(), err)
	}

	details := &EntryDetails{
		RootDirs:           rootDirsOf(builds),
		IntermediateModels: models,
		ProjectMetadata:    metadata,
		SideEffects:        effects,
	}

	writeErr := s.withFileWriter(file, "entry details", "", func(w *graphio.WriteContext) error {
		return writeEntryDetails(w, details)
	})

	return errors.Join(writeErr, lock.Release())
}

// ReadEntryDetails reads the entry index written by
// [Store.WriteEntryDetails]. An absent file is the normal cache-miss
// signal and returns (nil, nil); a structural decode failure means the
// cache entry is unusable and is returned as an error.
func (s *Store) ReadEntryDetails(file statefile.StateFile) (*EntryDetails, error) {
	exists, err := file.Exists()
	if err != nil {
		return nil, fmt.Errorf("probe entry %q: %w", file.Path(), err)
	}

	if !exists {
		return nil, nil
	}

	var details *EntryDetails

	readErr := s.withFileReader(file, "entry details", "", false, func(r *graphio.ReadContext) error {
		var err error
		details, err = readEntryDetails(r)

		return err
	})
	if readErr != nil {
		return nil, readErr
	}

	return details, nil
}

// WriteRootBuildState serializes the root build's configuration result:
// its display name followed by the finalized work graph. Returns the
// per-object problems accumulated while encoding the graph; the caller
// decides whether they invalidate the entry.
func (s *Store) WriteRootBuildState(
	file statefile.StateFile, displayName string, workGraph any,
) ([]graphio.Problem, error) {
	var problems []graphio.Problem

	err := s.withFileWriter(file, "root build state", rootBuildOwner, func(w *graphio.WriteContext) error {
		if err := w.WriteString(displayName); err != nil {
			return err
		}

		w.Checkpoint("display name")

		if err := w.EncodeValue(workGraph); err != nil {
			return err
		}

		w.Checkpoint("work graph")
		problems = w.Problems().All()

		return nil
	})

	return problems, err
}

// ReadRootBuildState restores the root build's display name and
// finalized work graph. loadAfterStore reports that this load follows a
// store in the same invocation; it is exposed to the domain codecs via
// the context.
func (s *Store) ReadRootBuildState(
	file statefile.StateFile, loadAfterStore bool,
) (string, any, error) {
	var (
		displayName string
		workGraph   any
	)

	err := s.withFileReader(file, "root build state", rootBuildOwner, loadAfterStore,
		func(r *graphio.ReadContext) error {
			var err error

			displayName, err = r.ReadString()
			if err != nil {
				return err
			}

			workGraph, err = r.DecodeValue()

			return err
		})
	if err != nil {
		return "", nil, err
	}

	return displayName, workGraph, nil
}

// WriteIncludedBuildState serializes one included build's state into
// its own file; the string strategy is chosen per file from the file's
// category, like every other state file.
func (s *Store) WriteIncludedBuildState(
	file statefile.StateFile, owner string, content any,
) ([]graphio.Problem, error) {
	var problems []graphio.Problem

	err := s.withFileWriter(file, "included build state", owner, func(w *graphio.WriteContext) error {
		if err := w.EncodeValue(content); err != nil {
			return err
		}

		problems = w.Problems().All()

		return nil
	})

	return problems, err
}

// ReadIncludedBuildState restores one included build's state.
func (s *Store) ReadIncludedBuildState(file statefile.StateFile, owner string) (any, error) {
	var content any

	err := s.withFileReader(file, "included build state", owner, false,
		func(r *graphio.ReadContext) error {
			var err error
			content, err = r.DecodeValue()

			return err
		})
	if err != nil {
		return nil, err
	}

	return content, nil
}

// WriteModel persists one opaque model under an isolate scoped to the
// owning build's identity.
func (s *Store) WriteModel(model any, file statefile.StateFile, owner string) ([]graphio.Problem, error) {
	var problems []graphio.Problem

	err := s.withFileWriter(file, "model", owner, func(w *graphio.WriteContext) error {
		isolateErr := w.RunIsolated(owner, w.CodecSet(), func() error {
			return w.EncodeValue(model)
		})

		problems = w.Problems().All()

		return isolateErr
	})

	return problems, err
}

// ReadModel reloads one model written by [Store.WriteModel].
func (s *Store) ReadModel(file statefile.StateFile, owner string) (any, error) {
	var model any

	err := s.withFileReader(file, "model", owner, false, func(r *graphio.ReadContext) error {
		return r.RunIsolated(owner, r.CodecSet(), func() error {
			var err error
			model, err = r.DecodeValue()

			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return model, nil
}

// RunWriteOperation runs op over a caller-supplied stream whose
// lifecycle the caller owns, with the shared codec registry wired in.
func (s *Store) RunWriteOperation(out io.Writer, op func(*graphio.WriteContext) error) error {
	w := graphio.OpenStreamWriter(out, s.registry, rootBuildOwner)

	opErr := op(w)
	closeErr := w.Close()

	return errors.Join(opErr, closeErr)
}

// RunReadOperation is the read counterpart of [Store.RunWriteOperation].
func (s *Store) RunReadOperation(in io.Reader, op func(*graphio.ReadContext) error) error {
	r := graphio.OpenStreamReader(in, s.registry, rootBuildOwner)

	opErr := op(r)
	closeErr := r.Close()

	return errors.Join(opErr, closeErr)
}

// rootBuildOwner is the identity path of the root build.
const rootBuildOwner = ":"

// withFileWriter opens a write context for file, runs op, and closes on
// every exit path. Fatal errors from op or from close invalidate the
// store as a whole.
func (s *Store) withFileWriter(
	file statefile.StateFile, profile, owner string, op func(*graphio.WriteContext) error,
) error {
	w, err := graphio.OpenFileWriter(graphio.FileWriterOptions{
		File:       file,
		Registry:   s.registry,
		Strategy:   graphio.SelectStrategy(file.Type(), s.settings.DedupStrings),
		Encryption: s.crypt,
		Owner:      owner,
		Tracer:     s.tracer(profile),
	})
	if err != nil {
		return err
	}

	opErr := op(w)
	if opErr != nil {
		// Do not publish a partially written file.
		return fmt.Errorf("store %s %q: %w", profile, file.Path(), errors.Join(opErr, w.Abort()))
	}

	if closeErr := w.Close(); closeErr != nil {
		return fmt.Errorf("store %s %q: %w", profile, file.Path(), closeErr)
	}

	return nil
}

// withFileReader mirrors withFileWriter on the load side.
func (s *Store) withFileReader(
	file statefile.StateFile, profile, owner string, loadAfterStore bool,
	op func(*graphio.ReadContext) error,
) error {
	r, err := graphio.OpenFileReader(graphio.FileReaderOptions{
		File:           file,
		Registry:       s.registry,
		Strategy:       graphio.SelectStrategy(file.Type(), s.settings.DedupStrings),
		Encryption:     s.crypt,
		Owner:          owner,
		Tracer:         s.tracer(profile),
		LoadAfterStore: loadAfterStore,
	})
	if err != nil {
		return fmt.Errorf("load %s %q: %w", profile, file.Path(), err)
	}

	opErr := op(r)
	closeErr := r.Close()

	if err := errors.Join(opErr, closeErr); err != nil {
		return fmt.Errorf("load %s %q: %w", profile, file.Path(), err)
	}

	return nil
}

func (s *Store) tracer(profile string) *graphio.Tracer {
	if !s.settings.Debug {
		return nil
	}

	return graphio.NewTracer(s.log, profile)
}

func rootDirsOf(builds BuildRegistry) []string {
	if builds == nil {
		return nil
	}

	seen := make(map[string]bool)

	var dirs []string

	for _, build := range builds.VisibleBuilds() {
		dir := build.RootDir()
		if dir == "" || seen[dir] {
			continue
		}

		seen[dir] = true
		dirs = append(dirs, dir)
	}

	return dirs
}
