// Package state persists and restores the results of a build's
// configuration phase: the entry-details index, root and included build
// state, and cached intermediate models.
package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/confcache/confcache/pkg/graphio"
)

// BlockAddress locates a byte range in the externally-managed
// append-only block stream. It is opaque to this engine and only valid
// relative to the block stream it was produced against; equality is by
// encoded content.
type BlockAddress struct {
	raw []byte
}

// BlockAddressOf returns an address over a copy of raw.
func BlockAddressOf(raw []byte) BlockAddress {
	return BlockAddress{raw: bytes.Clone(raw)}
}

// Bytes returns a copy of the encoded address.
func (a BlockAddress) Bytes() []byte {
	return bytes.Clone(a.raw)
}

// Equal reports content equality.
func (a BlockAddress) Equal(b BlockAddress) bool {
	return bytes.Equal(a.raw, b.raw)
}

func writeBlockAddress(w *graphio.WriteContext, a BlockAddress) error {
	return w.WriteBytes(a.raw)
}

func readBlockAddress(r *graphio.ReadContext) (BlockAddress, error) {
	raw, err := r.ReadBytes()
	if err != nil {
		return BlockAddress{}, err
	}

	return BlockAddress{raw: raw}, nil
}

// ModelKey identifies one cached intermediate model. Path is the
// identity path of the owning project and Hash the model's parameter
// hash; both are empty when absent. Keys are unique within one entry's
// model map and carry no ordering.
type ModelKey struct {
	Path string
	Name string
	Hash string
}

func writeModelKey(w *graphio.WriteContext, k ModelKey) error {
	if err := w.WriteNullableString(k.Path); err != nil {
		return err
	}

	if err := w.WriteString(k.Name); err != nil {
		return err
	}

	return w.WriteNullableString(k.Hash)
}

func readModelKey(r *graphio.ReadContext) (ModelKey, error) {
	path, err := r.ReadNullableString()
	if err != nil {
		return ModelKey{}, err
	}

	name, err := r.ReadString()
	if err != nil {
		return ModelKey{}, err
	}

	hash, err := r.ReadNullableString()
	if err != nil {
		return ModelKey{}, err
	}

	return ModelKey{Path: path, Name: name, Hash: hash}, nil
}

// EntryDetails is the top-level record of one cache entry: written once
// per store, read once per load attempt.
type EntryDetails struct {
	// RootDirs is the deduplicated set of root directories of all
	// builds in the entry.
	RootDirs []string

	// IntermediateModels maps model keys to their block addresses.
	IntermediateModels map[ModelKey]BlockAddress

	// ProjectMetadata maps project paths to their block addresses.
	ProjectMetadata map[string]BlockAddress

	// SideEffects lists side-effect blocks in replay order.
	SideEffects []BlockAddress
}

// The four sections are written in fixed order; read must match
// exactly. Maps are emitted in sorted key order so the same details
// always produce the same bytes.
func writeEntryDetails(w *graphio.WriteContext, details *EntryDetails) error {
	dirs := append([]string(nil), details.RootDirs...)
	sort.Strings(dirs)

	if err := w.WriteUvarint(uint64(len(dirs))); err != nil {
		return err
	}

	for _, dir := range dirs {
		if err := w.WriteString(dir); err != nil {
			return err
		}
	}

	w.Checkpoint("root dirs")

	if err := writeModelMap(w, details.IntermediateModels); err != nil {
		return err
	}

	w.Checkpoint("intermediate models")

	if err := writeMetadataMap(w, details.ProjectMetadata); err != nil {
		return err
	}

	w.Checkpoint("project metadata")

	if err := w.WriteUvarint(uint64(len(details.SideEffects))); err != nil {
		return err
	}

	for _, addr := range details.SideEffects {
		if err := writeBlockAddress(w, addr); err != nil {
			return err
		}
	}

	w.Checkpoint("side effects")

	return nil
}

func readEntryDetails(r *graphio.ReadContext) (*EntryDetails, error) {
	dirCount, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}

	dirs := make([]string, 0, dirCount)

	for i := uint64(0); i < dirCount; i++ {
		dir, err := r.ReadString()
		if err != nil {
			return nil, err
		}

		dirs = append(dirs, dir)
	}

	models, err := readModelMap(r)
	if err != nil {
		return nil, err
	}

	metadata, err := readMetadataMap(r)
	if err != nil {
		return nil, err
	}

	effectCount, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}

	effects := make([]BlockAddress, 0, effectCount)

	for i := uint64(0); i < effectCount; i++ {
		addr, err := readBlockAddress(r)
		if err != nil {
			return nil, err
		}

		effects = append(effects, addr)
	}

	return &EntryDetails{
		RootDirs:           dirs,
		IntermediateModels: models,
		ProjectMetadata:    metadata,
		SideEffects:        effects,
	}, nil
}

func writeModelMap(w *graphio.WriteContext, models map[ModelKey]BlockAddress) error {
	keys := make([]ModelKey, 0, len(models))
	for key := range models {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		return a.Hash < b.Hash
	})

	if err := w.WriteUvarint(uint64(len(keys))); err != nil {
		return err
	}

	for _, key := range keys {
		if err := writeModelKey(w, key); err != nil {
			return err
		}

		if err := writeBlockAddress(w, models[key]); err != nil {
			return err
		}
	}

	return nil
}

func readModelMap(r *graphio.ReadContext) (map[ModelKey]BlockAddress, error) {
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}

	models := make(map[ModelKey]BlockAddress, count)

	for i := uint64(0); i < count; i++ {
		key, err := readModelKey(r)
		if err != nil {
			return nil, err
		}

		addr, err := readBlockAddress(r)
		if err != nil {
			return nil, err
		}

		if _, dup := models[key]; dup {
			return nil, fmt.Errorf("%w: duplicate model key %+v", graphio.ErrCorrupt, key)
		}

		models[key] = addr
	}

	return models, nil
}

func writeMetadataMap(w *graphio.WriteContext, metadata map[string]BlockAddress) error {
	paths := make([]string, 0, len(metadata))
	for path := range metadata {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	if err := w.WriteUvarint(uint64(len(paths))); err != nil {
		return err
	}

	for _, path := range paths {
		if err := w.WriteString(path); err != nil {
			return err
		}

		if err := writeBlockAddress(w, metadata[path]); err != nil {
			return err
		}
	}

	return nil
}

func readMetadataMap(r *graphio.ReadContext) (map[string]BlockAddress, error) {
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]BlockAddress, count)

	for i := uint64(0); i < count; i++ {
		path, err := r.ReadString()
		if err != nil {
			return nil, err
		}

		addr, err := readBlockAddress(r)
		if err != nil {
			return nil, err
		}

		metadata[path] = addr
	}

	return metadata, nil
}
