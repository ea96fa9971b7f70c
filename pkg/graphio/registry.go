package graphio

import (
	"fmt"
	"reflect"
)

// Codec serializes values of one logical type. The tag is the stable
// serialized descriptor for the type; it must not change between the
// build that writes an entry and the build that reads it.
type Codec interface {
	// Tag returns the serialized type descriptor.
	Tag() string

	// Encode writes v through the context.
	Encode(w *WriteContext, v any) error

	// Decode reads one value written by Encode.
	Decode(r *ReadContext) (any, error)
}

// CodecSet is one immutable view of the registry: a mapping between live
// Go types and serialized tags. An isolate frame activates one set.
type CodecSet struct {
	byType map[reflect.Type]Codec
	byTag  map[string]Codec
}

func (s *CodecSet) codecFor(v any) (Codec, error) {
	codec, ok := s.byType[reflect.TypeOf(v)]
	if !ok {
		return nil, fmt.Errorf("%w: no codec for type %T", ErrUnknownCodec, v)
	}

	return codec, nil
}

func (s *CodecSet) codecForTag(tag string) (Codec, error) {
	codec, ok := s.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("%w: no codec for tag %q", ErrUnknownCodec, tag)
	}

	return codec, nil
}

// Registry is the session-scoped bundle of codecs. It is built once per
// cache session from upstream providers, then shared read-only by every
// context open in that session; a write context and the read context
// that later consumes its output must be built from compatible
// registrations.
type Registry struct {
	user     *CodecSet
	internal *CodecSet
}

// UserTypes returns the codec set for arbitrary captured user objects.
func (r *Registry) UserTypes() *CodecSet { return r.user }

// InternalTypes returns the codec set for the engine's own substates.
func (r *Registry) InternalTypes() *CodecSet { return r.internal }

// RegistryBuilder accumulates codec registrations. Build produces the
// immutable [Registry]; the builder must not be reused afterwards.
type RegistryBuilder struct {
	user     []registration
	internal []registration
	built    bool
}

type registration struct {
	typ   reflect.Type
	codec Codec
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{}
}

// RegisterUser maps values of prototype's dynamic type to codec in the
// user-types view.
func (b *RegistryBuilder) RegisterUser(prototype any, codec Codec) *RegistryBuilder {
	b.user = append(b.user, registration{typ: reflect.TypeOf(prototype), codec: codec})

	return b
}

// RegisterInternal maps values of prototype's dynamic type to codec in
// the internal-types view.
func (b *RegistryBuilder) RegisterInternal(prototype any, codec Codec) *RegistryBuilder {
	b.internal = append(b.internal, registration{typ: reflect.TypeOf(prototype), codec: codec})

	return b
}

// Build assembles the immutable registry. Registering the same type or
// tag twice within one view is a programming error and panics.
func (b *RegistryBuilder) Build() *Registry {
	if b.built {
		panic("graphio: registry builder reused")
	}

	b.built = true

	return &Registry{
		user:     buildSet(b.user),
		internal: buildSet(b.internal),
	}
}

func buildSet(regs []registration) *CodecSet {
	set := &CodecSet{
		byType: make(map[reflect.Type]Codec, len(regs)),
		byTag:  make(map[string]Codec, len(regs)),
	}

	for _, reg := range regs {
		if _, dup := set.byType[reg.typ]; dup {
			panic(fmt.Sprintf("graphio: duplicate codec for type %v", reg.typ))
		}

		tag := reg.codec.Tag()
		if _, dup := set.byTag[tag]; dup {
			panic(fmt.Sprintf("graphio: duplicate codec tag %q", tag))
		}

		set.byType[reg.typ] = reg.codec
		set.byTag[tag] = reg.codec
	}

	return set
}
