package graphio

import (
	"fmt"

	"github.com/confcache/confcache/pkg/statefile"
)

// State file format constants. Any mismatch at open means the file was
// produced by an incompatible build and is discarded; there is no
// migration path for cache files.
const (
	fileMagic     = "CCS1"
	formatVersion = 1
)

// Strategy identifies the string encoding selected for a file tree.
type Strategy uint8

const (
	// StrategyInline writes every string verbatim at each occurrence.
	StrategyInline Strategy = iota

	// StrategySequential deduplicates strings within one stream.
	StrategySequential

	// StrategyParallel deduplicates strings across a whole file tree
	// through one shared side file.
	StrategyParallel
)

func (s Strategy) String() string {
	switch s {
	case StrategyInline:
		return "inline"
	case StrategySequential:
		return "sequential"
	case StrategyParallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// SelectStrategy applies the per-file decision rule: the work category
// with dedup enabled funnels through the shared side file; any other
// category with dedup enabled deduplicates within its own stream; with
// dedup disabled strings are always inline.
func SelectStrategy(typ statefile.StateType, dedup bool) Strategy {
	if !dedup {
		return StrategyInline
	}

	if typ.SharedStrings() {
		return StrategyParallel
	}

	return StrategySequential
}

func writeHeader(e *Encoder, typ statefile.StateType, strat Strategy) error {
	for i := 0; i < len(fileMagic); i++ {
		if err := e.WriteByte(fileMagic[i]); err != nil {
			return err
		}
	}

	if err := e.WriteByte(formatVersion); err != nil {
		return err
	}

	if err := e.WriteByte(byte(typ)); err != nil {
		return err
	}

	return e.WriteByte(byte(strat))
}

func readHeader(d *Decoder, wantType statefile.StateType, wantStrat Strategy) error {
	var magic [len(fileMagic)]byte

	for i := range magic {
		b, err := d.ReadByte()
		if err != nil {
			return err
		}

		magic[i] = b
	}

	if string(magic[:]) != fileMagic {
		return fmt.Errorf("%w: bad magic %q", ErrIncompatible, magic)
	}

	version, err := d.ReadByte()
	if err != nil {
		return err
	}

	if version != formatVersion {
		return fmt.Errorf("%w: format version %d, want %d", ErrIncompatible, version, formatVersion)
	}

	typ, err := d.ReadByte()
	if err != nil {
		return err
	}

	if statefile.StateType(typ) != wantType {
		return fmt.Errorf("%w: state type %s, want %s",
			ErrIncompatible, statefile.StateType(typ), wantType)
	}

	strat, err := d.ReadByte()
	if err != nil {
		return err
	}

	if Strategy(strat) != wantStrat {
		return fmt.Errorf("%w: string strategy %s, want %s",
			ErrIncompatible, Strategy(strat), wantStrat)
	}

	return nil
}
