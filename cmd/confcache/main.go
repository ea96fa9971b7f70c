// confcache is a small CLI for inspecting configuration cache files.
//
// Usage:
//
//	confcache dump <entry-file>       Decode an entry-details index file
//	confcache strings <side-file>     List a shared string table side file
//	confcache shell <entry-file>      Interactive inspection shell
//
// Options:
//
//	    --settings   Path to a HuJSON settings file
//	    --key-file   Raw AES key file for encrypted side files
//	-d, --debug      Verbose tracing to stderr
//
// Shell commands:
//
//	details                 Print the full entry details
//	dirs                    Print the root directories
//	models                  Print the intermediate model keys
//	metadata                Print the project metadata paths
//	effects                 Print the side-effect count
//	strings <path>          List a shared string table file
//	help                    Show this help
//	exit / quit / q         Exit
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/confcache/confcache/pkg/graphio"
	"github.com/confcache/confcache/pkg/state"
	"github.com/confcache/confcache/pkg/statefile"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("confcache", pflag.ContinueOnError)
	settingsPath := flags.String("settings", "", "path to a HuJSON settings file")
	keyFile := flags.String("key-file", "", "raw AES key file for encrypted side files")
	debug := flags.BoolP("debug", "d", false, "verbose tracing to stderr")

	if err := flags.Parse(args); err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) < 1 {
		return errors.New("missing command (dump, strings, shell)")
	}

	tool, err := newTool(*settingsPath, *keyFile, *debug)
	if err != nil {
		return err
	}

	switch rest[0] {
	case "dump":
		if len(rest) < 2 {
			return errors.New("dump: missing entry file path")
		}

		return tool.dump(rest[1])
	case "strings":
		if len(rest) < 2 {
			return errors.New("strings: missing side file path")
		}

		return tool.strings(rest[1])
	case "shell":
		if len(rest) < 2 {
			return errors.New("shell: missing entry file path")
		}

		return tool.shell(rest[1])
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

// tool bundles the store and settings for one invocation.
type tool struct {
	store    *state.Store
	crypt    statefile.EncryptionProvider
	settings state.Settings
}

func newTool(settingsPath, keyFile string, debug bool) (*tool, error) {
	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	if debug {
		settings.Debug = true
	}

	crypt, err := loadKey(keyFile)
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()

	if settings.Debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("debug logger: %w", err)
		}
	}

	// Inspection needs no domain codecs; the entry index and string
	// tables decode with the engine's record formats alone.
	registry := graphio.NewRegistryBuilder().Build()

	store, err := state.NewStore(state.Options{
		Registry:   registry,
		Settings:   &settings,
		Encryption: crypt,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &tool{store: store, crypt: crypt, settings: settings}, nil
}

func loadSettings(path string) (state.Settings, error) {
	if path != "" {
		return state.LoadSettingsFile(path)
	}

	return state.SettingsFromEnv()
}

func loadKey(path string) (statefile.EncryptionProvider, error) {
	if path == "" {
		return statefile.NoEncryption{}, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := []byte(strings.TrimSpace(string(data)))
	if decoded, decErr := hex.DecodeString(string(key)); decErr == nil {
		key = decoded
	}

	provider, err := statefile.NewAESProvider(key)
	if err != nil {
		return nil, err
	}

	return provider, nil
}

func (t *tool) dump(path string) error {
	details, err := t.readDetails(path)
	if err != nil {
		return err
	}

	if details == nil {
		fmt.Println("no cache entry (file absent)")

		return nil
	}

	printDetails(details)

	return nil
}

func (t *tool) readDetails(path string) (*state.EntryDetails, error) {
	file := t.store.FileFor(filepath.Clean(path), statefile.TypeEntry)

	return t.store.ReadEntryDetails(file)
}

func (t *tool) strings(path string) error {
	// Side files carry their primary's category; work is the only
	// category that produces them.
	file := t.store.FileFor(filepath.Clean(path), statefile.TypeWork)

	source, err := graphio.LoadSharedStrings(file, t.crypt)
	if err != nil {
		return err
	}

	for i, s := range source.Table() {
		fmt.Printf("%6d  %q\n", i+1, s)
	}

	return nil
}

func (t *tool) shell(path string) error {
	details, err := t.readDetails(path)
	if err != nil {
		return err
	}

	if details == nil {
		return fmt.Errorf("no cache entry at %q", path)
	}

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("confcache> ")
		if err != nil {
			// Ctrl-C or EOF ends the session.
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if done := t.dispatch(input, details); done {
			return nil
		}
	}
}

// dispatch runs one shell command; returns true when the session ends.
func (t *tool) dispatch(input string, details *state.EntryDetails) bool {
	fields := strings.Fields(input)

	switch fields[0] {
	case "exit", "quit", "q":
		return true
	case "details":
		printDetails(details)
	case "dirs":
		for _, dir := range details.RootDirs {
			fmt.Println(dir)
		}
	case "models":
		for key := range details.IntermediateModels {
			fmt.Printf("path=%q name=%q hash=%q\n", key.Path, key.Name, key.Hash)
		}
	case "metadata":
		for path := range details.ProjectMetadata {
			fmt.Println(path)
		}
	case "effects":
		fmt.Printf("%d side effect(s)\n", len(details.SideEffects))
	case "strings":
		if len(fields) < 2 {
			fmt.Println("usage: strings <path>")

			break
		}

		if err := t.strings(fields[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "help":
		fmt.Println("commands: details, dirs, models, metadata, effects, strings <path>, exit")
	default:
		fmt.Printf("unknown command %q (try help)\n", fields[0])
	}

	return false
}

func printDetails(details *state.EntryDetails) {
	fmt.Printf("root directories: %d\n", len(details.RootDirs))

	for _, dir := range details.RootDirs {
		fmt.Printf("  %s\n", dir)
	}

	fmt.Printf("intermediate models: %d\n", len(details.IntermediateModels))

	for key, addr := range details.IntermediateModels {
		fmt.Printf("  path=%q name=%q hash=%q -> %d byte address\n",
			key.Path, key.Name, key.Hash, len(addr.Bytes()))
	}

	fmt.Printf("project metadata: %d\n", len(details.ProjectMetadata))

	for path, addr := range details.ProjectMetadata {
		fmt.Printf("  %s -> %d byte address\n", path, len(addr.Bytes()))
	}

	fmt.Printf("side effects: %d\n", len(details.SideEffects))
}
