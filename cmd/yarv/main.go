// yarv CLI - runs, disassembles and profiles dumped instruction sequences
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chazu/yarv/config"
	"github.com/chazu/yarv/profile"
	"github.com/chazu/yarv/vm"
	"github.com/chazu/yarv/vm/wire"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	configDir := flag.String("C", ".", "Directory to search upward from for yarv.toml")
	profileRun := flag.Bool("profile", false, "Count invocations and store a snapshot after the run")
	label := flag.String("label", "", "Label for the stored profile snapshot (default: image name)")
	limit := flag.Int("n", 20, "Rows to show in a profile report")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: yarv [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run <image>...     Load and run each image on one VM\n")
		fmt.Fprintf(os.Stderr, "  disasm <image>     Print the instruction sequences of an image\n")
		fmt.Fprintf(os.Stderr, "  profile [id]       Report a stored profile (latest by default)\n")
		fmt.Fprintf(os.Stderr, "  profiles           List stored profiles\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fatalf("%v", err)
	}
	if *profileRun {
		cfg.Profile.Enabled = true
	}
	cfg.ApplyLogging()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	switch args[0] {
	case "run":
		if len(args) < 2 {
			fatalf("run: no image given")
		}
		os.Exit(runImages(ctx, cfg, args[1:], *label, *verbose))
	case "disasm":
		if len(args) != 2 {
			fatalf("disasm: exactly one image expected")
		}
		if err := disasm(cfg, args[1]); err != nil {
			fatalf("%v", err)
		}
	case "profile":
		id := int64(0)
		if len(args) > 1 {
			if id, err = strconv.ParseInt(args[1], 10, 64); err != nil {
				fatalf("profile: bad id %q", args[1])
			}
		}
		if err := report(ctx, cfg, id, *limit); err != nil {
			fatalf("%v", err)
		}
	case "profiles":
		if err := listProfiles(ctx, cfg); err != nil {
			fatalf("%v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig finds yarv.toml above dir, falling back to the defaults.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func loadImage(v *vm.VM, path string) (*vm.ISeq, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	iseq, err := wire.Load(v, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return iseq, nil
}

// runImages runs each image in order and returns the process exit status:
// the last result when it is a small integer, 1 on an uncaught error.
func runImages(ctx context.Context, cfg *config.Config, paths []string, label string, verbose bool) int {
	v, err := vm.NewVMWithConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer v.Close()

	status := 0
	for _, path := range paths {
		iseq, err := loadImage(v, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result, err := v.Run(iseq)
		if err == nil {
			err = v.Wait()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			status = 1
			break
		}
		if verbose {
			fmt.Printf("%s => %s\n", path, v.Inspect(result))
		}
		if result.IsSmallInt() {
			status = int(result.SmallInt())
		}
	}

	if cfg.Profile.Enabled {
		if label == "" {
			label = filepath.Base(paths[0])
		}
		if err := saveProfile(ctx, cfg, v, label, verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	return status
}

func saveProfile(ctx context.Context, cfg *config.Config, v *vm.VM, label string, verbose bool) error {
	store, err := profile.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()
	id, err := store.SaveProfiler(ctx, label, v.Profiler())
	if err != nil {
		return err
	}
	if verbose {
		fmt.Printf("Saved profile %d to %s\n", id, cfg.DatabasePath())
	}
	return nil
}

func disasm(cfg *config.Config, path string) error {
	v, err := vm.NewVMWithConfig(cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	iseq, err := loadImage(v, path)
	if err != nil {
		return err
	}
	var walk func(s *vm.ISeq, seen map[*vm.ISeq]bool)
	walk = func(s *vm.ISeq, seen map[*vm.ISeq]bool) {
		if seen[s] {
			return
		}
		seen[s] = true
		fmt.Println(s.Disassemble(v.Symbols()))
		for _, c := range s.Children {
			walk(c, seen)
		}
		for _, e := range s.Catch {
			if e.ISeq != nil {
				walk(e.ISeq, seen)
			}
		}
	}
	walk(iseq, make(map[*vm.ISeq]bool))
	return nil
}

func report(ctx context.Context, cfg *config.Config, id int64, limit int) error {
	store, err := profile.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	var snap *profile.Snapshot
	if id == 0 {
		snap, err = store.Latest(ctx)
	} else {
		snap, err = store.Load(ctx, id)
	}
	if err != nil {
		return err
	}
	return profile.Report(os.Stdout, snap, limit)
}

func listProfiles(ctx context.Context, cfg *config.Config) error {
	store, err := profile.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Printf("%4d  %s  %-20s %d entries\n", info.ID, info.TakenAt.Format("2006-01-02 15:04:05"), info.Label, info.Entries)
	}
	return nil
}
