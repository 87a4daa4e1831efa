// Command sidekv is a read-only inspection tool for sidekv store files: it
// opens a file, looks up a key, or prints summary/integrity information.
// It never mutates a store file; building one is a library operation
// (see pkg/store.Builder and pkg/overlay.Overlay), not a CLI concern.
package main

import (
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/sidekv/pkg/store"
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

func run(out, errOut io.Writer, args []string) int {
	if len(args) == 0 {
		printUsage(errOut)

		return 2
	}

	sub, rest := args[0], args[1:]

	switch sub {
	case "get":
		return cmdGet(out, errOut, rest)
	case "stat":
		return cmdStat(out, errOut, rest)
	case "verify":
		return cmdVerify(out, errOut, rest)
	case "-h", "--help", "help":
		printUsage(out)

		return 0
	default:
		fmt.Fprintf(errOut, "sidekv: unknown command %q\n", sub)
		printUsage(errOut)

		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: sidekv <command> [flags]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  get    --file <path> --key <key>   look up a single key")
	fmt.Fprintln(w, "  stat   --file <path>                print the key count")
	fmt.Fprintln(w, "  verify --file <path>                validate header and scan every entry")
}

func openReadOnly(errOut io.Writer, flagSet *flag.FlagSet, args []string) (*store.Reader, int) {
	file := flagSet.String("file", "", "path to a sidekv store file")
	mmap := flagSet.Bool("mmap", true, "use mmap for data region reads")

	if err := flagSet.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return nil, 2
	}

	if *file == "" {
		fmt.Fprintln(errOut, "error: --file is required")

		return nil, 2
	}

	opts := store.DefaultOptions()
	opts.MmapDataEnabled = *mmap

	r, err := store.Open(*file, opts)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return nil, 1
	}

	return r, 0
}

func cmdGet(out, errOut io.Writer, args []string) int {
	flagSet := flag.NewFlagSet("get", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	key := flagSet.String("key", "", "key to look up")

	r, code := openReadOnly(errOut, flagSet, args)
	if r == nil {
		return code
	}

	defer r.Close()

	if *key == "" {
		fmt.Fprintln(errOut, "error: --key is required")

		return 2
	}

	value, err := r.Get([]byte(*key))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	fmt.Fprintln(out, string(value))

	return 0
}

func cmdStat(out, errOut io.Writer, args []string) int {
	flagSet := flag.NewFlagSet("stat", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	r, code := openReadOnly(errOut, flagSet, args)
	if r == nil {
		return code
	}

	defer r.Close()

	fmt.Fprintf(out, "keys: %d\n", r.KeyCount())

	return 0
}

func cmdVerify(out, errOut io.Writer, args []string) int {
	flagSet := flag.NewFlagSet("verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	r, code := openReadOnly(errOut, flagSet, args)
	if r == nil {
		return code
	}

	defer r.Close()

	var scanned uint64

	err := r.ForEach(func(key, value []byte) error {
		scanned++

		return nil
	})
	if err != nil {
		fmt.Fprintln(errOut, "error: scan failed:", err)

		return 1
	}

	if scanned != r.KeyCount() {
		fmt.Fprintf(errOut, "error: header reports %d keys, scan found %d\n", r.KeyCount(), scanned)

		return 1
	}

	fmt.Fprintf(out, "ok: %d entries verified\n", scanned)

	return 0
}
