package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/tardiff/encoding/tardiff"
	"v.io/x/lib/cmdline"
)

func newCmdMerge() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "merge",
		Short: "Compose a chain of differences files into a single one",
		Long: `Merge composes D1,...,Dm, each a differences file from one file to the
next, into a single differences file from D1's source directly to Dm's
target. By default the inputs are reordered by matching source/target
digests; -f skips this and uses the given order verbatim (required if any
input is a v1.0 diff, which carries no source digest to match on).`,
		ArgsName: "diff1 diff2 ... out",
	}
	forceOrder := cmd.Flags.Bool("f", false, "Use the inputs in the given order rather than linking them by digest")
	tmpDir := cmd.Flags.String("tmpdir", "", "Directory for per-stage scratch files; \"\" uses the system default")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 3 {
			return fmt.Errorf("merge takes at least two diffs and an out pathname, but got %v", argv)
		}
		inPaths := argv[:len(argv)-1]
		outPath := argv[len(argv)-1]
		return runMerge(inPaths, outPath, *forceOrder, *tmpDir)
	})
	return cmd
}

func runMerge(inPaths []string, outPath string, forceOrder bool, tmpDir string) error {
	for _, p := range inPaths {
		if p == "-" {
			return fmt.Errorf("merge: inputs must be seekable regular files, not \"-\"")
		}
	}

	files := make([]*os.File, len(inPaths))
	infos := make([]tardiff.Info, len(inPaths))
	for i, p := range inPaths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		files[i] = f
		defer f.Close()

		if !forceOrder {
			infos[i] = tardiff.Identify(f, p)
			if infos[i].Kind != tardiff.KindDiff {
				return fmt.Errorf("merge: %s is not a differences file", p)
			}
		}
		if _, err := f.Seek(int64(tardiff.MagicLen), io.SeekStart); err != nil {
			return err
		}
	}

	order := make([]int, len(inPaths))
	if forceOrder {
		for i := range order {
			order[i] = i
		}
	} else {
		o, err := tardiff.OrderChain(infos)
		if err != nil {
			return err
		}
		order = o
	}

	merger := tardiff.NewMerger(tmpDir)
	defer merger.Close()
	for _, i := range order {
		if _, err := files[i].Seek(int64(tardiff.MagicLen), io.SeekStart); err != nil {
			return err
		}
		if err := merger.Add(files[i]); err != nil {
			return fmt.Errorf("merge: stage %s: %w", inPaths[i], err)
		}
	}

	out, err := createOutput(outPath)
	if err != nil {
		return err
	}
	defer closeQuietly(out, outPath)
	w := bufio.NewWriterSize(out, 1<<20)
	if _, err := w.WriteString(tardiff.Magic); err != nil {
		return err
	}
	if err := merger.Output(w); err != nil {
		return err
	}
	return w.Flush()
}
