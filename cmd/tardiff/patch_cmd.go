package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/tardiff/encoding/tardiff"
	"github.com/grailbio/tardiff/stream"
	"v.io/x/lib/cmdline"
)

func newCmdPatch() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "patch",
		Short:    "Apply a differences file to a source, producing a target",
		ArgsName: "source diff out",
	}
	tmpDir := cmd.Flags.String("tmpdir", "", "Directory for scratch files used by the backward patch executor; \"\" uses the system default")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 3 {
			return fmt.Errorf("patch takes source, diff, and out pathnames, but got %v", argv)
		}
		return runPatch(argv[0], argv[1], argv[2], *tmpDir)
	})
	return cmd
}

// openPatchOutput opens path for patch's output, honoring "-" for stdout.
// Unlike createOutput, this needs a genuine local, duplex file handle: the
// backward patch executor (C6) writes the target blocks out of order at
// seeked positions, then seeks back and re-reads it to verify the target digest (spec §4.7's
// three-pass algorithm), a single read-after-write handle that
// github.com/grailbio/base/file's Reader(ctx)/Writer(ctx) split view was
// never built to provide (every file.Create call site in the teacher tree
// writes and closes, never reads back).
func openPatchOutput(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdout, nil
	}
	return os.Create(path)
}

func runPatch(sourcePath, diffPath, outPath, tmpDir string) error {
	source, err := openInput(sourcePath)
	if err != nil {
		return err
	}
	defer closeQuietly(source, sourcePath)

	diffFile, err := openInput(diffPath)
	if err != nil {
		return err
	}
	defer closeQuietly(diffFile, diffPath)
	diff := bufio.NewReaderSize(diffFile, 1<<20)

	outFile, err := openPatchOutput(outPath)
	if err != nil {
		return err
	}
	defer func() {
		if outFile != os.Stdout {
			outFile.Close()
		}
	}()
	output := stream.NewFile(outFile)

	if err := tardiff.ApplyPatch(diff, source, output, tmpDir); err != nil {
		return err
	}
	if outFile != os.Stdout {
		return outFile.Sync()
	}
	return nil
}
