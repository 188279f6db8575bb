package main

import (
	"bufio"
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/tardiff/encoding/tardiff"
	"v.io/x/lib/cmdline"
)

func newCmdDiff() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "diff",
		Short:    "Compute a differences file between two files",
		ArgsName: "source target out",
	}
	v11 := cmd.Flags.Bool("v11", true, "Write the optional source-digest trailer, so the result can later be used as a merge input")
	cacheRecords := cmd.Flags.Int("index-cache-records", 0, "Source index in-memory cache size, in (digest,index) records; 0 uses a built-in default")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 3 {
			return fmt.Errorf("diff takes source, target, and out pathnames, but got %v", argv)
		}
		return runDiff(argv[0], argv[1], argv[2], *v11, *cacheRecords)
	})
	return cmd
}

func runDiff(sourcePath, targetPath, outPath string, v11 bool, cacheRecords int) error {
	source, err := openInput(sourcePath)
	if err != nil {
		return err
	}
	defer closeQuietly(source, sourcePath)
	target, err := openInput(targetPath)
	if err != nil {
		return err
	}
	defer closeQuietly(target, targetPath)
	out, err := createOutput(outPath)
	if err != nil {
		return err
	}
	defer closeQuietly(out, outPath)

	w := bufio.NewWriterSize(out, 1<<20)
	if err := tardiff.GenerateDiff(source, target, w, tardiff.GenerateOptions{
		IndexCacheRecords: cacheRecords,
		V11:               v11,
	}); err != nil {
		return err
	}
	return w.Flush()
}
