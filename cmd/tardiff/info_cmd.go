package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/tardiff/block"
	"github.com/grailbio/tardiff/encoding/tardiff"
	"v.io/x/lib/cmdline"
)

func newCmdInfo() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "info",
		Short:    "Identify one or more files and report a usability summary",
		ArgsName: "file...",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return fmt.Errorf("info takes at least one pathname")
		}
		return runInfo(argv)
	})
	return cmd
}

func runInfo(paths []string) error {
	infos := make([]tardiff.Info, len(paths))
	for i, p := range paths {
		f, err := openInput(p)
		if err != nil {
			infos[i] = tardiff.Info{Path: p, Kind: tardiff.KindInvalid, Err: err}
			continue
		}
		infos[i] = tardiff.Identify(bufio.NewReaderSize(f, 1<<20), p)
		closeQuietly(f, p)
	}

	var dataDigests []block.Digest
	var diffs []tardiff.Info
	for _, info := range infos {
		switch info.Kind {
		case tardiff.KindData:
			dataDigests = append(dataDigests, info.DataDigest)
		case tardiff.KindDiff:
			diffs = append(diffs, info)
		}
	}
	usable := tardiff.Usability(dataDigests, diffs)

	anyUnusable := false
	for _, info := range infos {
		switch info.Kind {
		case tardiff.KindInvalid:
			fmt.Printf("%s: invalid: %v\n", info.Path, info.Err)
		case tardiff.KindData:
			fmt.Printf("%s: data, digest=%x\n", info.Path, info.DataDigest)
		case tardiff.KindDiff:
			version := "v1.0"
			if info.HasSourceDigest {
				version = "v1.1"
			}
			status := "unusable (no known source)"
			if usable[info.Path] {
				status = "usable"
			} else {
				anyUnusable = true
			}
			fmt.Printf("%s: diff %s, copy=%d append=%d, target=%x", info.Path, version, info.CopyBlocks, info.AppendBlocks, info.TargetDigest)
			if info.HasSourceDigest {
				fmt.Printf(", source=%x", info.SourceDigest)
			}
			fmt.Printf(", %s\n", status)
		}
	}

	for _, info := range infos {
		if info.Kind == tardiff.KindDiff && !usable[info.Path] {
			fmt.Fprintf(os.Stderr, "UNUSABLE FILE: %s\n", info.Path)
		}
	}
	if anyUnusable {
		return fmt.Errorf("info: one or more differences files are unusable")
	}
	return nil
}
