package cli

import (
	"context"
	"errors"
	"math"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/whisper/pkg/whisper"
)

func cmdDiff(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("diff", flag.ContinueOnError)
	ignoreEmpty := flags.Bool("ignore-empty", false, "skip slots empty on either side")

	return &Command{
		Flags: flags,
		Usage: "diff <file-a> <file-b> [flags]",
		Short: "Compare two files slot by slot",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return errors.New("need exactly two file paths")
			}

			diffs, err := whisper.Diff(args[0], args[1], *ignoreEmpty, opts)
			if err != nil {
				return err
			}

			differing := 0

			for _, ad := range diffs {
				o.Printf("archive %d (step %ds): %d differing of %d slots\n",
					ad.Archive, ad.SecondsPerPoint, len(ad.Diffs), ad.TotalSlots)

				for _, dp := range ad.Diffs {
					o.Printf("  %d\t%s\t%s\n", dp.Timestamp, formatValue(dp.A), formatValue(dp.B))
				}

				differing += len(ad.Diffs)
			}

			if differing > 0 {
				o.Warn("%d slot(s) differ", differing)
			}

			return nil
		},
	}
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "None"
	}

	return strconv.FormatFloat(v, 'g', -1, 64)
}

func cmdMerge(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("merge", flag.ContinueOnError)
	from := flags.Uint32("from", 0, "start of the merged window (unix `seconds`, default full retention)")
	until := flags.Uint32("until", 0, "end of the merged window (unix `seconds`, default now)")

	return &Command{
		Flags: flags,
		Usage: "merge <src> <dst> [flags]",
		Short: "Copy points from one file into another",
		Long: `Copy points from src into dst, overwriting colliding slots.

Merged points propagate into dst's coarser archives the same way live
updates do.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return errors.New("need source and destination paths")
			}

			if err := whisper.Merge(args[0], args[1], *from, *until, opts); err != nil {
				return err
			}

			o.Printf("merged %s into %s\n", args[0], args[1])

			return nil
		},
	}
}

func cmdFill(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("fill", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "fill <src> <dst>",
		Short: "Fill destination gaps from a source file",
		Long: `Copy points from src into dst without touching any slot that
already holds data. Each filled slot takes its value from the finest
source archive covering it.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return errors.New("need source and destination paths")
			}

			if err := whisper.Fill(args[0], args[1], opts); err != nil {
				return err
			}

			o.Printf("filled %s from %s\n", args[1], args[0])

			return nil
		},
	}
}
