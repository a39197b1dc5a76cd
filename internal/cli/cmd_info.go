package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/whisper/pkg/whisper"
)

func cmdInfo(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("info", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "info <file>",
		Short: "Show header and archive layout",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("need exactly one file path")
			}

			readOpts := opts
			readOpts.ReadOnly = true

			db, err := whisper.Open(args[0], readOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			printHeader(o, db.Header())

			return nil
		},
	}
}

func printHeader(o *IO, h whisper.Header) {
	o.Printf("aggregationMethod: %s\n", h.Metadata.Aggregation)
	o.Printf("maxRetention: %d\n", h.Metadata.MaxRetention)
	o.Printf("xFilesFactor: %g\n", h.Metadata.XFilesFactor)
	o.Printf("archiveCount: %d\n", h.Metadata.ArchiveCount)

	for i, a := range h.Archives {
		o.Println()
		o.Printf("Archive %d\n", i)
		o.Printf("offset: %d\n", a.Offset)
		o.Printf("secondsPerPoint: %d\n", a.SecondsPerPoint)
		o.Printf("points: %d\n", a.Points)
		o.Printf("retention: %d\n", a.Retention())
		o.Printf("size: %d\n", a.Points*12)
	}
}

func cmdDump(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("dump", flag.ContinueOnError)
	skipEmpty := flags.Bool("skip-empty", false, "omit empty slots")

	return &Command{
		Flags: flags,
		Usage: "dump <file> [flags]",
		Short: "Dump header and every stored point",
		Long: `Dump the header and each archive's raw slots in ring order.

Large files read fastest with the global --mmap flag.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("need exactly one file path")
			}

			readOpts := opts
			readOpts.ReadOnly = true

			db, err := whisper.Open(args[0], readOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			header := db.Header()
			printHeader(o, header)

			for i := range header.Archives {
				points, err := db.DumpArchive(i)
				if err != nil {
					return err
				}

				o.Println()
				o.Printf("Archive %d data:\n", i)

				for slot, p := range points {
					if *skipEmpty && p.Timestamp == 0 {
						continue
					}

					o.Printf("%d: %d, %g\n", slot, p.Timestamp, p.Value)
				}
			}

			return nil
		},
	}
}
