package cli

import (
	"context"
	"errors"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/whisper/pkg/whisper"
)

func cmdResize(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("resize", flag.ContinueOnError)
	xff := flags.Float32("xff", 0, "new x-files-factor (default: keep)")
	agg := flags.String("aggregation", "", "new aggregation `method` (default: keep)")
	aggregate := flags.Bool("aggregate", false, "replay data through propagation instead of copying archives")
	force := flags.Bool("force", false, "allow resizes that lose retention or resolution")
	newFile := flags.String("newfile", "", "write the resized database to `path` and keep the original")
	noBackup := flags.Bool("nobackup", false, "do not keep a .bak of the original")

	return &Command{
		Flags: flags,
		Usage: "resize <file> <retention>... [flags]",
		Short: "Rebuild a file with a new archive set",
		Long: `Rebuild a whisper file with a new archive layout.

The new database is built beside the original and swapped in with an
atomic rename; a failed resize leaves the original untouched. Resizes
that lose total retention or finest resolution require --force.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) < 2 {
				return errors.New("need a file path and retention definitions")
			}

			retentions, err := whisper.ParseRetentions(strings.Join(args[1:], ","))
			if err != nil {
				return err
			}

			cfg := whisper.ResizeConfig{
				Retentions: retentions,
				Aggregate:  *aggregate,
				Force:      *force,
				NewFile:    *newFile,
				NoBackup:   *noBackup,
			}

			if flags.Changed("xff") {
				cfg.XFilesFactor = xff
			}

			if *agg != "" {
				method, err := whisper.ParseAggregationMethod(*agg)
				if err != nil {
					return err
				}

				cfg.Aggregation = &method
			}

			if err := whisper.Resize(args[0], cfg, opts); err != nil {
				return err
			}

			if *newFile != "" {
				o.Printf("resized %s into %s\n", args[0], *newFile)
			} else {
				o.Printf("resized %s\n", args[0])
			}

			return nil
		},
	}
}

func cmdSetAgg(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("set-agg", flag.ContinueOnError)
	xff := flags.Float32("xff", 0, "also set the x-files-factor")

	return &Command{
		Flags: flags,
		Usage: "set-agg <file> <method> [flags]",
		Short: "Change the aggregation method",
		Long: `Rewrite the header's aggregation method (and optionally the
x-files-factor). Stored data is left unchanged.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return errors.New("need a file path and a method")
			}

			method, err := whisper.ParseAggregationMethod(args[1])
			if err != nil {
				return err
			}

			db, err := whisper.Open(args[0], opts)
			if err != nil {
				return err
			}
			defer db.Close()

			var xffPtr *float32
			if flags.Changed("xff") {
				xffPtr = xff
			}

			previous, err := db.SetAggregation(method, xffPtr)
			if err != nil {
				return err
			}

			o.Printf("aggregation method: %s -> %s\n", previous, method)

			return nil
		},
	}
}
