package cli

import (
	"context"
	"errors"
	"math"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/whisper/pkg/whisper"
)

func cmdFetch(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("fetch", flag.ContinueOnError)
	from := flags.Uint32("from", 0, "start of the window (unix `seconds`, default now-24h)")
	until := flags.Uint32("until", 0, "end of the window (unix `seconds`, default now)")
	now := flags.Uint32("now", 0, "treat this as the current time (for replaying history)")
	dropEmpty := flags.Bool("drop-empty", false, "omit slots with no data")

	return &Command{
		Flags: flags,
		Usage: "fetch <file> [flags]",
		Short: "Read a time window",
		Long: `Read a window of points from the finest archive that covers it.

Output is one "timestamp<TAB>value" line per slot; empty slots print None
unless --drop-empty is set.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("need exactly one file path")
			}

			db, err := whisper.Open(args[0], opts)
			if err != nil {
				return err
			}
			defer db.Close()

			fetchNow := *now
			if fetchNow == 0 {
				fetchNow = uint32(time.Now().Unix())
			}

			fetchFrom := *from
			if fetchFrom == 0 {
				fetchFrom = fetchNow - 86400
			}

			series, err := db.FetchNow(fetchFrom, *until, fetchNow)
			if err != nil {
				return err
			}

			for i, v := range series.Values {
				ts := series.From + uint32(i)*series.Step

				if math.IsNaN(v) {
					if !*dropEmpty {
						o.Printf("%d\tNone\n", ts)
					}

					continue
				}

				o.Printf("%d\t%g\n", ts, v)
			}

			return nil
		},
	}
}
