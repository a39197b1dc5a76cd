package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/whisper/pkg/whisper"
)

func cmdUpdate(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("update", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "update <file> <timestamp:value>...",
		Short: "Write one or more points",
		Long: `Write points to a whisper file.

Each point is timestamp:value; a timestamp of N or now means the current
time. A single point goes through the plain update path; multiple points
are applied as one batch.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) < 2 {
				return errors.New("need a file path and at least one timestamp:value")
			}

			points, err := parsePoints(args[1:])
			if err != nil {
				return err
			}

			db, err := whisper.Open(args[0], opts)
			if err != nil {
				return err
			}
			defer db.Close()

			if len(points) == 1 {
				if err := db.Update(points[0].Value, points[0].Timestamp); err != nil {
					return err
				}
			} else if err := db.UpdateMany(points); err != nil {
				return err
			}

			o.Printf("wrote %d point(s) to %s\n", len(points), args[0])

			return nil
		},
	}
}

func parsePoints(args []string) ([]whisper.Point, error) {
	points := make([]whisper.Point, 0, len(args))

	for _, arg := range args {
		tsStr, valStr, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("point %q is not timestamp:value", arg)
		}

		var ts uint64

		switch tsStr {
		case "N", "now":
			ts = uint64(time.Now().Unix())
		default:
			var err error

			ts, err = strconv.ParseUint(tsStr, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad timestamp in %q: %w", arg, err)
			}
		}

		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			return nil, fmt.Errorf("bad value in %q: %w", arg, err)
		}

		points = append(points, whisper.Point{Timestamp: uint32(ts), Value: val})
	}

	return points, nil
}
