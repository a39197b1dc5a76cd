package cli

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/whisper/internal/schema"
	"github.com/calvinalkan/whisper/pkg/whisper"
)

func cmdCreate(opts whisper.Options) *Command {
	flags := flag.NewFlagSet("create", flag.ContinueOnError)
	xff := flags.Float32("xff", 0.5, "x-files-factor in [0,1]")
	agg := flags.String("aggregation", "average", "aggregation `method`")
	sparse := flags.Bool("sparse", false, "allocate the data region sparsely")
	schemasPath := flags.String("schemas", "", "resolve layout from a storage-schemas `file`")
	metric := flags.String("metric", "", "metric `name` for schema matching (default: file base name)")

	return &Command{
		Flags: flags,
		Usage: "create <file> <retention>...",
		Short: "Create a new whisper file",
		Long: `Create a new whisper file with the given archives.

Each retention is step:span, e.g. 60s:1d or 60:1440 (raw point count).
With --schemas, the archive set, aggregation and x-files-factor come from
the first matching rule of the storage-schemas file instead of arguments.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) < 1 {
				return errors.New("missing file path")
			}

			path := args[0]

			if *schemasPath != "" {
				if len(args) > 1 {
					return errors.New("retentions and --schemas are mutually exclusive")
				}

				return createFromSchema(o, path, *schemasPath, *metric, *sparse, opts)
			}

			if len(args) < 2 {
				return errors.New("missing retention definitions")
			}

			retentions, err := whisper.ParseRetentions(strings.Join(args[1:], ","))
			if err != nil {
				return err
			}

			method, err := whisper.ParseAggregationMethod(*agg)
			if err != nil {
				return err
			}

			if err := whisper.Create(path, retentions, method, *xff, *sparse, opts); err != nil {
				return err
			}

			printCreated(o, path, retentions, method, *xff)

			return nil
		},
	}
}

func createFromSchema(o *IO, path, schemasPath, metric string, sparse bool, opts whisper.Options) error {
	cfg, err := schema.Load(schemasPath)
	if err != nil {
		return err
	}

	if metric == "" {
		metric = strings.TrimSuffix(filepath.Base(path), ".wsp")
	}

	resolved, err := cfg.Resolve(metric)
	if err != nil {
		return err
	}

	err = whisper.Create(path, resolved.Retentions, resolved.Aggregation, resolved.XFilesFactor, sparse, opts)
	if err != nil {
		return err
	}

	o.Printf("schema rule: %s\n", resolved.Rule)
	printCreated(o, path, resolved.Retentions, resolved.Aggregation, resolved.XFilesFactor)

	return nil
}

func printCreated(o *IO, path string, retentions []whisper.Retention, method whisper.AggregationMethod, xff float32) {
	descs := make([]string, len(retentions))
	for i, r := range retentions {
		descs[i] = r.String()
	}

	o.Printf("created %s (%s, %s, xff=%g)\n", path, strings.Join(descs, ","), method, xff)
}
