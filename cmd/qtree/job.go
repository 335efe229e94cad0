package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtree/internal/logger"
	"github.com/samcharles93/qtree/internal/pipeline"
	"github.com/samcharles93/qtree/pkg/checkpoint"
	"github.com/samcharles93/qtree/pkg/modelspec"
)

// request loads the model and builds the pipeline request for mode.
func (o *jobOptions) request(cmd *cli.Command, mode pipeline.Mode) (pipeline.Request, error) {
	applyCalibrationConfig(cmd, loaded, o)

	overrides, err := parseOverrides(o.overrides)
	if err != nil {
		return pipeline.Request{}, err
	}
	m, err := modelspec.Load(o.model)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{
		Model:       m,
		Mode:        mode,
		Weights:     o.weights,
		Overrides:   overrides,
		NoAutoStubs: o.noAutoStubs,
		Calibration: pipeline.Calibration{
			Batches:   int(o.batches),
			BatchSize: int(o.batchSize),
			Workers:   int(o.workers),
			Seed:      o.seed,
		},
	}, nil
}

func (o *jobOptions) run(ctx context.Context, cmd *cli.Command, req pipeline.Request) error {
	res, err := pipeline.Run(ctx, req, logger.FromContext(ctx))
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if o.out != "" {
		if err := checkpoint.Save(o.out, res.Root); err != nil {
			return cli.Exit(fmt.Sprintf("error: save %s: %v", o.out, err), 1)
		}
		logger.FromContext(ctx).Info("saved state dict", "path", o.out)
	}
	return writeResult(outWriter(cmd), res, o.json)
}

func writeResult(w io.Writer, res *pipeline.Result, asJSON bool) error {
	tree := res.Tree()
	if asJSON {
		return tree.WriteJSON(w)
	}
	if err := tree.WriteText(w); err != nil {
		return err
	}
	for _, c := range res.Conflicts {
		if _, err := fmt.Fprintf(w, "conflict %s\n", c.Error()); err != nil {
			return err
		}
	}
	return nil
}

// encodeJSON writes v indented, the way every --json output is printed.
func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
