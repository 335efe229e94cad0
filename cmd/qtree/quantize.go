package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtree/internal/pipeline"
)

func quantizeCmd() *cli.Command {
	var (
		opts   jobOptions
		qat    bool
		epochs int64
		lr     float64
		groups []string
	)

	flags := append(opts.modelFlags(), opts.calibrationFlags()...)
	flags = append(flags,
		opts.outputFlag(),
		&cli.BoolFlag{
			Name:        "qat",
			Usage:       "quantization-aware training instead of calibration",
			Destination: &qat,
		},
		&cli.Int64Flag{
			Name:        "epochs",
			Usage:       "training epochs (--qat)",
			Value:       1,
			Destination: &epochs,
		},
		&cli.Float64Flag{
			Name:        "lr",
			Usage:       "learning rate (--qat)",
			Value:       0.01,
			Destination: &lr,
		},
		&cli.StringSliceFlag{
			Name:        "fuse",
			Usage:       "extra fusion group, comma separated (repeatable)",
			Destination: &groups,
		},
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Fuse, calibrate or train, and convert a model; prints the converted tree",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			mode := pipeline.ModePTQ
			if qat {
				mode = pipeline.ModeQAT
			}
			req, err := opts.request(cmd, mode)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			applyTrainingConfig(cmd, loaded, &epochs, &lr)
			req.Fuse = parseGroups(groups)
			req.Training = pipeline.Training{Epochs: int(epochs), LearningRate: float32(lr)}
			return opts.run(ctx, cmd, req)
		},
	}
}
