package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtree/internal/pipeline"
)

func fuseCmd() *cli.Command {
	var (
		opts   jobOptions
		groups []string
		train  bool
	)

	flags := append(opts.modelFlags(),
		opts.outputFlag(),
		&cli.StringSliceFlag{
			Name:        "group",
			Aliases:     []string{"g"},
			Usage:       "fusion group, comma separated: conv,bn[,relu] (repeatable)",
			Destination: &groups,
		},
		&cli.BoolFlag{
			Name:        "train",
			Usage:       "fuse in training mode (keep batch norm live)",
			Destination: &train,
		},
	)

	return &cli.Command{
		Name:  "fuse",
		Usage: "Fuse conv, batch norm and relu runs; prints the fused tree",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req, err := opts.request(cmd, pipeline.ModeFuse)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			req.Fuse = parseGroups(groups)
			req.FuseTraining = train
			if len(req.Fuse) == 0 && len(req.Model.Fuse) == 0 {
				return cli.Exit("error: no fusion groups (use --group or the model's fuse list)", 1)
			}
			return opts.run(ctx, cmd, req)
		},
	}
}
