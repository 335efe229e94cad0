package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtree/internal/pipeline"
)

func inspectCmd() *cli.Command {
	var opts jobOptions

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a model tree with kinds and effective configurations",
		Flags: opts.modelFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req, err := opts.request(cmd, pipeline.ModeInspect)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			return opts.run(ctx, cmd, req)
		},
	}
}
