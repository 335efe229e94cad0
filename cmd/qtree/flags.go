package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       configPath(),
			Sources:     cli.EnvVars("QTREE_CONFIG"),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// jobOptions holds the flags shared by the commands that run a job.
type jobOptions struct {
	model       string
	weights     string
	out         string
	json        bool
	overrides   []string
	noAutoStubs bool

	batches   int64
	batchSize int64
	workers   int64
	seed      int64
}

func (o *jobOptions) modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model description (.yaml or .json)",
			Required:    true,
			Destination: &o.model,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "safetensors file with float weights to load before fusing",
			Destination: &o.weights,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the tree as JSON",
			Destination: &o.json,
		},
		&cli.StringSliceFlag{
			Name:        "override",
			Aliases:     []string{"o"},
			Usage:       "assign a builtin qconfig to a path (path=name, repeatable)",
			Destination: &o.overrides,
		},
	}
}

func (o *jobOptions) outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "out",
		Usage:       "write the resulting state dict as safetensors",
		Destination: &o.out,
	}
}

func (o *jobOptions) calibrationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "batches",
			Usage:       "synthetic batches to calibrate or train on",
			Value:       8,
			Destination: &o.batches,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Usage:       "samples per batch",
			Value:       16,
			Destination: &o.batchSize,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "concurrent calibration batches (0 = GOMAXPROCS)",
			Destination: &o.workers,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed of the synthetic dataset",
			Destination: &o.seed,
		},
		&cli.BoolFlag{
			Name:        "no-auto-stubs",
			Usage:       "do not insert quant and dequant adapters",
			Destination: &o.noAutoStubs,
		},
	}
}

// parseOverrides turns path=name pairs into a map. An empty path names the
// root.
func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		path, name, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("override %q: want path=name", p)
		}
		out[strings.TrimSpace(path)] = name
	}
	return out, nil
}

// parseGroups splits comma-separated fusion groups.
func parseGroups(specs []string) [][]string {
	var out [][]string
	for _, s := range specs {
		var g []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				g = append(g, p)
			}
		}
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}
