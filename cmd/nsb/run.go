package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"netsatbench/pkg/epoch"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Drive the epoch timeline against the store",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "epoch-dir",
			Usage: "override the epoch directory (default: /config/epoch-config)",
		},
		&cli.StringFlag{
			Name:  "file-pattern",
			Usage: "override the epoch filename glob (default: /config/epoch-config)",
		},
		&cli.DurationFlag{
			Name:  "fixed-wait",
			Usage: "ignore epoch times and release every interval",
			Value: -1,
		},
		&cli.DurationFlag{
			Name:  "loop-delay",
			Usage: "restart from the first epoch after this delay",
			Value: -1,
		},
		&cli.BoolFlag{
			Name:  "interactive",
			Usage: "only watch the epoch queue directory for injected files",
		},
	},
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
		defer cancel()

		if err := epoch.CheckNodesReady(ctx, s); err != nil {
			return cli.Exit(err.Error(), 1)
		}

		dir, pattern := epoch.ResolveEpochSource(ctx, s, c.String("epoch-dir"), c.String("file-pattern"))

		opts := epoch.Options{
			Dir:         dir,
			Pattern:     pattern,
			FixedWait:   c.Duration("fixed-wait"),
			Interactive: c.Bool("interactive"),
		}
		if d := c.Duration("loop-delay"); d >= 0 {
			opts.Loop = true
			opts.LoopDelay = d
		}

		sc := &epoch.Scheduler{Store: s, Opts: opts}
		if err := sc.Run(ctx); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return nil
	},
}
