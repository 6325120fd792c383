package main

import (
	"github.com/urfave/cli/v2"

	"netsatbench/pkg/epoch"
	"netsatbench/pkg/model"
	"netsatbench/pkg/oracle"
)

var oracleCmd = &cli.Command{
	Name:  "oracle",
	Usage: "Precompile epoch files with explicit routes (offline, no store)",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Aliases:  []string{"c"},
			Usage:    "path of the sat-config JSON document (node inventory)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "epoch-dir",
			Usage: "input epoch directory",
			Value: epoch.DefaultDir,
		},
		&cli.StringFlag{
			Name:  "file-pattern",
			Usage: "epoch filename glob",
			Value: epoch.DefaultPattern,
		},
		&cli.StringFlag{
			Name:  "out-epoch-dir",
			Usage: "output directory for the rewritten sequence",
			Value: "constellation-epochs-routes",
		},
		&cli.StringFlag{
			Name:  "node-type-to-route",
			Usage: "route only nodes of this type (all = every node)",
			Value: "all",
		},
		&cli.DurationFlag{
			Name:  "drain-offset",
			Usage: "emit route migration this long before each deletion epoch",
		},
		&cli.DurationFlag{
			Name:  "creation-offset",
			Usage: "emit the primary route set this long after each epoch",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := model.LoadConfig(c.String("config"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		err = oracle.Precompile(oracle.Options{
			Config:          cfg,
			InDir:           c.String("epoch-dir"),
			Pattern:         c.String("file-pattern"),
			OutDir:          c.String("out-epoch-dir"),
			NodeTypeToRoute: c.String("node-type-to-route"),
			DrainOffset:     c.Duration("drain-offset"),
			CreationOffset:  c.Duration("creation-offset"),
		})
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return nil
	},
}
