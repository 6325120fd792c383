package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/urfave/cli/v2"

	"netsatbench/pkg/model"
	"netsatbench/pkg/placement"
)

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "Validate the static configuration, place nodes and publish specs",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path of the sat-config JSON document",
			Value:   "sat-config.json",
		},
		&cli.StringFlag{
			Name:  "ip-mode",
			Usage: "address families to auto-assign: ipv4, ipv6 or dual",
			Value: "ipv4",
		},
	},
	Action: func(c *cli.Context) error {
		mode := placement.Mode(c.String("ip-mode"))
		switch mode {
		case placement.ModeIPv4, placement.ModeIPv6, placement.ModeDual:
		default:
			return cli.Exit(fmt.Sprintf("invalid --ip-mode %q", c.String("ip-mode")), 2)
		}

		cfg, err := model.LoadConfig(c.String("config"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}

		planned, err := placement.Plan(cfg, mode)
		if err != nil {
			switch {
			case errors.Is(err, model.ErrInsufficientCapacity):
				return cli.Exit(err.Error(), 3)
			case errors.Is(err, model.ErrAddressPoolExhausted):
				return cli.Exit(err.Error(), 4)
			default:
				return cli.Exit(err.Error(), 2)
			}
		}

		for _, n := range planned.Nodes {
			log.Printf("node %s -> worker %s cidr=%s cidr-v6=%s",
				n.Name, n.Spec.Worker, orDash(n.Spec.L3.CIDR), orDash(n.Spec.L3.CIDRv6))
		}

		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := placement.Publish(c.Context, s, planned); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		log.Printf("configuration published: %d workers, %d nodes", len(planned.Workers), len(planned.Nodes))
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
