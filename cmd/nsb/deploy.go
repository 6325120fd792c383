package main

import (
	"log"

	"github.com/urfave/cli/v2"

	"netsatbench/pkg/deploy"
	"netsatbench/pkg/workerexec"
)

var prepareCmd = &cli.Command{
	Name:  "prepare",
	Usage: "Configure worker hosts: container networks, forwarding, routes",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		d := &deploy.Deployer{Store: s, Exec: &workerexec.SSH{}}
		if err := d.PrepareWorkers(c.Context); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		log.Printf("all workers prepared")
		return nil
	},
}

var deployCmd = &cli.Command{
	Name:  "deploy",
	Usage: "Reconcile node containers on every worker",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "parallel container operations per worker",
			Value: 4,
		},
	},
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		d := &deploy.Deployer{
			Store:       s,
			Exec:        &workerexec.SSH{},
			Etcd:        etcdConfig(c),
			Concurrency: c.Int("concurrency"),
		}
		results, err := d.Deploy(c.Context)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				log.Printf("node %s on %s: FAILED: %v", r.Node, r.Worker, r.Err)
			} else {
				log.Printf("node %s on %s: ok", r.Node, r.Worker)
			}
		}
		log.Printf("deploy finished: %d ok, %d failed", len(results)-failed, failed)
		if failed > 0 {
			return cli.Exit("some containers failed to start", 5)
		}
		return nil
	},
}
