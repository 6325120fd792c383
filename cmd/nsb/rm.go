package main

import (
	"log"

	"github.com/urfave/cli/v2"

	"netsatbench/pkg/deploy"
	"netsatbench/pkg/store"
	"netsatbench/pkg/workerexec"
)

var rmCmd = &cli.Command{
	Name:  "rm",
	Usage: "Tear down: remove all containers and wipe the store",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		d := &deploy.Deployer{Store: s, Exec: &workerexec.SSH{}}
		if err := d.RemoveAll(c.Context); err != nil {
			log.Printf("container cleanup incomplete: %v", err)
		}

		txn := store.Txn{}.
			DeletePrefix(store.ConfigPrefix).
			DeletePrefix(store.StatePrefix)
		if err := s.Commit(c.Context, txn); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		log.Printf("constellation removed")
		return nil
	},
}

var unlinkCmd = &cli.Command{
	Name:  "unlink",
	Usage: "Delete every link record in one batch",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Commit(c.Context, store.Txn{}.DeletePrefix(store.LinksPrefix)); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		log.Printf("all links removed")
		return nil
	},
}
