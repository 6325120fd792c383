// Command nsb is the operator CLI of the constellation emulator: it injects
// the static configuration, deploys node containers, drives the epoch
// timeline and precompiles oracle routes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"netsatbench/pkg/store"
	"netsatbench/pkg/version"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "nsb",
		Usage:   "satellite network emulation control plane",
		Version: version.Build,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "etcd-host",
				Usage:   "etcd host",
				Value:   "127.0.0.1",
				EnvVars: []string{"ETCD_HOST"},
			},
			&cli.StringFlag{
				Name:    "etcd-port",
				Usage:   "etcd port",
				Value:   "2379",
				EnvVars: []string{"ETCD_PORT"},
			},
			&cli.StringFlag{
				Name:    "etcd-user",
				Usage:   "etcd username",
				EnvVars: []string{"ETCD_USER"},
			},
			&cli.StringFlag{
				Name:    "etcd-password",
				Usage:   "etcd password",
				EnvVars: []string{"ETCD_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "etcd-ca-cert",
				Usage:   "path to the etcd CA certificate",
				EnvVars: []string{"ETCD_CA_CERT"},
			},
		},
		Commands: []*cli.Command{
			initCmd,
			prepareCmd,
			deployCmd,
			runCmd,
			statusCmd,
			rmCmd,
			execCmd,
			cpCmd,
			unlinkCmd,
			oracleCmd,
		},
	}

	// ExitCoder errors (validation=2, capacity=3, pool=4, deploy=5) are
	// handled inside Run; anything else is a plain failure.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func etcdConfig(c *cli.Context) store.EtcdConfig {
	return store.EtcdConfig{
		Host:     c.String("etcd-host"),
		Port:     c.String("etcd-port"),
		Username: c.String("etcd-user"),
		Password: c.String("etcd-password"),
		CACert:   c.String("etcd-ca-cert"),
	}
}

func openStore(c *cli.Context) (store.Store, error) {
	s, err := store.NewEtcd(etcdConfig(c))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return s, nil
}
