package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
	"netsatbench/pkg/workerexec"
)

var execCmd = &cli.Command{
	Name:      "exec",
	Usage:     "Run a command inside a node's container",
	ArgsUsage: "<node> <cmd...>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "interactive",
			Aliases: []string{"it"},
			Usage:   "allocate a TTY and attach",
		},
		&cli.BoolFlag{
			Name:    "detached",
			Aliases: []string{"d"},
			Usage:   "run detached (docker exec -d)",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.Exit("usage: nsb exec <node> [-it|-d] <cmd...>", 1)
		}
		node := c.Args().First()

		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		worker, err := workerForNode(c, s, node)
		if err != nil {
			return err
		}

		args := []string{"exec"}
		switch {
		case c.Bool("interactive"):
			args = append(args, "-it")
		case c.Bool("detached"):
			args = append(args, "-d")
		}
		args = append(args, node)
		args = append(args, c.Args().Tail()...)

		ex := &workerexec.SSH{}
		cmd := workerexec.Command{Tool: "docker", Args: args}
		if c.Bool("interactive") {
			if err := ex.RunInteractive(c.Context, worker, cmd); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		}
		res, err := ex.Run(c.Context, worker, cmd)
		fmt.Print(res.Stdout)
		if res.Stderr != "" {
			fmt.Print(res.Stderr)
		}
		if err != nil {
			return cli.Exit("", res.ExitCode)
		}
		return nil
	},
}

var cpCmd = &cli.Command{
	Name:      "cp",
	Usage:     "Copy files in or out of a node container (docker cp semantics)",
	ArgsUsage: "<src> <dst>   one side is <node>:<path>, paths are on the worker",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("usage: nsb cp <src> <dst>", 1)
		}
		src, dst := c.Args().Get(0), c.Args().Get(1)

		node, ok := containerSide(src)
		if !ok {
			if node, ok = containerSide(dst); !ok {
				return cli.Exit("one of src/dst must be <node>:<path>", 1)
			}
		}

		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		worker, err := workerForNode(c, s, node)
		if err != nil {
			return err
		}

		ex := &workerexec.SSH{}
		if _, err := ex.Run(c.Context, worker, workerexec.Command{
			Tool: "docker", Args: []string{"cp", src, dst},
		}); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return nil
	},
}

// containerSide extracts the node name from a <node>:<path> argument.
func containerSide(arg string) (string, bool) {
	for i, r := range arg {
		if r == ':' {
			return arg[:i], i > 0
		}
		if r == '/' {
			return "", false
		}
	}
	return "", false
}

// workerForNode resolves the worker hosting a node through the store.
func workerForNode(c *cli.Context, s store.Store, node string) (*model.WorkerSpec, error) {
	var spec model.NodeSpec
	ok, err := store.GetJSON(c.Context, s, store.NodeKey(node), &spec)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	if !ok {
		return nil, cli.Exit(fmt.Sprintf("unknown node %q", node), 1)
	}
	var worker model.WorkerSpec
	ok, err = store.GetJSON(c.Context, s, store.WorkerKey(spec.Worker), &worker)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	if !ok {
		return nil, cli.Exit(fmt.Sprintf("node %s assigned to unknown worker %q", node, spec.Worker), 1)
	}
	return &worker, nil
}
