package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/actormesh/core/config"
	"github.com/actormesh/core/internal/actorsystem"
	"github.com/actormesh/core/internal/client"
	"github.com/actormesh/core/pkg/actorid"
	"github.com/actormesh/core/pkg/transport"
	"github.com/actormesh/core/pkg/transport/wsbind"
)

const (
	ServiceName      = "actormesh"
	ServiceNamespace = "actormesh"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run builds and executes the root CLI, the module's single process
// entrypoint (invoked from main.go).
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Location-transparent distributed actor runtime",
		Commands: []*cli.Command{
			serverCmd(),
			clientCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run a mesh node: transport listener, gateway, and (if enabled) cluster fanout",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML/JSON/TOML config file"},
			&cli.StringFlag{Name: "transport.host", Usage: "listen host for the primary transport"},
			&cli.IntFlag{Name: "transport.port", Usage: "listen port for the primary transport"},
			&cli.StringFlag{Name: "cluster.backend", Usage: "cluster fanout backend: inprocess or amqp"},
			&cli.StringFlag{Name: "cluster.amqp_uri", Usage: "AMQP URI for the cluster fanout bus"},
			&cli.StringFlag{Name: "log_level", Usage: "log/slog level: debug, info, warn, error"},
		},
		Action: func(c *cli.Context) error {
			flags := config.Flags()
			for _, name := range []string{"config", "transport.host", "transport.port", "cluster.backend", "cluster.amqp_uri", "log_level"} {
				if c.IsSet(name) {
					if err := flags.Set(name, c.String(name)); err != nil {
						return fmt.Errorf("cmd: apply --%s: %w", name, err)
					}
				}
			}

			cfg, _, err := config.Load(flags)
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down")
			return app.Stop(context.Background())
		},
	}
}

// clientCmd dials a running node's transport and invokes a single
// actor method, a smoke-testing counterpart to serverCmd (spec §4.5's
// Client, exercised outside of an embedding application).
func clientCmd() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Dial a mesh node and invoke one actor method",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "127.0.0.1"},
			&cli.IntFlag{Name: "port", Value: 7700},
			&cli.StringFlag{Name: "actor-id", Required: true, Usage: "target actor id, e.g. account-42@10.0.0.5:7700"},
			&cli.StringFlag{Name: "method", Required: true},
			&cli.StringSliceFlag{Name: "arg", Usage: "repeatable raw byte-string argument"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second},
		},
		Action: func(c *cli.Context) error {
			id, err := actorid.Parse(c.String("actor-id"))
			if err != nil {
				return fmt.Errorf("client: parse actor id: %w", err)
			}

			bind := wsbind.New(transport.TLSConfig{})
			ep := transport.Endpoint{Host: c.String("host"), Port: c.Int("port")}
			sys := actorsystem.New(bind, 0)
			cl := client.New(bind, ep, sys)

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if err := cl.Connect(ctx); err != nil {
				return fmt.Errorf("client: connect: %w", err)
			}
			defer cl.Close()

			handle, err := sys.Resolve(id)
			if err != nil {
				return fmt.Errorf("client: resolve %s: %w", id, err)
			}

			args := make([][]byte, 0, len(c.StringSlice("arg")))
			for _, a := range c.StringSlice("arg") {
				args = append(args, []byte(a))
			}

			reply, err := handle.Call(ctx, c.String("method"), args)
			if err != nil {
				return fmt.Errorf("client: call %s.%s: %w", id, c.String("method"), err)
			}

			fmt.Printf("%s\n", reply)
			return nil
		},
	}
}
