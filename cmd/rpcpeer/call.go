package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"peer-rpc/client"
	"peer-rpc/config"
	"peer-rpc/loadbalance"
	"peer-rpc/middleware"
	"peer-rpc/registry"
)

var callAddr string

var callCmd = &cobra.Command{
	Use:   "call Service.Method [json-args]",
	Short: "Make one unary call and print the JSON reply",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := newClient(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer release()

		var reply json.RawMessage
		if err := c.Call(cmd.Context(), args[0], jsonArgs(args), &reply); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(reply))
		return nil
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream Service.Method [json-args]",
	Short: "Open a streaming call and print every item",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := newClient(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer release()

		s, err := c.Stream(cmd.Context(), args[0], jsonArgs(args))
		if err != nil {
			return err
		}
		defer s.Close()
		for {
			item, err := s.Recv(cmd.Context())
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(item))
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{callCmd, streamCmd} {
		c.Flags().StringVar(&callAddr, "addr", "", "server address; skips the registry")
		rootCmd.AddCommand(c)
	}
}

func jsonArgs(args []string) json.RawMessage {
	if len(args) < 2 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args[1])
}

// newClient discovers servers through the configured registry, or through a
// single static entry when --addr is given.
func newClient(ctx context.Context, cfg *config.Config) (*client.Client, func(), error) {
	codecType, err := cfg.Peer.CodecType()
	if err != nil {
		return nil, nil, err
	}
	balancer, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return nil, nil, err
	}

	var reg registry.Registry
	release := func() {}
	if callAddr != "" {
		static := registry.NewMemoryRegistry()
		for _, name := range demoServices {
			static.Register(ctx, name, registry.ServiceInstance{Addr: callAddr, Codec: codecType.String()}, 0)
		}
		reg = static
	} else if reg, release, err = openRegistry(cfg.Registry.Endpoints); err != nil {
		return nil, nil, err
	}

	var mws []middleware.Middleware
	if cfg.Client.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Client.Retries, cfg.Client.RetryDelay.Duration, logger))
	}
	c, err := client.NewClient(client.Options{
		Registry:    reg,
		Balancer:    balancer,
		CodecType:   codecType,
		PoolSize:    cfg.Client.PoolSize,
		Timeout:     cfg.Peer.Timeout.Duration,
		NoHandshake: cfg.Peer.NoHandshake,
		Middlewares: mws,
		Logger:      logger,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		release()
	}, nil
}
