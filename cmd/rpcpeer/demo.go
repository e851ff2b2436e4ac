package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"peer-rpc/server"
	"peer-rpc/stream"
)

// demoServices are the names registerDemo serves.
var demoServices = []string{"Arith", "Echo"}

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

type EchoArgs struct {
	Text  string
	Delay string // e.g. "2s"
}

type EchoReply struct {
	Text string
}

type Echo struct{}

// Say waits out Delay (if any) so handler timeouts can be tried from the CLI.
func (e *Echo) Say(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	if args.Delay != "" {
		d, err := time.ParseDuration(args.Delay)
		if err != nil {
			return err
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	reply.Text = args.Text
	return nil
}

func (e *Echo) Upper(args *EchoArgs, reply *EchoReply) error {
	reply.Text = strings.ToUpper(args.Text)
	return nil
}

type CountArgs struct {
	N        int
	Interval string // e.g. "100ms"; empty emits as fast as possible
}

// count emits 1..N, one JSON number per item, and stops early when the caller
// cancels.
func count(ctx context.Context, payload []byte) (*stream.Stream[[]byte], error) {
	var args CountArgs
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, fmt.Errorf("decode Arith.Count args: %w", err)
		}
	}
	if args.N < 0 {
		return nil, fmt.Errorf("negative count %d", args.N)
	}
	var interval time.Duration
	if args.Interval != "" {
		d, err := time.ParseDuration(args.Interval)
		if err != nil {
			return nil, err
		}
		interval = d
	}

	return stream.New(func(e *stream.Emitter[[]byte]) func() {
		go func() {
			e.Ready()
			for i := 1; i <= args.N; i++ {
				if interval > 0 && i > 1 {
					select {
					case <-time.After(interval):
					case <-ctx.Done():
						e.Close(ctx.Err())
						return
					case <-e.Done():
						return
					}
				}
				if !e.Next([]byte(fmt.Sprint(i))) {
					return
				}
			}
			e.Close(nil)
		}()
		return nil
	}), nil
}

func registerDemo(svr *server.Server) error {
	if err := svr.Register(&Arith{}); err != nil {
		return err
	}
	if err := svr.Register(&Echo{}); err != nil {
		return err
	}
	svr.HandleStream("Arith.Count", count)
	return nil
}
