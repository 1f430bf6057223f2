package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/vicodyn/internal/config"
	"github.com/zeusync/vicodyn/internal/control"
	"github.com/zeusync/vicodyn/internal/discovery"
)

const usage = `usage: vicodynctl [-addr host:port] <command> [args]

commands:
  info                 gateway id, apps and peers
  peers [uuid]         registered backends
  apps [name]          services with pool state
  resolve <name>       endpoints and protocol of a service
  announce [flags]     publish a backend in etcd until interrupted
`

func main() {
	addr := flag.String("addr", "127.0.0.1:7480", "control endpoint of the gateway")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	if args[0] == "announce" {
		err = announce(args[1:])
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err = query(ctx, control.NewClient(*addr), args)
		cancel()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "vicodynctl:", err)
		os.Exit(1)
	}
}

func query(ctx context.Context, client *control.Client, args []string) error {
	arg := ""
	if len(args) > 1 {
		arg = args[1]
	}

	var (
		reply any
		err   error
	)
	switch args[0] {
	case "info":
		reply, err = client.Info(ctx)
	case "peers":
		reply, err = client.Peers(ctx, arg)
	case "apps":
		reply, err = client.Apps(ctx, arg)
	case "resolve":
		if arg == "" {
			return fmt.Errorf("resolve needs a service name")
		}
		reply, err = client.Resolve(ctx, arg)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}

func announce(args []string) error {
	defaults := config.Default().Discovery.Etcd

	fs := flag.NewFlagSet("announce", flag.ExitOnError)
	etcdEndpoints := fs.String("etcd", "127.0.0.1:2379", "comma separated etcd endpoints")
	prefix := fs.String("prefix", defaults.Prefix, "key prefix watched by the gateways")
	ttl := fs.Int64("ttl", defaults.LeaseTTL, "lease ttl in seconds")
	id := fs.String("uuid", "", "backend uuid, generated when empty")
	name := fs.String("name", "", "service name")
	version := fs.Int("version", 0, "service version")
	protocol := fs.String("protocol", "", "built-in protocol name")
	endpoints := fs.String("endpoints", "", "comma separated backend endpoints")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a := discovery.Announcement{
		UUID:      *id,
		Name:      *name,
		Version:   *version,
		Protocol:  *protocol,
		Endpoints: splitList(*endpoints),
	}
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	if _, err := a.ProtocolGraph(); err != nil {
		return err
	}

	cli, err := discovery.NewEtcdClient(config.EtcdConfig{
		Endpoints:     splitList(*etcdEndpoints),
		DialTimeoutMS: defaults.DialTimeoutMS,
	})
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lease, err := discovery.Register(ctx, cli, *prefix, a, *ttl)
	if err != nil {
		return err
	}
	fmt.Printf("announced %s as %s (lease %x)\n", a.Name, a.UUID, int64(lease))

	<-ctx.Done()

	revokeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = cli.Revoke(revokeCtx, lease)
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
