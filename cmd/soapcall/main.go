// Program soapcall runs and calls soapcall services.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/client"
	"github.com/creachadair/soapcall/config"
	"github.com/creachadair/soapcall/server"
	"github.com/creachadair/soapcall/transport"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

var serveFlags struct {
	Config string `flag:"config,Configuration file path"`
	Listen string `flag:"listen,Stream listener address (overrides config)"`
	HTTP   string `flag:"http,HTTP listener address (overrides config)"`
}

var callFlags struct {
	Endpoint  string        `flag:"endpoint,default=localhost:8087,Service address: host:port, socket path, or http URL"`
	Namespace string        `flag:"ns,default=urn:country/,Message namespace of the service"`
	Action    string        `flag:"action,SOAP action (default namespace + method)"`
	User      string        `flag:"user,User name for authentication"`
	Password  string        `flag:"password,Password for authentication"`
	Timeout   time.Duration `flag:"timeout,default=10s,Time to wait for the reply"`
	Verbose   bool          `flag:"v,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and call soapcall services.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--config path]",
				Help: `Run the demonstration country service.

Settings are read from the configuration file, or from soapcall.yaml in the
working directory, and may be overridden by SOAPCALL_* environment variables.
The service answers envelope streams on the listen address, and HTTP requests
on the http address. Metrics are served at /debug/vars on the HTTP listener.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<method> [name=value ...]",
				Help: `Call a method of a service and print its reply.

Each name=value argument is added to the request message.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	cfg, err := config.Load(serveFlags.Config)
	if err != nil {
		return err
	}
	if serveFlags.Listen != "" {
		cfg.Listen = serveFlags.Listen
	}
	if serveFlags.HTTP != "" {
		cfg.HTTP = serveFlags.HTTP
	}
	if cfg.Listen == "" && cfg.HTTP == "" {
		return env.Usagef("no listen or http address is configured")
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	expvar.Publish("soapcall", soapcall.Metrics.Map())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *server.Pool
	if cfg.MaxThreads != 0 {
		pool = server.NewPool(newCountryService, &server.PoolOptions{
			MaxThreads:  cfg.MaxThreads,
			IdleTimeout: cfg.IdleTimeout,
			Logger:      log.Named("pool"),
		})
	}
	opts := &server.ServerOptions{Pool: pool, Logger: log, Realm: cfg.Auth.Realm}
	if cfg.Auth.User != "" {
		opts.Authenticate = func(user, password string) bool {
			u := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Auth.User))
			p := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Auth.Password))
			return u&p == 1
		}
	}
	srv := server.NewServer(newCountryService, opts)
	defer srv.Close()

	g := taskgroup.New(func(err error) {
		log.Error("service failed", zap.Error(err))
		stop()
	})
	if cfg.Listen != "" {
		lst, err := net.Listen(transport.SplitAddress(cfg.Listen))
		if err != nil {
			return err
		}
		log.Info("serving envelope streams", zap.String("addr", lst.Addr().String()))
		g.Go(func() error { return srv.Serve(ctx, server.NetAccepter(lst)) })
	}
	if cfg.HTTP != "" {
		mux := http.NewServeMux()
		mux.Handle("/", srv)
		mux.Handle("/debug/vars", expvar.Handler())
		hs := &http.Server{Addr: cfg.HTTP, Handler: mux}
		log.Info("serving HTTP", zap.String("addr", cfg.HTTP))
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Shutdown(context.Background())
		})
	}

	err = g.Wait()
	if pool != nil {
		pool.Close()
	}
	log.Info("service stopped")
	return err
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	msg := soapcall.NewMessage("")
	for _, arg := range env.Args[1:] {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return env.Usagef("invalid argument %q (want name=value)", arg)
		}
		msg.Add(name, value)
	}

	log := zap.NewNop()
	if callFlags.Verbose {
		var err error
		if log, err = config.NewLogger(config.LogConfig{Level: "debug", Outputs: []string{"stderr"}}); err != nil {
			return err
		}
		defer log.Sync()
	}

	var tr client.Transport = transport.NewStream(transport.DialNet)
	if strings.HasPrefix(callFlags.Endpoint, "http://") || strings.HasPrefix(callFlags.Endpoint, "https://") {
		tr = new(transport.HTTP)
	}
	opts := &client.Options{
		Endpoint:  callFlags.Endpoint,
		Namespace: callFlags.Namespace,
		Session:   client.Session{UserAgent: "soapcall"},
		Logger:    log,
	}
	if callFlags.User != "" {
		opts.Auth = client.Fixed(callFlags.User, callFlags.Password)
	}
	cli := client.New(tr, opts)
	defer cli.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), callFlags.Timeout)
	defer cancel()
	rsp, err := cli.Call(ctx, env.Args[0], msg, &client.CallOptions{Action: callFlags.Action})
	if err != nil {
		return err
	}
	if f, ok := soapcall.FaultOf(rsp); ok {
		return f
	}
	for _, a := range rsp.Args {
		fmt.Printf("%s=%s\n", a.Name, a.Value)
	}
	return nil
}
