// Program cpcall is a command-line utility for serving and calling commands
// over cpcall connections.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/cpcall"
	"github.com/creachadair/cpcall/channel"
	"github.com/creachadair/cpcall/peers"
	"github.com/creachadair/flax"
	"github.com/rs/zerolog"
)

// flagValues are the flags shared by all subcommands. Flags explicitly set
// override values from the config file.
type flagValues struct {
	Config   string `flag:"config,Configuration file path (TOML)"`
	Addr     string `flag:"addr,Service address (host:port or socket path)"`
	LogLevel string `flag:"log-level,Log level (trace, debug, info, warn, error)"`
	Compress int    `flag:"compress,default=-1,Compress values larger than this many bytes (0 disables)"`
}

var flags flagValues

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for serving and calling commands over cpcall connections.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &flags)
		},
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--addr A]",
				Help: `Serve builtin commands to connections at the given address.

The address may be host:port for TCP or a path for a Unix-domain socket.
The builtin commands are:

  echo      : return the arguments as a list
  sum       : return the sum of numeric arguments
  sleep n   : wait for n seconds, answering later
  commands  : list the commands registered on the connection

The config file "commands" key selects which of these are served.`,
				Run: runServe,
			},
			{
				Name:  "call",
				Usage: "[--addr A] <command> [<json-arg>...]",
				Help: `Call a command on the service at the given address.

Each argument is parsed as a JSON value; an argument that is not valid
JSON is sent as a string. The result is printed as JSON.`,
				Run: runCall,
			},
			{
				Name: "decode",
				Help: `Decode binary frames from stdin and print them.`,
				Run:  runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// setup loads the configuration and constructs a logger.
func setup() (config, zerolog.Logger, error) {
	cfg, err := loadConfig(flags.Config)
	if err != nil {
		return config{}, zerolog.Logger{}, err
	}
	if err := cfg.overlay(&flags); err != nil {
		return config{}, zerolog.Logger{}, err
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(cfg.LogLevel).With().Timestamp().Logger()
	return cfg, log, nil
}

// logFrames returns an option that logs each frame of a connection at debug
// level, and the termination of the connection.
func logFrames(log zerolog.Logger) cpcall.Option {
	return func(c *cpcall.Conn) {
		if log.GetLevel() <= zerolog.DebugLevel {
			c.LogFrames(func(fi cpcall.FrameInfo) {
				log.Debug().Stringer("frame", fi).Msg("frame")
			})
		}
		c.OnExit(func(err error) {
			if err != nil {
				log.Warn().Err(err).Msg("connection disposed")
			} else {
				log.Debug().Msg("connection closed")
			}
		})
	}
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	cmds, err := commandSet(cfg.Commands)
	if err != nil {
		return err
	}

	network, addr := cpcall.SplitAddress(cfg.Addr)
	lst, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if network == "unix" {
		defer os.Remove(addr)
	}

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	log.Info().Str("network", network).Str("addr", lst.Addr().String()).
		Strs("commands", cfg.Commands).Msg("serving")

	err = peers.Loop(ctx, peers.NetAccepterCodec(lst, cfg.codec()),
		cpcall.WithCommands(cmds), logFrames(log))
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Err(err).Msg("service stopped")
	return err
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing command name")
	}
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	args := parseArgs(env.Args[1:])

	network, addr := cpcall.SplitAddress(cfg.Addr)
	nc, err := net.Dial(network, addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := cpcall.Start(channel.ConnCodec(nc, cfg.codec()), logFrames(log))

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	v, cerr := conn.Call(env.Args[0], args...).Wait(ctx)
	if cerr != nil {
		conn.Dispose(cerr)
	} else {
		conn.End()
	}
	if err := conn.Wait(); err != nil && cerr == nil {
		return err
	}
	if cerr != nil {
		return fmt.Errorf("call %q: %w", env.Args[0], cerr)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// parseArgs parses each argument as a JSON value, or as a string if it is
// not valid JSON.
func parseArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args[i] = v
	}
	return args
}

func runDecode(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	return decodeFrames(os.Stdin, os.Stdout, cfg)
}

// decodeFrames prints the frames read from r to w, one per line.
func decodeFrames(r io.Reader, w io.Writer, cfg config) error {
	br := bufio.NewReader(r)
	codec := cfg.codec()
	for {
		f, err := codec.ReadFrame(br)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Fprintln(w, f)
	}
}
