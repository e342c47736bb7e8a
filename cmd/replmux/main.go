package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"replmux/internal/bridge"
	"replmux/internal/client"
	"replmux/internal/config"
	"replmux/internal/logutil"
	"replmux/internal/terminal"
)

const (
	exitUsage      = 1
	exitConnection = 2
	prompt         = "> "

	// closeTimeout bounds closing the remote session on the way out.
	closeTimeout = 3 * time.Second
)

// exitError carries the process exit code for a failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func connectionFailure(err error) error {
	return &exitError{code: exitConnection, err: err}
}

func main() {
	cmd := newRootCmd()
	err := cmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "replmux:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(exitUsage)
}

func newRootCmd() *cobra.Command {
	v := config.NewClientViper()

	cmd := &cobra.Command{
		Use:   "replmux <endpoint>",
		Short: "Attach a terminal to a remote scripting session",
		Long: `Connects to a replmux server and runs an interactive read-eval-print loop
against one of its sessions. The endpoint is host:port or a ws(s)/http(s) URL.
The password may also be supplied in REPLMUX_PASSWORD.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringP("user", "u", "", "user for basic auth")
	flags.String("password", "", "password for basic auth")
	flags.Uint64P("session", "s", 0, "attach to an existing session instead of creating one")
	flags.Bool("replay", false, "print the session's recent output before the prompt")
	flags.Bool("keep", false, "leave the session open on exit")
	flags.Duration("dial-timeout", 0, "give up connecting after this long")
	flags.BoolP("verbose", "v", false, "log protocol activity to stderr")
	err := config.BindFlags(v, flags, map[string]string{
		"user":         "user",
		"password":     "password",
		"session":      "session",
		"replay":       "replay",
		"keep":         "keep",
		"dial_timeout": "dial-timeout",
	})
	if err != nil {
		panic(err)
	}
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			v.Set("log.level", "debug")
		}
		return nil
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper, endpoint string) error {
	cfg, err := config.LoadClient(v)
	if err != nil {
		return err
	}
	logger, err := logutil.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, endpoint, client.Options{
		User:        cfg.User,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("client"),
	})
	if err != nil {
		return connectionFailure(err)
	}
	defer conn.Close()

	sess, err := attach(ctx, conn, cfg.Session)
	if err != nil {
		return connectionFailure(err)
	}
	logger.Debug("attached", zap.Uint64("session", sess.ID()))

	// Every exit path returns through here, so raw mode is always undone
	// before main calls os.Exit.
	in, out, restore := openTerminal(logger)
	defer restore()

	fmt.Fprintf(out, "session %d\n", sess.ID())
	if cfg.Replay {
		if err := replay(ctx, sess, out); err != nil {
			return connectionFailure(err)
		}
	}

	opts := []bridge.Option{bridge.WithSingleFlight(), bridge.WithLogger(logger.Named("bridge"))}
	if !cfg.Keep {
		opts = append(opts, bridge.WithOwnership())
	}
	b, err := bridge.New(ctx, sess, opts...)
	if err != nil {
		return connectionFailure(err)
	}

	loop := terminal.New(b, in, out, terminal.WithLogger(logger.Named("terminal")))
	return drive(ctx, loop, b, conn, logger)
}

// connection is the part of *client.Client that drive watches.
type connection interface {
	Done() <-chan struct{}
	Err() error
}

// drive runs loop until it ends, the connection drops or ctx is cancelled.
// The loop may be blocked reading a line in the latter two cases, so the
// bridge is closed here as well; Bridge.Close is idempotent.
func drive(ctx context.Context, loop *terminal.Loop, b *bridge.Bridge, conn connection, logger *zap.Logger) error {
	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	select {
	case err := <-loopErr:
		if cerr := conn.Err(); cerr != nil {
			return connectionFailure(cerr)
		}
		if ctx.Err() != nil {
			// The loop noticed the signal first.
			return nil
		}
		return err
	case <-conn.Done():
		closeBridge(ctx, b, logger)
		return connectionFailure(conn.Err())
	case <-ctx.Done():
		logger.Debug("interrupted, closing session", zap.Error(ctx.Err()))
		closeBridge(ctx, b, logger)
		return nil
	}
}

func closeBridge(ctx context.Context, b *bridge.Bridge, logger *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := b.Close(cctx); err != nil {
		logger.Warn("close bridge", zap.Error(err))
	}
}

func attach(ctx context.Context, conn *client.Client, id uint64) (*client.RemoteSession, error) {
	if id == 0 {
		return conn.NewSession(ctx)
	}
	return conn.GetSession(ctx, id)
}

func replay(ctx context.Context, sess *client.RemoteSession, out io.Writer) error {
	entries, err := sess.Transcript(ctx)
	if err != nil {
		return err
	}
	for _, n := range entries {
		if _, err := io.WriteString(out, n.Text); err != nil {
			return err
		}
	}
	return nil
}

// openTerminal prefers an interactive line editor and falls back to plain
// line reading when stdin is not a terminal.
func openTerminal(logger *zap.Logger) (terminal.LineReader, io.Writer, func()) {
	tty, err := terminal.OpenTTY(os.Stdin, os.Stdout, prompt)
	if err != nil {
		if !errors.Is(err, terminal.ErrNotTerminal) {
			logger.Warn("line editing unavailable", zap.Error(err))
		}
		return terminal.NewLineReader(os.Stdin), os.Stdout, func() {}
	}
	return tty, tty, func() {
		if err := tty.Close(); err != nil {
			logger.Warn("restore terminal", zap.Error(err))
		}
	}
}
