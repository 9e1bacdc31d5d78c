package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	intrnl "flatchat/internal"
	"flatchat/internal/app"
)

var rootCmd = &cobra.Command{
	Use:           "flatchat",
	Short:         "Single-room chat server and terminal client",
	Version:       intrnl.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runClient,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE:  runServe,
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect the terminal client to a server",
	RunE:  runClient,
}

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Start a private server and attach a client to it",
	RunE:  runLocal,
}

// local mode listens on a loopback port picked by the OS.
const localAddr = "127.0.0.1:0"

var (
	flagLogLevel  string
	flagLogFormat string
	flagLogFile   string

	flagAddr        string
	flagPath        string
	flagStore       string
	flagDataPath    string
	flagUploadDir   string
	flagMaxUpload   int64
	flagCORSOrigin  string
	flagUploadLimit int
	flagTrustProxy  bool

	flagServerURL     string
	flagUser          string
	flagTypingTimeout time.Duration
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error); env FLATCHAT_LOG_LEVEL")
	flags.StringVar(&flagLogFormat, "log-format", "", "log format (auto, console, json); env FLATCHAT_LOG_FORMAT")
	flags.StringVar(&flagLogFile, "log-file", "", "write logs to this file instead of stderr (client modes discard logs otherwise)")

	for _, cmd := range []*cobra.Command{serveCmd, localCmd} {
		f := cmd.Flags()
		f.StringVar(&flagAddr, "addr", ":3001", "server listen address; env FLATCHAT_ADDR")
		f.StringVar(&flagPath, "path", "/socket", "websocket join path; env FLATCHAT_JOIN_PATH")
		f.StringVar(&flagStore, "store", "json", "message log backend (json, sqlite, pebble); env FLATCHAT_STORE")
		f.StringVar(&flagDataPath, "data", "", "message log location (defaults per backend); env FLATCHAT_DATA_PATH")
		f.StringVar(&flagUploadDir, "upload-dir", "./uploads", "directory for uploaded images; env FLATCHAT_UPLOAD_DIR")
		f.Int64Var(&flagMaxUpload, "max-upload", 10<<20, "maximum upload size in bytes; env FLATCHAT_MAX_UPLOAD_BYTES")
		f.StringVar(&flagCORSOrigin, "cors-origin", "http://localhost:3000", "allowed browser origin, * for any; env FLATCHAT_CORS_ORIGIN")
		f.IntVar(&flagUploadLimit, "upload-limit", 10, "uploads allowed per client IP per minute; env FLATCHAT_UPLOAD_RATE_LIMIT")
		f.BoolVar(&flagTrustProxy, "trust-proxy", false, "take client IPs from X-Forwarded-For/X-Real-IP; env FLATCHAT_TRUST_PROXY")
	}
	for _, cmd := range []*cobra.Command{rootCmd, clientCmd, localCmd} {
		f := cmd.Flags()
		f.StringVar(&flagServerURL, "server-url", "ws://localhost:3001/socket", "server websocket URL; env FLATCHAT_SERVER_URL")
		f.StringVar(&flagUser, "user", "", "display name; env FLATCHAT_USER or USER")
		f.DurationVar(&flagTypingTimeout, "typing-timeout", 2*time.Second, "idle time before typing indicators clear; env FLATCHAT_TYPING_TIMEOUT")
	}
	localCmd.Flags().Lookup("addr").DefValue = localAddr

	rootCmd.AddCommand(serveCmd, clientCmd, localCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "flatchat: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := buildLogger(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := serverConfig(cmd, "")
	if err != nil {
		return err
	}
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runClient(cmd *cobra.Command, _ []string) error {
	_, closeLog, err := buildLogger(cmd, io.Discard)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := clientConfig(cmd)
	if err != nil {
		return err
	}
	return app.RunClient(cfg)
}

func runLocal(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := buildLogger(cmd, io.Discard)
	if err != nil {
		return err
	}
	defer closeLog()

	serverCfg, err := serverConfig(cmd, localAddr)
	if err != nil {
		return err
	}
	clientCfg, err := clientConfig(cmd)
	if err != nil {
		return err
	}

	handle, err := app.RunServer(ctx, serverCfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	logger.Info().Str("url", clientCfg.ServerURL).Msg("launching client")

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

// serverConfig layers changed flags over the environment. A non-empty
// defaultAddr replaces the configured address unless --addr was given.
func serverConfig(cmd *cobra.Command, defaultAddr string) (app.ServerConfig, error) {
	cfg, err := app.LoadServerConfig()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	switch {
	case flags.Changed("addr"):
		cfg.Addr = flagAddr
	case defaultAddr != "":
		cfg.Addr = defaultAddr
	}
	if flags.Changed("path") {
		cfg.Path = flagPath
	}
	if flags.Changed("store") {
		cfg.Store = flagStore
	}
	if flags.Changed("data") {
		cfg.DataPath = flagDataPath
	}
	if flags.Changed("upload-dir") {
		cfg.UploadDir = flagUploadDir
	}
	if flags.Changed("max-upload") {
		cfg.MaxUploadSize = flagMaxUpload
	}
	if flags.Changed("cors-origin") {
		cfg.AllowedOrigin = flagCORSOrigin
	}
	if flags.Changed("upload-limit") {
		cfg.UploadRateLimit = flagUploadLimit
	}
	if flags.Changed("trust-proxy") {
		cfg.TrustProxy = flagTrustProxy
	}
	cfg.Path = app.NormalizeJoinPath(cfg.Path)
	return cfg, nil
}

func clientConfig(cmd *cobra.Command) (app.ClientConfig, error) {
	cfg, err := app.LoadClientConfig()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("server-url") {
		cfg.ServerURL = flagServerURL
	}
	if flags.Changed("user") {
		cfg.Username = flagUser
	}
	if flags.Changed("typing-timeout") {
		cfg.TypingTimeout = flagTypingTimeout
	}
	return cfg, nil
}

// buildLogger writes to --log-file when given and to fallback otherwise.
func buildLogger(cmd *cobra.Command, fallback io.Writer) (zerolog.Logger, func(), error) {
	cfg, err := app.LoadLogConfig()
	if err != nil {
		return zerolog.Nop(), func() {}, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Level = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.Format = flagLogFormat
	}

	out, closeFn := fallback, func() {}
	if flagLogFile != "" {
		file, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("open log file: %w", err)
		}
		out, closeFn = file, func() { _ = file.Close() }
	}
	logger, err := app.NewLogger(cfg, out)
	if err != nil {
		closeFn()
		return zerolog.Nop(), func() {}, err
	}
	return logger, closeFn, nil
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
