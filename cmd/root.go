// Package cmd initializes the CLI and config parsers as well as the
// logger, then runs the communication hub.
package cmd

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"obscomm/config"
	"obscomm/db"
	"obscomm/server"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// Execute runs the root command. Called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "obscomm",
	Short: "Runs the real-time communication hub for the observer console",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load(viper.GetViper())

		ring := initLog(cfg)

		database, err := db.New(cfg.DBPath)
		if err != nil {
			jww.FATAL.Panicf("failed to initialize database: %+v", err)
		}
		defer database.Close()

		srv := server.New(database, &server.Config{
			ListenAddr:   cfg.ListenAddr,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PingInterval: cfg.PingInterval,
			HistoryLimit: cfg.HistoryLimit,
		}, ring)

		go startControlSocket(srv, cfg.ControlSocket)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			jww.INFO.Printf("received signal %v, shutting down", sig)
			srv.Shutdown("maintenance")
			os.Remove(cfg.ControlSocket)
		}()

		if err := srv.Start(); err != nil {
			jww.FATAL.Panicf("hub stopped: %+v", err)
		}
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("listen", "l", ":3215", "address the hub listens on")
	flags.String("db", "obscomm.db", "path to the sqlite database")
	flags.String("control-socket", "/tmp/obscomm.sock", "unix socket for management commands")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("obscomm")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
}

func initLog(cfg *config.Config) *server.RingLog {
	threshold := jww.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "trace":
		threshold = jww.LevelTrace
	case "debug":
		threshold = jww.LevelDebug
	case "warn":
		threshold = jww.LevelWarn
	case "error":
		threshold = jww.LevelError
	}
	jww.SetStdoutThreshold(threshold)

	ring, err := server.NewRingLog(cfg.LogRingSize, threshold)
	if err != nil {
		jww.ERROR.Printf("log ring disabled: %v", err)
		return nil
	}
	jww.SetLogListeners(ring.Listen)
	return ring
}

// startControlSocket serves management commands on a unix socket:
// stats, log, shutdown|reason.
func startControlSocket(srv *server.Server, path string) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		jww.ERROR.Printf("failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	jww.INFO.Printf("control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, conn, path)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, path string) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "log":
		conn.Write([]byte(srv.RecentLog()))

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		// Give time for the response to be sent.
		time.Sleep(100 * time.Millisecond)

		jww.INFO.Printf("shutdown requested: reason=%s", reason)
		srv.Shutdown(reason)
		os.Remove(path)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
