// Command stomp-relay relays STOMP messages between clients connected over
// TCP, WebSocket and KCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/stomp-transport/internal/config"
	"github.com/omochice/stomp-transport/internal/logging"
	"github.com/omochice/stomp-transport/internal/server"
)

var (
	// Global flags
	cfgFile  string
	logLevel string
	tcpAddr  string
	wsAddr   string
	kcpAddr  string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "stomp-relay",
	Short: "Relay STOMP frames between TCP, WebSocket and KCP clients",
	Long: `stomp-relay accepts STOMP clients on a TCP port, a WebSocket endpoint and
optionally a KCP port, and delivers every SEND to the other clients
subscribed to its destination.

Without --ws, WebSocket upgrades are served on the TCP port.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("tcp") {
			cfg.Listen.TCP = tcpAddr
		}
		if cmd.Flags().Changed("ws") {
			cfg.Listen.WS = wsAddr
		}
		if cmd.Flags().Changed("kcp") {
			cfg.Listen.KCP = kcpAddr
		}

		logger, err = logging.Setup(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./stomp-relay.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&tcpAddr, "tcp", "", "TCP listen address (e.g., :61613)")
	rootCmd.Flags().StringVar(&wsAddr, "ws", "", "separate WebSocket listen address (e.g., :8080)")
	rootCmd.Flags().StringVar(&kcpAddr, "kcp", "", "KCP listen address (e.g., :61614)")
}

func serve(ctx context.Context) error {
	srv := server.New(server.Config{
		TCPAddr:    cfg.Listen.TCP,
		WSAddr:     cfg.Listen.WS,
		KCPAddr:    cfg.Listen.KCP,
		WSPath:     cfg.WS.Path,
		BufferSize: cfg.Stream.BufferSize,
		QueueSize:  cfg.Relay.QueueSize,
	}, logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Stop()
		if err := <-errChan; !errors.Is(err, server.ErrServerStopped) {
			return err
		}
	}

	logger.Info("server stopped")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
