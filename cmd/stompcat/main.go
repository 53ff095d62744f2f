// Command stompcat connects to a STOMP server, prints what arrives on the
// subscribed destinations and publishes lines read from stdin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/omochice/stomp-transport/internal/client"
	"github.com/omochice/stomp-transport/internal/config"
	"github.com/omochice/stomp-transport/internal/logging"
)

var (
	sendTo     string
	subscribe  []string
	host       string
	bufferSize int
	headers    bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "stompcat URL",
	Short: "Publish stdin to a STOMP destination and print subscribed messages",
	Long: `stompcat talks STOMP over tcp://, kcp://, ws:// or wss:// URLs.

Each line read from stdin is sent to the --send destination. Messages
arriving on the --subscribe destinations are printed to stdout.`,
	Example: `  stompcat tcp://localhost:61613 --subscribe /topic/chat --send /topic/chat
  echo hello | stompcat ws://localhost:61613/ws --send /topic/chat`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.Setup(config.LogConfig{
			Level:   logLevel,
			Format:  "console",
			Outputs: []string{"stderr"},
		})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		defer logger.Sync()

		if sendTo == "" && len(subscribe) == 0 {
			return fmt.Errorf("nothing to do: give --send, --subscribe or both")
		}

		opts := []client.Option{client.WithLogger(logger), client.WithBufferSize(bufferSize)}
		if host != "" {
			opts = append(opts, client.WithHost(host))
		}
		c, err := client.New(args[0], opts...)
		if err != nil {
			return err
		}

		color.NoColor = !term.IsTerminal(int(os.Stdout.Fd()))

		return run(cmd.Context(), c, os.Stdin, os.Stdout, options{
			SendTo:      sendTo,
			Subscribe:   subscribe,
			Headers:     headers,
			Interactive: term.IsTerminal(int(os.Stdin.Fd())),
		})
	},
}

func init() {
	rootCmd.Flags().StringVarP(&sendTo, "send", "s", "", "destination for lines read from stdin")
	rootCmd.Flags().StringSliceVarP(&subscribe, "subscribe", "d", nil, "destination to subscribe to (repeatable)")
	rootCmd.Flags().StringVar(&host, "host", "", "virtual host sent in CONNECT (default: URL host)")
	rootCmd.Flags().IntVar(&bufferSize, "buffer-size", 0, "stream buffer size for tcp and kcp URLs")
	rootCmd.Flags().BoolVar(&headers, "headers", false, "print frame headers")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
