// Command tunnelbrokerd accepts tunnel connections, runs the handshake and
// recovery protocol against them, and proxies authorized sessions to the
// backends returned by the ticket broker.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openuds/tunnelbroker/broker"
	"github.com/openuds/tunnelbroker/config"
	"github.com/openuds/tunnelbroker/connection"
	"github.com/openuds/tunnelbroker/internal/logger"
	"github.com/openuds/tunnelbroker/internal/metrics"
	"github.com/openuds/tunnelbroker/proxyhdr"
	"github.com/openuds/tunnelbroker/session"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tunnelbrokerd",
	Short: "Tunnel broker daemon",
	Long: `tunnelbrokerd accepts post-quantum-secured tunnel connections,
authorizes each one against a ticket broker, and proxies the resulting
session to the backend hosts the broker returns.`,
	RunE: run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&configPath, "config", "tunnelbroker.toml", "path to the broker's TOML configuration file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{Path: configPath})
	if err != nil {
		return fmt.Errorf("tunnelbrokerd: %w", err)
	}

	log := logger.GetDefaultLogger()
	log.SetLevel(parseLevel(cfg.LogLevel))

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.StartServer(cfg.MetricsAddr); err != nil {
				log.Fatal("metrics server exited", logger.Error(err))
			}
		}()
		log.Info("metrics server listening", logger.String("addr", cfg.MetricsAddr))
	}

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
		},
	}
	brokerClient := broker.New(cfg.TicketAPIURL, cfg.BrokerAuthToken, httpClient)
	manager := session.NewManager()

	listenHost := cfg.ListenAddr
	if listenHost == "*" {
		listenHost = ""
	}
	listenAddr := net.JoinHostPort(listenHost, strconv.Itoa(cfg.ListenPort))

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("tunnelbrokerd: listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()
	log.Info("listening for tunnel connections",
		logger.String("addr", listenAddr),
		logger.Bool("proxy_protocol", cfg.UseProxyProtocol))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
		ln.Close()
	}()

	acceptLoop(ctx, ln, cfg.UseProxyProtocol, brokerClient, manager, log)
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, useProxyProtocol bool, b *broker.Client, manager *session.Manager, log logger.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warn("accept failed", logger.Error(err))
				continue
			}
		}

		wrapped, err := proxyhdr.WrapConn(conn, useProxyProtocol)
		if err != nil {
			log.Warn("failed to parse proxy protocol header", logger.Error(err))
			conn.Close()
			continue
		}

		go connection.HandleConnection(ctx, wrapped, b, manager)
	}
}

// parseLevel maps the validated log_level config key to a logger.Level.
// cfg.Validate already restricts the value to one of these four, so the
// default case here is unreachable in practice.
func parseLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
