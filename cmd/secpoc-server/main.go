package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YellowViking/sec-poc/certs"
	"github.com/YellowViking/sec-poc/shared"
	"github.com/YellowViking/sec-poc/tls13"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "secpoc-server",
		Short: "Run the demo CA and TLS server",
		Long: "Generates a root CA, serves CSR submissions, and accepts TLS 1.3 " +
			"connections that must present a certificate from that CA.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := shared.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := shared.NewLogger(shared.LoggerConfig{ServiceName: "server", Development: cfg.Development})
	if err != nil {
		return err
	}
	defer logger.Sync()

	issuer, err := certs.NewIssuer(logger)
	if err != nil {
		return err
	}
	// Drop the trust anchor where the client expects to find it.
	if err := os.WriteFile(cfg.CACertPath, issuer.RootPEM(), 0o644); err != nil {
		return err
	}
	logger.Info("trust anchor written", zap.String("path", cfg.CACertPath))

	serverName := hostOf(cfg.ServerAddr)
	serverDER, serverKey, err := issuer.IssueServerCert(serverName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	caListener, err := net.Listen("tcp", cfg.CAAddr)
	if err != nil {
		return err
	}
	go issuer.Serve(ctx, caListener)
	logger.Info("CA listening", zap.String("addr", caListener.Addr().String()))

	tlsListener, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		tlsListener.Close()
	}()
	logger.Info("TLS server listening", zap.String("addr", tlsListener.Addr().String()))

	tlsConfig := &tls13.Config{
		ServerName:  serverName,
		RootCAs:     issuer.RootPool(),
		Certificate: [][]byte{serverDER},
		Signer:      serverKey,
		Logger:      logger,
	}

	for {
		conn, err := tlsListener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("TLS server stopped")
				return nil
			}
			return err
		}
		go serve(ctx, conn, tlsConfig, cfg.DialTimeout(), logger)
	}
}

// serve runs one demo session: handshake, greeting, echo one message.
func serve(ctx context.Context, conn net.Conn, tlsConfig *tls13.Config, timeout time.Duration, logger *shared.Logger) {
	log := logger.WithConnection(conn.RemoteAddr().String())

	server := tls13.NewServer(conn, tlsConfig)
	defer server.Close()

	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := server.Handshake(hsCtx); err != nil {
		log.Warn("handshake rejected", zap.Error(err))
		return
	}
	log.Info("client authenticated", zap.String("client_cn", server.PeerCertificate().Subject.CommonName))

	if _, err := server.Write([]byte("hello from secpoc server\n")); err != nil {
		log.Warn("writing greeting", zap.Error(err))
		return
	}

	buf := make([]byte, 4096)
	n, err := server.Read(buf)
	if err != nil {
		log.Warn("reading client message", zap.Error(err))
		return
	}
	log.Info("echoing client message", zap.Int("bytes", n))
	if _, err := server.Write(buf[:n]); err != nil {
		log.Warn("echoing", zap.Error(err))
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return strings.TrimSuffix(addr, ":")
	}
	return host
}
