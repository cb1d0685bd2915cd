package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YellowViking/sec-poc/certs"
	"github.com/YellowViking/sec-poc/custody"
	"github.com/YellowViking/sec-poc/shared"
	"github.com/YellowViking/sec-poc/tls13"
)

func main() {
	var configPath string
	var message string

	cmd := &cobra.Command{
		Use:   "secpoc-client",
		Short: "Run the demo TLS client",
		Long: "Obtains a signing key from the security module, enrolls a " +
			"certificate with the CA, and completes a mutually-authenticated " +
			"TLS 1.3 handshake without ever holding the private key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, message)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&message, "message", "m", "ping over custody-backed TLS", "message to send after the handshake")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, message string) error {
	cfg, err := shared.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := shared.NewLogger(shared.LoggerConfig{ServiceName: "client", Development: cfg.Development})
	if err != nil {
		return err
	}
	defer logger.Sync()

	dial, err := custody.DialerFromConfig(cfg)
	if err != nil {
		return err
	}
	client := custody.NewClient(dial, logger)

	keyCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout())
	defer cancel()
	handle, err := client.CreateSigningKey(keyCtx, cfg.Identity)
	if err != nil {
		return err
	}
	defer client.Release(handle)

	csrDER, err := certs.BuildCSR(cfg.Identity, handle)
	if err != nil {
		return err
	}
	logger.Info("CSR built", zap.String("identity", cfg.Identity), zap.Int("bytes", len(csrDER)))

	caCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout())
	defer cancel()
	certDER, err := certs.SubmitCSR(caCtx, cfg.CAAddr, cfg.Identity, csrDER)
	if err != nil {
		return err
	}
	logger.Info("certificate issued", zap.Int("bytes", len(certDER)))

	roots, err := loadRoots(cfg.CACertPath)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", cfg.ServerAddr, cfg.DialTimeout())
	if err != nil {
		return err
	}

	tlsClient := tls13.NewClient(conn, &tls13.Config{
		ServerName:  hostOf(cfg.ServerAddr),
		RootCAs:     roots,
		Certificate: [][]byte{certDER},
		Signer:      handle,
		Logger:      logger,
	})
	defer tlsClient.Close()

	hsCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout())
	defer cancel()
	if err := tlsClient.Handshake(hsCtx); err != nil {
		return err
	}

	buf := make([]byte, 4096)
	n, err := tlsClient.Read(buf)
	if err != nil {
		return err
	}
	logger.Info("server greeting", zap.ByteString("greeting", buf[:n]))

	if _, err := tlsClient.Write([]byte(message)); err != nil {
		return err
	}
	n, err = tlsClient.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	logger.Info("server echo", zap.ByteString("echo", buf[:n]))
	return nil
}

func loadRoots(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust anchors: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return addr
	}
	return host
}
