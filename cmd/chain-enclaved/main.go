// chain-enclaved is the confidential transaction enclave daemon: it
// validates sealed transactions, maintains the group epoch keys and serves
// wallet queries over attested channels.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jimmyyip-crypto/chain/attestation"
	"github.com/jimmyyip-crypto/chain/groupkey"
	"github.com/jimmyyip-crypto/chain/metrics"
	"github.com/jimmyyip-crypto/chain/queryservice"
	"github.com/jimmyyip-crypto/chain/shared"
	"github.com/jimmyyip-crypto/chain/txvalidator"
	"github.com/jimmyyip-crypto/chain/viewfilter"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "chain-enclaved",
	Short: "Confidential transaction enclave daemon",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enclave node",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig("chain-enclaved")
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := shared.NewLogger(shared.LoggerConfig{
		ServiceName: cfg.ServiceName,
		EnclaveMode: cfg.EnclaveMode,
		Development: cfg.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	platform, err := buildPlatform(cfg)
	if err != nil {
		return err
	}
	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	sealedStore, err := groupkey.OpenSealedStore(cfg.SealedStorePath, platform)
	if err != nil {
		return err
	}
	defer sealedStore.Close()

	nodeMetrics := metrics.NewNodeMetrics()
	store, err := groupkey.NewStore(logger, sealedStore, cfg.RotationAckTimeout, &shared.RetryConfig{
		MaxAttempts: cfg.RotationRetries,
	}, &nodeMetrics)
	if err != nil {
		return err
	}
	if store.State() == groupkey.StateUninitialized {
		logger.InfoIf("no sealed epoch history; node must bootstrap or join before validating")
	}

	outputs := txvalidator.NewOutputStore()
	validator, err := txvalidator.New(store, txvalidator.NewMemorySpentSet(), outputs, logger, &nodeMetrics)
	if err != nil {
		return err
	}
	pool := txvalidator.NewPool(validator, cfg.ValidatorWorkers)
	defer pool.Close()

	filters := viewfilter.NewIndex(cfg.FilterFalsePositiveRate)
	sessions := queryservice.NewSessionManager(cfg.SessionTimeout, logger)
	sessions.StartCleanupRoutine()
	defer sessions.Stop()

	service, err := queryservice.NewService(filters, outputs, sessions, cfg.QueryTimeout, logger, &nodeMetrics)
	if err != nil {
		return err
	}
	server := queryservice.NewServer(cfg, platform, verifier, service, store, logger, &nodeMetrics)
	if err := server.Start(); err != nil {
		return err
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	logger.InfoIf("node started",
		zap.String("version", Version),
		zap.String("platform", platform.Kind()),
		zap.Bool("enclave_mode", cfg.EnclaveMode))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	return server.Shutdown(shutdownCtx)
}

// buildPlatform selects the attestation platform. Nitro when running inside
// an enclave, otherwise the software stand-in keyed from the environment.
func buildPlatform(cfg *shared.Config) (shared.Platform, error) {
	if cfg.EnclaveMode {
		pcr0, err := hex.DecodeString(shared.GetEnvOrDefault("EXPECTED_PCR0", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid EXPECTED_PCR0: %w", err)
		}
		return shared.NewNitroPlatform(pcr0)
	}

	keyHex := shared.GetEnvOrDefault("SOFTWARE_SIGNING_KEY", "")
	if keyHex == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		sealRoot := make([]byte, 32)
		if _, err := rand.Read(sealRoot); err != nil {
			return nil, fmt.Errorf("failed to generate seal root: %w", err)
		}
		return shared.NewSoftwarePlatform(shared.GetEnvOrDefault("IMAGE_NAME", "chain-enclaved"), key, sealRoot)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid SOFTWARE_SIGNING_KEY: %w", err)
	}
	sealRoot, err := hex.DecodeString(shared.GetEnvOrDefault("SOFTWARE_SEAL_ROOT", ""))
	if err != nil || len(sealRoot) != 32 {
		return nil, fmt.Errorf("SOFTWARE_SEAL_ROOT must be 32 hex-encoded bytes")
	}
	return shared.NewSoftwarePlatform(shared.GetEnvOrDefault("IMAGE_NAME", "chain-enclaved"), key, sealRoot)
}

func buildVerifier(cfg *shared.Config) (*attestation.Verifier, error) {
	allowList, err := attestation.NewAllowList(cfg.AllowedMeasurements)
	if err != nil {
		return nil, fmt.Errorf("invalid measurement allow-list: %w", err)
	}

	var trustRoots [][]byte
	if v := shared.GetEnvOrDefault("SOFTWARE_TRUST_ROOTS", ""); v != "" {
		for _, entry := range strings.Split(v, ",") {
			root, err := hex.DecodeString(strings.TrimSpace(entry))
			if err != nil {
				return nil, fmt.Errorf("invalid SOFTWARE_TRUST_ROOTS: %w", err)
			}
			trustRoots = append(trustRoots, root)
		}
	}

	return attestation.NewVerifier(attestation.VerifierConfig{
		AllowList:          allowList,
		SoftwareTrustRoots: trustRoots,
		ReportValidity:     cfg.ReportValidity,
		AllowedStatuses:    cfg.AllowedQuoteStatus,
	})
}
