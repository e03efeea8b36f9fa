/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Include pprof for debugging, its only enabled when --with-pprof is given.
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/kdeliver/cmd/kdeliverd/common"
	"stash.kopano.io/kgol/kdeliver/delivery"
	"stash.kopano.io/kgol/kdeliver/internal/ipc"
	"stash.kopano.io/kgol/kdeliver/mail"
	"stash.kopano.io/kgol/kdeliver/server"
)

// Default param values used by this command.
var (
	DefaultLogTimestamp        = true
	DefaultLogLevel            = "info"
	DefaultSystemdNotify       = false
	DefaultServerName          = ""
	DefaultDAgentListenAddr    = "127.0.0.1:10025"
	DefaultDAgentLMTP          = false
	DefaultMetricsListenAddr   = ""
	DefaultStatePath           = os.Getenv("KDELIVERD_DEFAULT_STATE_PATH")
	DefaultLocalDomains        = []string{}
	DefaultLocalTransfer       = "maildir"
	DefaultRelay               = ""
	DefaultTrustCerts          = []string{}
	DefaultRemotePort          = uint16(delivery.DefaultRemotePort)
	DefaultPoolMaxSize         = uint32(delivery.DefaultPoolMaxSize)
	DefaultPoolMinIdle         = uint32(delivery.DefaultPoolMinIdle)
	DefaultPoolIdleTimeout     = delivery.DefaultPoolIdleTimeout
	DefaultDialTimeout         = delivery.DefaultDialTimeout
	DefaultCommandTimeout      = delivery.DefaultCommandTimeout
	DefaultDeferredRetryPeriod = delivery.DefaultDeferredRetryPeriod
	DefaultDeferredRetryMax    = delivery.DefaultDeferredRetryMax
	DefaultMailboxDir          = delivery.DefaultMailboxDir
	DefaultDomainConcurrency   = delivery.DefaultDomainConcurrency
	DefaultWithPprof           = false
	DefaultPprofListenAddr     = "127.0.0.1:6060"
)

func init() {
	envDefaultDAgentListenAddr := os.Getenv("KDELIVERD_DEFAULT_DAGENT_LISTEN")
	if envDefaultDAgentListenAddr != "" {
		DefaultDAgentListenAddr = envDefaultDAgentListenAddr
	}

	envDefaultMetricsListenAddr := os.Getenv("KDELIVERD_DEFAULT_METRICS_LISTEN")
	if envDefaultMetricsListenAddr != "" {
		DefaultMetricsListenAddr = envDefaultMetricsListenAddr
	}

	if DefaultStatePath == "" {
		DefaultStatePath, _ = os.Getwd()
	}

	if DefaultServerName == "" {
		DefaultServerName, _ = os.Hostname()
	}
}

func CommandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				var exitCodeErr *ErrorWithExitCode
				if errors.As(err, &exitCodeErr) {
					os.Exit(exitCodeErr.Code)
				} else {
					os.Exit(1)
				}
			}
		},
	}

	serveCmd.Flags().BoolVar(&DefaultLogTimestamp, "log-timestamp", DefaultLogTimestamp, "Prefix each log line with timestamp")
	serveCmd.Flags().StringVar(&DefaultLogLevel, "log-level", DefaultLogLevel, "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().BoolVar(&DefaultSystemdNotify, "systemd-notify", DefaultSystemdNotify, "Enable systemd sd_notify callback")
	serveCmd.Flags().StringVar(&DefaultServerName, "server-name", DefaultServerName, "Name messages are received on, used as greeting name")
	serveCmd.Flags().StringVar(&DefaultDAgentListenAddr, "dagent-listen", DefaultDAgentListenAddr, "TCP listen address for the intake delivery agent")
	serveCmd.Flags().BoolVar(&DefaultDAgentLMTP, "dagent-lmtp", DefaultDAgentLMTP, "Speak LMTP instead of SMTP on the intake listener")
	serveCmd.Flags().StringVar(&DefaultMetricsListenAddr, "metrics-listen", DefaultMetricsListenAddr, "TCP listen address for metrics, disabled when empty")
	serveCmd.Flags().StringVar(&DefaultStatePath, "state-path", DefaultStatePath, "Full path to writable state directory")
	serveCmd.Flags().StringArrayVar(&DefaultLocalDomains, "local-domain", DefaultLocalDomains, "Domain to deliver locally, multiple allowed")
	serveCmd.Flags().StringVar(&DefaultLocalTransfer, "local-transfer", DefaultLocalTransfer, "Transfer method for local domains (mailbox or maildir)")
	serveCmd.Flags().StringVar(&DefaultRelay, "relay", DefaultRelay, "Forward all remote mail to this domain, ip or ip:port instead of the MX")
	serveCmd.Flags().StringArrayVar(&DefaultTrustCerts, "trust-cert", DefaultTrustCerts, "Trusted certificate PEM file for a server name as server-name=path, multiple allowed")
	serveCmd.Flags().Uint16Var(&DefaultRemotePort, "remote-port", DefaultRemotePort, "SMTP port of remote exchanges")
	serveCmd.Flags().Uint32Var(&DefaultPoolMaxSize, "pool-max-size", DefaultPoolMaxSize, "Maximum connections per remote endpoint")
	serveCmd.Flags().Uint32Var(&DefaultPoolMinIdle, "pool-min-idle", DefaultPoolMinIdle, "Idle connections kept per remote endpoint")
	serveCmd.Flags().DurationVar(&DefaultPoolIdleTimeout, "pool-idle-timeout", DefaultPoolIdleTimeout, "Time after which idle connections are closed")
	serveCmd.Flags().DurationVar(&DefaultDialTimeout, "dial-timeout", DefaultDialTimeout, "Timeout for connecting remote exchanges")
	serveCmd.Flags().DurationVar(&DefaultCommandTimeout, "command-timeout", DefaultCommandTimeout, "Timeout for SMTP commands")
	serveCmd.Flags().DurationVar(&DefaultDeferredRetryPeriod, "deferred-retry-period", DefaultDeferredRetryPeriod, "Interval of deferred queue sweeps")
	serveCmd.Flags().IntVar(&DefaultDeferredRetryMax, "deferred-retry-max", DefaultDeferredRetryMax, "Failed attempts after which a deferred recipient is given up")
	serveCmd.Flags().StringVar(&DefaultMailboxDir, "mailbox-dir", DefaultMailboxDir, "Directory of mbox files for mailbox delivery")
	serveCmd.Flags().IntVar(&DefaultDomainConcurrency, "domain-concurrency", DefaultDomainConcurrency, "Destinations delivered in parallel per message")
	serveCmd.Flags().BoolVar(&DefaultWithPprof, "with-pprof", DefaultWithPprof, "With pprof enabled")
	serveCmd.Flags().StringVar(&DefaultPprofListenAddr, "pprof-listen", DefaultPprofListenAddr, "TCP listen address for pprof")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	bs := &bootstrap{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		bs.Wait()
	}()

	err := bs.configure(ctx, cmd, args)
	if err != nil {
		return StartupError(err)
	}

	return bs.srv.Serve(ctx)
}

type bootstrap struct {
	sync.WaitGroup

	logger logrus.FieldLogger

	srv *server.Server
}

func (bs *bootstrap) configure(ctx context.Context, cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	logger, err := newLogger(!DefaultLogTimestamp, DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	bs.logger = logger

	logger.Debugln("serve start")

	if DefaultServerName == "" {
		return fmt.Errorf("server-name must not be empty")
	}

	if DefaultStatePath == "" {
		return fmt.Errorf("state-path must not be empty")
	}
	if info, statErr := os.Stat(DefaultStatePath); statErr != nil || !info.IsDir() {
		return fmt.Errorf("state-path error or not a directory: %w", statErr)
	}

	localTransfer, err := mail.ParseTransferMethod(DefaultLocalTransfer)
	if err != nil {
		return fmt.Errorf("invalid local-transfer: %w", err)
	}
	switch localTransfer.Kind {
	case mail.TransferMailbox, mail.TransferMaildir:
	default:
		return fmt.Errorf("local-transfer must be mailbox or maildir, got %s", localTransfer)
	}

	trustCertificateFiles, err := parseTrustCerts(DefaultTrustCerts)
	if err != nil {
		return err
	}

	var withStatus bool

	cfg := &server.Config{
		Logger: logger,

		OnReady: func(srv *server.Server) {
			if DefaultSystemdNotify {
				ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyReady)
				logger.WithField("ok", ok).Debugln("called systemd sd_notify ready")
				if notifyErr != nil {
					logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
				}
			}
		},
		OnStatus: func(srv *server.Server) {
			if !withStatus {
				withStatus = true
				bs.Add(1)
				go func() {
					defer bs.Done()
					<-ctx.Done()
					statusErr := clearStatus()
					if statusErr != nil {
						logger.WithError(statusErr).Errorln("failed to clear status")
					}
				}()
			}

			onStatus(srv)
		},

		DAgentListenAddress:  DefaultDAgentListenAddr,
		DAgentLMTP:           DefaultDAgentLMTP,
		MetricsListenAddress: DefaultMetricsListenAddr,

		ServerName:    DefaultServerName,
		LocalTransfer: localTransfer,

		TrustCertificateFiles: trustCertificateFiles,

		Delivery: &delivery.Config{
			RemotePort:          DefaultRemotePort,
			PoolIdleTimeout:     DefaultPoolIdleTimeout,
			PoolMaxSize:         DefaultPoolMaxSize,
			PoolMinIdle:         DefaultPoolMinIdle,
			DialTimeout:         DefaultDialTimeout,
			CommandTimeout:      DefaultCommandTimeout,
			DeferredRetryPeriod: DefaultDeferredRetryPeriod,
			DeferredRetryMax:    DefaultDeferredRetryMax,
			MailboxDir:          DefaultMailboxDir,
			DomainConcurrency:   DefaultDomainConcurrency,
		},
	}

	cfg.StatePath, err = filepath.Abs(DefaultStatePath)
	if err != nil {
		return fmt.Errorf("state-path invalid: %w", err)
	}

	ipc.MustInitializeStatusSHM(cfg.StatePath, "")

	for _, domain := range DefaultLocalDomains {
		domain = strings.TrimSpace(domain)
		if domain != "" {
			normalized, parseErr := mail.NormalizeDomain(domain)
			if parseErr != nil {
				return fmt.Errorf("invalid local-domain value: %s: %w", domain, parseErr)
			}
			cfg.LocalDomains = append(cfg.LocalDomains, normalized)
		}
	}

	if DefaultRelay != "" {
		target, parseErr := mail.ParseForwardTarget(DefaultRelay)
		if parseErr != nil {
			return fmt.Errorf("invalid relay: %w", parseErr)
		}
		cfg.Relay = &target
	}

	bs.srv, err = server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			if listenErr := http.ListenAndServe(pprofListen, nil); listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	return nil
}

// parseTrustCerts parses server-name=path values.
func parseTrustCerts(values []string) (map[string][]string, error) {
	result := make(map[string][]string)
	for _, value := range values {
		parts := strings.SplitN(value, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid trust-cert value, expected server-name=path: %q", value)
		}
		fn, err := filepath.Abs(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid trust-cert path: %w", err)
		}
		result[parts[0]] = append(result[parts[0]], fn)
	}
	return result, nil
}
