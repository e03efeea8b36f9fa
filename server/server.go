/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/delivery"
	"stash.kopano.io/kgol/kdeliver/queue"
	"stash.kopano.io/kgol/kdeliver/server/smtp/dagent"
	"stash.kopano.io/kgol/kdeliver/utils"
	"stash.kopano.io/kgol/kdeliver/version"
)

const queueStoreFn = "queue.db"

// Server runs the intake listener and the delivery loop.
type Server struct {
	config *Config

	logger logrus.FieldLogger

	store  *queue.BoltStore
	engine *delivery.Engine
	events *utils.Broadcaster
	DAgent *dagent.DAgent

	localDomains map[string]struct{}

	incomingCh chan string
	sweeping   utils.AtomicBool

	status *Status
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *Config) (*Server, error) {
	s := &Server{
		config: c,
		logger: c.Logger,

		events: utils.NewBroadcaster(),

		localDomains: make(map[string]struct{}),

		incomingCh: make(chan string, 128),

		status: &Status{
			Version:             version.Version,
			ServerName:          c.ServerName,
			DAgentListenAddress: c.DAgentListenAddress,
		},
	}

	for _, domain := range c.LocalDomains {
		s.localDomains[domain] = struct{}{}
	}

	deliveryConfig := c.Delivery
	if deliveryConfig == nil {
		deliveryConfig = &delivery.Config{}
	}
	deliveryConfig.Logger = s.logger
	if deliveryConfig.ServerName == "" {
		deliveryConfig.ServerName = c.ServerName
	}
	trustCertificates, err := LoadTrustCertificates(c.TrustCertificateFiles)
	if err != nil {
		return nil, err
	}
	if deliveryConfig.TrustCertificates == nil {
		deliveryConfig.TrustCertificates = trustCertificates
	} else {
		for serverName, certs := range trustCertificates {
			deliveryConfig.TrustCertificates[serverName] = append(deliveryConfig.TrustCertificates[serverName], certs...)
		}
	}
	if _, ok := deliveryConfig.CertificatesFor(c.ServerName); !ok {
		s.logger.WithField("server_name", c.ServerName).Warnln("no trust certificates for server name, remote delivery will fail")
	}

	s.store, err = queue.OpenBoltStore(filepath.Join(c.StatePath, queueStoreFn), s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	s.engine, err = delivery.NewEngine(deliveryConfig, s.store, nil, s.events)
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("failed to create delivery engine: %w", err)
	}

	dagentConfig := &dagent.Config{
		Logger:     s.logger,
		Router:     s,
		LMTP:       c.DAgentLMTP,
		ServerName: c.ServerName,

		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,

		MaxMessageBytes: 32 * 1024 * 1024,
		MaxRecipients:   100,
	}

	s.DAgent, err = dagent.New(dagentConfig)
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("failed to create dagent server: %w", err)
	}

	return s, nil
}

// Logger returns the logger of the server.
func (server *Server) Logger() logrus.FieldLogger {
	return server.logger
}

// Engine returns the delivery engine of the server.
func (server *Server) Engine() *delivery.Engine {
	return server.engine
}

// Serve starts all the accociated servers resources and listeners and blocks
// forever until signals or error occurs.
func (server *Server) Serve(ctx context.Context) error {
	var err error

	errCh := make(chan error, 3)
	exitCh := make(chan struct{}, 1)
	signalCh := make(chan os.Signal, 1)
	readyCh := make(chan struct{}, 1)
	triggerCh := make(chan bool, 1)

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := server.logger

	started := time.Now()
	server.status.Lock()
	server.status.Started = &started
	server.status.Unlock()

	go func() {
		select {
		case <-serveCtx.Done():
			return
		case <-readyCh:
		}
		logger.WithFields(logrus.Fields{}).Infoln("ready")
		if server.config.OnReady != nil {
			server.config.OnReady(server)
		}
		server.onStatus()
	}()

	var serversWg sync.WaitGroup

	// Start DAgent
	dagentListener, listenErr := net.Listen("tcp", server.config.DAgentListenAddress)
	if listenErr != nil {
		return fmt.Errorf("failed to create dagent listener: %w", listenErr)
	}
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		logger.WithField("listen_addr", dagentListener.Addr()).Infoln("dagent listener started")
		serveErr := server.DAgent.Serve(dagentListener)
		if serveErr != nil && serveCtx.Err() == nil {
			errCh <- serveErr
		}
	}()

	// Start metrics
	var metricsServer *http.Server
	if server.config.MetricsListenAddress != "" {
		metricsListener, metricsListenErr := net.Listen("tcp", server.config.MetricsListenAddress)
		if metricsListenErr != nil {
			dagentListener.Close()
			return fmt.Errorf("failed to create metrics listener: %w", metricsListenErr)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			logger.WithField("listen_addr", metricsListener.Addr()).Infoln("metrics listener started")
			serveErr := metricsServer.Serve(metricsListener)
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- serveErr
			}
		}()
	}

	serversWg.Add(1)
	// Publish delivery outcomes
	go func() {
		defer serversWg.Done()
		server.events.Start(serveCtx)
	}()

	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.outcomeReadPump(serveCtx)
	}()

	serversWg.Add(1)
	// Deliver queued messages and retry deferred ones
	go func() {
		defer serversWg.Done()
		server.deliveryLoop(serveCtx, triggerCh)
	}()

	// Wait for all services to stop before closing the exit channel
	go func() {
		serversWg.Wait()
		logger.Infoln("clean delivery shutdown complete")
		close(exitCh)
	}()

	// Set ready
	go func() {
		close(readyCh)
	}()

	// Wait for error or signal, with support for HUP to trigger a sweep
	err = func() error {
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for {
			select {
			case errFromChannel := <-errCh:
				return errFromChannel
			case reason := <-signalCh:
				if reason == syscall.SIGHUP {
					logger.Infoln("reload signal received, flushing deferred queue")
					select {
					case triggerCh <- true:
					default:
					}
					continue
				}
				logger.WithField("signal", reason).Warnln("received signal")
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}()

	// Shutdown, server will stop to accept new connections, requires Go 1.8+.
	logger.Infoln("clean server shutdown start")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	// Shutdown DAgent
	go func() {
		if shutdownErr := server.DAgent.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("clean dagent shutdown failed")
		} else {
			logger.Info("clean dagent shutdown complete")
		}
	}()
	if metricsServer != nil {
		go func() {
			if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.WithError(shutdownErr).Warn("clean metrics shutdown failed")
			}
		}()
	}

	// Cancel our own context and wait for all services to shutdown.
	serveCtxCancel()
	func() {
		for {
			select {
			case <-exitCh:
				logger.Infoln("clean server shutdown complete, exiting")
				return
			default:
				// Some services still running
				logger.Info("waiting services to exit")
			}
			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	shutdownCtxCancel() // Prevents leak.

	server.engine.Sender().Close()
	if closeErr := server.store.Close(); closeErr != nil {
		logger.WithError(closeErr).Warnln("failed to close queue")
	}

	return err
}

// deliveryLoop delivers what is left in the queue, then every incoming
// message and, every retry period, the deferred queue. Blocks until the
// context is done.
func (server *Server) deliveryLoop(ctx context.Context, triggerCh <-chan bool) {
	logger := server.logger

	var wg sync.WaitGroup
	defer wg.Wait()

	if err := server.engine.Recover(ctx); err != nil {
		logger.WithError(err).Errorln("failed to recover queued messages")
	}
	server.sweep(ctx, &wg)

	ticker := time.NewTicker(server.engine.RetryPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case id := <-server.incomingCh:
			wg.Add(1)
			go func() {
				defer wg.Done()
				server.deliverIncoming(ctx, id)
			}()

		case <-ticker.C:
			server.sweep(ctx, &wg)

		case <-triggerCh:
			server.sweep(ctx, &wg)
		}
	}
}

// deliverIncoming handles a newly queued message. The message may already
// be gone when the startup recovery delivered it first.
func (server *Server) deliverIncoming(ctx context.Context, id string) {
	err := server.engine.HandleDeliverable(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrNotFound):
		server.logger.WithField("message_id", id).Debugln("incoming message already handled")
	default:
		server.logger.WithError(err).WithField("message_id", id).Errorln("failed to deliver message")
	}
}

// sweep flushes the deferred queue in the background unless a sweep is still
// running. Listing failures are retried with backoff.
func (server *Server) sweep(ctx context.Context, wg *sync.WaitGroup) {
	if !server.sweeping.CompareFalseAndSetTrue() {
		server.logger.Debugln("deferred sweep still running, skipped")
		return
	}

	wg.Add(1)
	go func() {
		defer func() {
			server.sweeping.SetFalse()
			wg.Done()
		}()

		bo := &backoff.Backoff{
			Min:    1 * time.Second,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		}
		for {
			err := server.engine.FlushDeferred(ctx, time.Now())
			if err == nil {
				break
			}
			server.logger.WithError(err).Errorln("deferred sweep failed")
			if bo.Attempt() >= 5 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.Duration()):
			}
		}

		server.status.setSwept(time.Now())
		server.onStatus()
	}()
}

// outcomeReadPump records published delivery outcomes in the status.
func (server *Server) outcomeReadPump(ctx context.Context) {
	// Closed by the broadcaster when it stops.
	outcomeCh := server.events.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outcomeCh:
			if !ok {
				return
			}
			if outcome, isOutcome := msg.(*delivery.Outcome); isOutcome {
				server.status.addOutcome(outcome)
				server.onStatus()
			}
		}
	}
}

func (server *Server) onStatus() {
	if server.config.OnStatus != nil {
		server.config.OnStatus(server)
	}
}
