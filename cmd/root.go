// Package cmd implements the proxybrokerage CLI using Cobra.
package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drsoft-oss/proxybrokerage/internal/api"
	"github.com/drsoft-oss/proxybrokerage/internal/broker"
	"github.com/drsoft-oss/proxybrokerage/internal/brokerage"
	"github.com/drsoft-oss/proxybrokerage/internal/collection"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables
// -----------------------------------------------------------------------

var (
	flagListen string

	flagReturnDelay            string
	flagAutoReturnDelay        string
	flagBadReturnDelay         string
	flagMaxConsecutiveFailures int
	flagFailedReleaseRespTime  string
	flagRetryTime              string
)

var rootCmd = &cobra.Command{
	Use:   "proxybrokerage",
	Short: "Per-domain HTTP proxy brokerage",
	Long: `proxybrokerage — a long-running service that owns a pool of upstream
proxy endpoints and leases them out, one at a time per (domain, proxy) pair,
to scraping clients.

It tracks which proxies are checked out versus idle for each target domain,
enforces a politeness delay before a released proxy becomes reusable,
auto-reclaims proxies whose clients disappear, quarantines or evicts proxies
that repeatedly fail, and samples from the idle set with a response-time-
weighted stochastic policy so faster proxies are preferred without the whole
fleet converging on one endpoint.

This service never forwards traffic itself — it tells clients which proxy
URL to use via a small JSON REST API.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	f.StringVarP(&flagListen, "listen", "l", "0.0.0.0:8080", "Address for the REST API to bind (host:port)")

	f.StringVar(&flagReturnDelay, "return-delay", "30s", "Politeness delay after a successful release")
	f.StringVar(&flagAutoReturnDelay, "auto-return-delay", "60s", "Forgive-me delay when a client forgets to release")
	f.StringVar(&flagBadReturnDelay, "bad-return-delay", "600s", "Quarantine delay after a failed request")
	f.IntVar(&flagMaxConsecutiveFailures, "max-consecutive-failures", broker.DefaultMaxConsecutiveFailures, "Strikes before permanent eviction")
	f.StringVar(&flagFailedReleaseRespTime, "failed-release-resp-time", "30s", "Synthetic response time recorded for an auto-return or failed request")
	f.StringVar(&flagRetryTime, "retry-time", "1s", "Acquisition poll interval")
}

func run(_ *cobra.Command, _ []string) error {
	returnDelay, err := time.ParseDuration(flagReturnDelay)
	if err != nil {
		return fmt.Errorf("--return-delay: %w", err)
	}
	autoReturnDelay, err := time.ParseDuration(flagAutoReturnDelay)
	if err != nil {
		return fmt.Errorf("--auto-return-delay: %w", err)
	}
	badReturnDelay, err := time.ParseDuration(flagBadReturnDelay)
	if err != nil {
		return fmt.Errorf("--bad-return-delay: %w", err)
	}
	failedReleaseRespTime, err := time.ParseDuration(flagFailedReleaseRespTime)
	if err != nil {
		return fmt.Errorf("--failed-release-resp-time: %w", err)
	}
	retryTime, err := time.ParseDuration(flagRetryTime)
	if err != nil {
		return fmt.Errorf("--retry-time: %w", err)
	}

	brokerCfg := broker.Config{
		ReturnDelay:            returnDelay,
		AutoReturnDelay:        autoReturnDelay,
		BadReturnDelay:         badReturnDelay,
		MaxConsecutiveFailures: flagMaxConsecutiveFailures,
		FailedReleaseRespTime:  failedReleaseRespTime,
		RetryTime:              retryTime,
	}

	coll := collection.New()
	brokerageSvc := brokerage.New(coll, brokerCfg)

	apiSrv := api.New(api.Config{Addr: flagListen}, coll, brokerageSvc)

	log.Printf("[init] proxybrokerage %s starting; REST API on http://%s", version, flagListen)

	srvErr := make(chan error, 1)
	go func() { srvErr <- apiSrv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[init] received %s — shutting down", sig)
	case err := <-srvErr:
		if err != nil {
			log.Printf("[init] API server error: %v", err)
		}
	}

	return apiSrv.Stop()
}
