// Command paidfetch performs one HTTP request, paying for it when the server
// answers with an x402 challenge.
//
//	paidfetch [-X METHOD] [-H 'Name: value']... [-d BODY] [-max-amount N] URL
//
// Configuration is read from the environment (X402_*), optionally from a
// .env file in the working directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/x402-foundation/paidfetch"
	x402http "github.com/x402-foundation/paidfetch/http"
	"github.com/x402-foundation/paidfetch/pkg/config"
	"github.com/x402-foundation/paidfetch/pkg/logger"
	"github.com/x402-foundation/paidfetch/pkg/metrics"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q is not in 'Name: value' form", v)
	}
	*h = append(*h, v)
	return nil
}

func main() {
	godotenv.Load()

	var (
		method      = flag.String("X", http.MethodGet, "request method")
		body        = flag.String("d", "", "request body")
		maxAmount   = flag.String("max-amount", "", "refuse requirements above this many atomic units")
		networks    = flag.String("networks", "", "comma separated preferred networks (overrides X402_PREFERRED_NETWORKS)")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
		showReceipt = flag.Bool("receipt", false, "print the payment receipt to stderr")
		headers     headerFlags
	)
	flag.Var(&headers, "H", "request header, repeatable")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: paidfetch [flags] URL")
		flag.PrintDefaults()
		os.Exit(2)
	}
	target := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	if z, ok := log.(*logger.ZapLogger); ok {
		defer z.Sync()
	}

	var rec metrics.Recorder = metrics.NoopRecorder{}
	if cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		prom, err := metrics.NewPrometheusRecorder(registry)
		if err != nil {
			fmt.Printf("Failed to create metrics recorder: %v\n", err)
			os.Exit(1)
		}
		rec = prom
		if *metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
					log.Warn("metrics server stopped", map[string]any{"error": err})
				}
			}()
		}
	}

	client := x402http.NewClient(cfg, x402http.WithLogger(log), x402http.WithMetrics(rec))

	pairs := make([][2]string, 0, len(headers))
	for _, h := range headers {
		name, value, _ := strings.Cut(h, ":")
		pairs = append(pairs, [2]string{strings.TrimSpace(name), strings.TrimSpace(value)})
	}

	reqInit := x402http.RequestInit{
		Method: *method,
		Header: x402http.BuildHeaders(pairs),
	}
	if *body != "" {
		reqInit.Body = []byte(*body)
	}

	opts := x402http.SendOptions{MaxAmount: *maxAmount}
	if *networks != "" {
		opts.PreferredNetworks = strings.Split(*networks, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := client.Send(ctx, target, reqInit, opts)
	if err != nil {
		reportError(err)
		os.Exit(1)
	}
	defer result.Response.Body.Close()

	if *showReceipt && result.PaymentReceipt != nil {
		receipt, _ := json.MarshalIndent(result.PaymentReceipt, "", "  ")
		fmt.Fprintf(os.Stderr, "%s\n", receipt)
	}

	if _, err := io.Copy(os.Stdout, result.Response.Body); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read response: %v\n", err)
		os.Exit(1)
	}

	// give background registrations a moment to finish
	done := make(chan struct{})
	go func() {
		client.Telemetry().Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.RegisterTimeout):
	}

	if result.Response.StatusCode >= 400 {
		os.Exit(1)
	}
}

func reportError(err error) {
	var pe *x402.PaymentError
	if !errors.As(err, &pe) {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return
	}

	fmt.Fprintf(os.Stderr, "Payment failed [%s]: %s\n", pe.Code, pe.Message)
	if pe.Cause != nil {
		fmt.Fprintf(os.Stderr, "  cause: %v\n", pe.Cause)
	}
	if len(pe.Details) > 0 {
		details, _ := json.MarshalIndent(pe.Details, "  ", "  ")
		fmt.Fprintf(os.Stderr, "  details: %s\n", details)
	}
}
