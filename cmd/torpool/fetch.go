package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/torpool/internal/circuit"
	"github.com/nao1215/torpool/internal/config"
	"github.com/nao1215/torpool/internal/fault"
	"github.com/nao1215/torpool/internal/report"
	"github.com/nao1215/torpool/internal/tor"
	"github.com/spf13/cobra"
)

// defaultRequests is the number of requests `torpool fetch` makes.
const defaultRequests = 10

// maxBodyBytes caps how much of each response is read.
const maxBodyBytes = 10 << 20

// errAllRequestsFailed is returned when not a single request succeeded.
var errAllRequestsFailed = errors.New("all requests failed")

// newFetchCmd creates the fetch command.
func newFetchCmd(poolOpts []circuit.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL repeatedly through the circuit pool",
		Long: `Fetch starts a circuit pool and requests the URL through it, spreading the
requests over the circuits round robin. A request answered with 403 or 429 is
treated as blocked: the circuit gets a new identity and the request is retried
on the next circuit.

Examples:
  # Ten requests through three circuits
  torpool fetch https://check.torproject.org/

  # 100 requests, 5 circuits rotating every 10 successes, Markdown report
  torpool fetch -r 100 -n 5 -q 10 --markdown -o report.md http://example.onion/

  # Expose Prometheus metrics while running
  torpool fetch --metrics-addr 127.0.0.1:9464 https://example.com/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetchCmd(cmd, args, poolOpts)
		},
	}

	cmd.Flags().IntP("requests", "r", defaultRequests, "Number of requests to make")
	cmd.Flags().IntP("concurrency", "C", config.DefaultConcurrency, "Number of requests in flight")
	cmd.Flags().Int("retries", config.DefaultRetries, "Attempts per request, each on the next circuit")
	addPoolFlags(cmd)
	addOutputFlags(cmd)

	return cmd
}

// runFetchCmd executes the fetch command.
func runFetchCmd(cmd *cobra.Command, args []string, poolOpts []circuit.Option) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	requests, err := cmd.Flags().GetInt("requests")
	if err != nil {
		return err
	}
	if requests < 1 {
		return fmt.Errorf("requests must be at least 1, got %d", requests)
	}
	target, err := tor.ValidateTarget(args[0])
	if err != nil {
		return err
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := runFetch(ctx, cfg, target.String(), requests, logger, poolOpts)
	if err != nil {
		return err
	}

	if err := writeReport(cmd, func(w report.Writer) error {
		_, err := w.WriteFetch(summary)
		return err
	}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if summary.Succeeded == 0 {
		return fmt.Errorf("%w: %d of %d", errAllRequestsFailed, summary.Failed, summary.Requests)
	}
	return nil
}

// runFetch starts the pool, makes the requests and summarizes them.
func runFetch(ctx context.Context, cfg *config.Config, target string, requests int, logger *slog.Logger, poolOpts []circuit.Option) (*report.FetchSummary, error) {
	sess, err := openSession(ctx, cfg, "fetch", logger)
	if err != nil {
		return nil, err
	}
	defer sess.close(context.WithoutCancel(ctx))

	pool, err := circuit.New(ctx, cfg.ToCircuitConfig(), append(sess.poolOptions(), poolOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to start circuit pool: %w", err)
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("failed to stop circuit pool", "error", err)
		}
	}()
	sess.attach(ctx, pool)

	policy := cfg.RetryPolicy()
	policy.NonRetryable = []fault.Kind{fault.KindClientNotInitialized}
	policy.Logger = logger
	ex := circuit.WithRetry(pool, policy)

	summary := &report.FetchSummary{
		Target:    target,
		SessionID: sess.id(),
		StartedAt: time.Now(),
	}
	results := circuit.Batch(ctx, ex, make([]struct{}, requests),
		func(ctx context.Context, ep *circuit.Endpoint, _ struct{}) (page, error) {
			return fetchOnce(ctx, ep, target)
		},
		circuit.WithConcurrency(cfg.Concurrency),
		circuit.WithBatchLogger(logger),
		circuit.WithResultCallback(func(index int, err error) {
			if err != nil {
				logger.Info("request failed", "request", index, "error", err)
			}
		}),
	)
	summary.Elapsed = time.Since(summary.StartedAt)

	for _, r := range results {
		summary.Record(r.Err, circuit.IsBlocked(r.Err))
		if r.Err == nil {
			summary.Bytes += r.Value.size
			if summary.Title == "" {
				summary.Title = r.Value.title
			}
		}
	}
	summary.Circuits = report.NewCircuitStatuses(pool.Snapshot())
	return summary, nil
}

// fetchOnce GETs target through ep. Non-2xx responses are returned as
// *circuit.StatusError.
func fetchOnce(ctx context.Context, ep *circuit.Endpoint, target string) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return page{}, err
	}
	resp, err := ep.HTTPClient().Do(req)
	if err != nil {
		return page{}, err
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	n, err := io.Copy(&body, io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return page{size: n}, &circuit.StatusError{Code: resp.StatusCode, URL: target}
	}
	if err != nil {
		return page{size: n}, fmt.Errorf("failed to read response: %w", err)
	}

	p := page{size: n}
	if isHTML(resp.Header.Get("Content-Type")) {
		p.title = pageTitle(&body)
	}
	return p, nil
}
