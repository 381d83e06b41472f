package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/clock/system"
	"github.com/capfirst/capvault/internal/id/uuid"
	"github.com/capfirst/capvault/internal/session"
)

func newCaptureCmd() *cobra.Command {
	var (
		runName string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "capture [urls...]",
		Short: "Fetch URLs once and durably record bytes, manifest, and index.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sess, err := session.Start(cmd.Context(), runName,
				st.Blobs, st.Manifests, st.Catalog, st.Locks,
				system.New(), uuid.New(),
				session.Config{Tool: capture.ToolInfo{
					Name:    cfg.Capture.ToolName,
					Version: cfg.Capture.ToolVersion,
				}},
				logger)
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: timeout}
			for _, url := range args {
				res := fetch(cmd.Context(), client, url)
				if _, _, err := sess.Capture(cmd.Context(), res); err != nil {
					// Persistence failures are fatal: the point of the
					// tool is that a fetch read once is never lost.
					return fmt.Errorf("record %s: %w", url, err)
				}
			}

			run, err := sess.Finalize(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	cmd.Flags().StringVar(&runName, "run", "adhoc", "run name for this batch")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-URL fetch timeout")
	return cmd
}

// fetch is the external producer side of the capture contract: it reads
// the network exactly once and hands the core a completed response.
// Fetch failures (timeouts, DNS, cancellation) come back as results
// with Error set; they are captured as data, never raised.
func fetch(ctx context.Context, client *http.Client, url string) capture.FetchResult {
	start := time.Now().UTC()
	res := capture.FetchResult{URL: url, FinalURL: url, Start: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Error = err.Error()
		res.End = time.Now().UTC()
		return res
	}
	res.RequestHeaders = req.Header

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			res.Error = "cancelled"
		} else {
			res.Error = err.Error()
		}
		res.End = time.Now().UTC()
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	res.End = time.Now().UTC()
	if err != nil {
		res.Error = fmt.Sprintf("read body: %v", err)
		logger.Warn("body read failed", zap.String("url", url), zap.Error(err))
	}
	res.StatusCode = resp.StatusCode
	res.ResponseHeaders = resp.Header
	res.Body = body
	res.ContentType = resp.Header.Get("Content-Type")
	if resp.Request != nil && resp.Request.URL != nil {
		res.FinalURL = resp.Request.URL.String()
	}
	return res
}
