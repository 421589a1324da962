package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/server"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

type enqueueOptions struct {
	retailers []string
	query     string
	pages     int
	productID string
	url       string
	timeout   time.Duration
}

// newEnqueueCmd submits jobs straight onto the queue. It only reaches
// workers in other processes when the queue backend is pubsub.
func newEnqueueCmd() *cobra.Command {
	opts := &enqueueOptions{}
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit crawl or product detail jobs to the queue",
		Example: `  coordinator enqueue --retailer amazon --query "running shoes" --pages 3
  coordinator enqueue --retailer amazon --product B0C1234567`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueue(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.retailers, "retailer", nil, "retailer name (repeatable; default all configured)")
	cmd.Flags().StringVar(&opts.query, "query", "", "search query for a crawl job")
	cmd.Flags().IntVar(&opts.pages, "pages", 1, "pages to crawl per retailer")
	cmd.Flags().StringVar(&opts.productID, "product", "", "retailer product id for a detail job")
	cmd.Flags().StringVar(&opts.url, "url", "", "explicit product URL for a detail job")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "publish timeout")
	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *enqueueOptions) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	jobs, err := buildJobs(opts, cfg.Retailers)
	if err != nil {
		return err
	}

	app, err := buildApp(cmd.Context(), cfg, server.ModeProduce)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			app.Logger().Warn("close failed", zap.Error(cerr))
		}
	}()

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, job := range jobs {
		queued, err := app.Enqueue(ctx, job)
		if err != nil {
			return err
		}
		if err := enc.Encode(queued); err != nil {
			return fmt.Errorf("write job: %w", err)
		}
	}
	return nil
}

func buildJobs(opts *enqueueOptions, configured []crawler.Retailer) ([]crawler.ScrapeJob, error) {
	retailers := opts.retailers
	if len(retailers) == 0 {
		for _, r := range configured {
			retailers = append(retailers, r.Name)
		}
	}
	if len(retailers) == 0 {
		return nil, fmt.Errorf("no retailers configured")
	}

	switch {
	case opts.productID != "":
		if len(retailers) != 1 {
			return nil, fmt.Errorf("a product job needs exactly one --retailer")
		}
		return []crawler.ScrapeJob{{
			Kind:       crawler.JobProductDetail,
			Retailer:   retailers[0],
			ExternalID: opts.productID,
			URL:        opts.url,
			Attempt:    1,
		}}, nil
	case strings.TrimSpace(opts.query) != "":
		query := store.NormalizeQuery(opts.query)
		jobs := make([]crawler.ScrapeJob, 0, len(retailers))
		for _, r := range retailers {
			jobs = append(jobs, crawler.ScrapeJob{
				Kind:     crawler.JobCrawlPage,
				Retailer: r,
				Query:    query,
				Pages:    max(opts.pages, 1),
				Attempt:  1,
			})
		}
		return jobs, nil
	default:
		return nil, fmt.Errorf("either --query or --product is required")
	}
}
