package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/commission-ledger/api"
	"github.com/warp/commission-ledger/consumer"
	"github.com/warp/commission-ledger/internal/logger"
)

func newServeCmd(opts *options) *cobra.Command {
	var withConsumer bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return serveHTTP(ctx, a) })
			if withConsumer {
				g.Go(func() error { return runConsumer(ctx, a) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withConsumer, "with-consumer", false, "also consume order.paid and refund.requested from Kafka")
	return cmd
}

func serveHTTP(ctx context.Context, a *app) error {
	log := logger.WithComponent("http")

	handler := api.NewHandler(a.engine, a.directory, a.schedule, a.metrics)
	if p, ok := a.store.(api.Pinger); ok {
		handler.Health = p
	}
	handler.Retries = api.NewRefundRetryScheduler(a.engine)
	handler.Retries.Start()
	defer handler.Retries.Stop()

	server := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func runConsumer(ctx context.Context, a *app) error {
	k := a.cfg.Kafka
	topics := consumer.Topics{Paid: k.PaidTopic, Refund: k.RefundTopic}

	reader := consumer.NewReader(consumer.ReaderConfig{Brokers: k.Brokers, GroupID: k.GroupID, Topics: topics})
	defer reader.Close()

	l := logger.WithComponent("consumer")
	c := consumer.New(a.engine,
		consumer.WithLogger(l),
		consumer.WithObserver(a.metrics),
		consumer.WithTopics(topics),
	)
	l.Info().
		Strs("brokers", k.Brokers).
		Str("group_id", k.GroupID).
		Str("paid_topic", k.PaidTopic).
		Str("refund_topic", k.RefundTopic).
		Msg("consumer starting")
	return c.Run(ctx, reader)
}
