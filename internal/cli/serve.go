package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/projection"
	"github.com/getpup/pupledger/es/projection/runner"
	"github.com/getpup/pupledger/es/publisher"
	"github.com/getpup/pupledger/es/relay"
	"github.com/getpup/pupledger/es/relay/kafka"
	"github.com/getpup/pupledger/es/relay/rabbitmq"
	"github.com/getpup/pupledger/internal/httpapi"
)

// NewServeCommand creates the serve command.
func NewServeCommand(root *RootOptions) *cobra.Command {
	var (
		addr    string
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the enabled relays",
		Long: `Serves the ledger over HTTP. When relay.kafka.enabled or relay.rabbitmq.enabled
is set, committed events are forwarded to the broker from a durable cursor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			if migrate {
				if err := a.db.Migrate(ctx, a.cfg.Tables); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			relays, closeRelays, err := a.relayRunners()
			if err != nil {
				return err
			}
			defer closeRelays()

			return a.serve(ctx, addr, relays)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address; defaults to http.addr")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")

	return cmd
}

// serve runs the HTTP server and the relays until ctx is done or one of
// them fails.
func (a *app) serve(ctx context.Context, addr string, relays []runner.ProjectionRunner) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := httpapi.NewServer(a.ledger, httpapi.WithLogger(a.logger))

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.Run(ctx, addr)
	}()
	waiting := 1
	if len(relays) > 0 {
		waiting++
		go func() {
			errCh <- runner.New().Run(ctx, relays)
		}()
	}

	var firstErr error
	for ; waiting > 0; waiting-- {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

// relayRunners builds a processor per enabled sink. Each processor is woken
// by the in-process publisher so relays follow local appends without
// waiting for the poll interval.
func (a *app) relayRunners() ([]runner.ProjectionRunner, func(), error) {
	var (
		runners []runner.ProjectionRunner
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	add := func(name string, sink relay.Sink) {
		config := a.cfg.ProcessorConfig()
		config.Logger = a.logger
		processor := projection.NewProcessor(a.ledger, &config)
		closers = append(closers, a.publisher.Subscribe(publisher.Wildcard, func(context.Context, es.Event) error {
			processor.Notify()
			return nil
		}))
		runners = append(runners, runner.ProjectionRunner{
			Projection: relay.New(name, sink, relay.WithLogger(a.logger)),
			Processor:  processor,
		})
	}

	if kafkaConfig := a.cfg.KafkaSink(); kafkaConfig.Enabled {
		sink, err := kafka.NewSink(kafkaConfig)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("kafka relay: %w", err)
		}
		closers = append(closers, sink.Close)
		add(a.cfg.Relay.Kafka.Subscription, sink)
	}

	if rabbitConfig := a.cfg.RabbitMQSink(); rabbitConfig.Enabled {
		sink, err := rabbitmq.Dial(rabbitConfig)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("rabbitmq relay: %w", err)
		}
		closers = append(closers, func() { _ = sink.Close() })
		add(a.cfg.Relay.RabbitMQ.Subscription, sink)
	}

	return runners, closeAll, nil
}
