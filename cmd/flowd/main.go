package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/pitchlane/flow/engine"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/store/inmem"
	"github.com/pitchlane/flow/engine/telemetry"
	mongostore "github.com/pitchlane/flow/features/store/mongo"
	clientsmongo "github.com/pitchlane/flow/features/store/mongo/clients/mongo"
	pulsestream "github.com/pitchlane/flow/features/stream/pulse"
	clientspulse "github.com/pitchlane/flow/features/stream/pulse/clients/pulse"
	"github.com/pitchlane/flow/httpapi"
	"github.com/pitchlane/flow/workflows"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// daemon.
	var (
		hostF      = flag.String("host", "localhost", "Server host")
		httpPortF  = flag.String("http-port", "8080", "HTTP port")
		storeF     = flag.String("store", "inmem", "Workflow store backend (valid values: inmem, mongo)")
		mongoURIF  = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI (store=mongo)")
		mongoDBF   = flag.String("mongo-db", "flow", "MongoDB database name (store=mongo)")
		redisAddrF = flag.String("redis-addr", "", "Redis address for Pulse streaming (empty disables streaming)")
		dbgF       = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-port", V: *httpPortF}, log.KV{K: "store", V: *storeF})

	logger := telemetry.NewClueLogger()

	// Select the workflow store backend. The in-memory store keeps everything
	// in process and is meant for development; Mongo is the durable backend.
	var (
		st      store.Store
		pingers []health.Pinger
	)
	switch *storeF {
	case "inmem":
		st = inmem.New(nil)
		log.Printf(ctx, "using in-memory store; instances will not survive a restart")
	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mc, err := mongodriver.Connect(cctx, mongooptions.Client().ApplyURI(*mongoURIF))
		if err != nil {
			cancel()
			log.Fatalf(ctx, err, "failed to connect to MongoDB at %q", *mongoURIF)
		}
		if err := mc.Ping(cctx, readpref.Primary()); err != nil {
			cancel()
			log.Fatalf(ctx, err, "failed to ping MongoDB at %q", *mongoURIF)
		}
		cancel()
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Printf(ctx, "failed to disconnect from MongoDB: %v", err)
			}
		}()
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: *mongoDBF})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build MongoDB client")
		}
		ms, err := mongostore.New(client, nil)
		if err != nil {
			log.Fatalf(ctx, err, "failed to initialize MongoDB store")
		}
		st = ms
		pingers = append(pingers, client)
	default:
		log.Fatal(ctx, fmt.Errorf("invalid store argument: %q (valid stores: inmem, mongo)", *storeF))
	}

	// Register the workflow catalog and build the engine.
	eng, err := engine.New(st, workflows.All(workflows.Default(logger)),
		engine.WithLogger(logger),
		engine.WithMetrics(telemetry.NewClueMetrics()),
		engine.WithTracer(telemetry.NewClueTracer()),
	)
	if err != nil {
		log.Fatalf(ctx, err, "failed to build engine")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the daemon.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the daemon to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Mirror lifecycle events to Redis and accept inbound events from the
	// Pulse stream when streaming is configured.
	if *redisAddrF != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddrF})
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build Pulse client")
		}
		streams, err := pulsestream.NewStreams(pulsestream.StreamsOptions{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build Pulse streams")
		}
		defer func() {
			if err := streams.Close(context.Background()); err != nil {
				log.Printf(ctx, "failed to close Pulse streams: %v", err)
			}
		}()
		if _, err := eng.Stream().Register(streams.Sink()); err != nil {
			log.Fatalf(ctx, err, "failed to register Pulse sink")
		}
		source, err := streams.NewSource(pulsestream.SourceOptions{Publisher: eng, Logger: logger})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build Pulse source")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Run returns nil when ctx is canceled; only real consumer
			// failures should bring the daemon down.
			if err := source.Run(ctx); err != nil {
				errc <- err
			}
		}()
		pingers = append(pingers, pc)
		log.Printf(ctx, "streaming lifecycle events to Redis at %q", *redisAddrF)
	}

	// Start the engine: reload timers, recover orphaned instances, launch
	// the worker pool.
	if err := eng.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "failed to start engine")
	}

	// Start the HTTP control plane and send errors (if any) to the error
	// channel.
	apiOpts := []httpapi.Option{httpapi.WithLogger(logger), httpapi.WithPingers(pingers...)}
	if *dbgF {
		apiOpts = append(apiOpts, httpapi.WithDebugEndpoints())
	}
	addr := net.JoinHostPort(*hostF, *httpPortF)
	handleHTTPServer(ctx, addr, httpapi.New(eng, apiOpts...), &wg, errc, *dbgF)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	// Drain in-flight resume cycles before letting the process exit.
	eng.Stop()

	wg.Wait()
	log.Printf(ctx, "exited")
}
