package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/editlock-io/editlock/bus"
	"github.com/editlock-io/editlock/httpapi"
	"github.com/editlock-io/editlock/lease"
	"github.com/editlock-io/editlock/lock"
	"github.com/editlock-io/editlock/metrics"
)

var (
	addr          = flag.String("addr", ":8080", "HTTP listen address")
	storeBackend  = flag.String("store", "memory", "Lease store backend: memory or redis")
	busBackend    = flag.String("bus", "memory", "Event bus backend: memory, redis, nats or kafka")
	redisAddr     = flag.String("redis-addr", "127.0.0.1:6379", "Redis address")
	natsURL       = flag.String("nats-url", nats.DefaultURL, "NATS server URL")
	kafkaBrokers  = flag.String("kafka-brokers", "127.0.0.1:9092", "Comma-separated Kafka brokers")
	leaseDuration = flag.Duration("lease", lease.DefaultDuration, "Lease duration granted on acquire")
	sweep         = flag.Duration("sweep", time.Minute, "Expired-lease sweep interval for the memory store")
	trace         = flag.Bool("trace", false, "Emit OpenTelemetry traces to stdout")
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("tracing: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	var redisClient *redis.Client
	needRedis := *storeBackend == "redis" || *busBackend == "redis"
	if needRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer redisClient.Close()
	}

	var store lease.Store
	switch *storeBackend {
	case "memory":
		mem := lease.NewInMemory(lease.WithSweepInterval(*sweep))
		defer mem.Close()
		store = mem
	case "redis":
		store = lease.NewRedis(redisClient)
	default:
		log.Fatalf("unknown store backend %q", *storeBackend)
	}

	var eventBus bus.Bus
	switch *busBackend {
	case "memory":
		eventBus = bus.NewInMemoryBus()
	case "redis":
		eventBus = bus.NewCircuitBreaker(bus.NewRedisBus(redisClient), 5, 30*time.Second)
	case "nats":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer conn.Close()
		eventBus = bus.NewCircuitBreaker(bus.NewNATSBus(conn), 5, 30*time.Second)
	case "kafka":
		cfg := sarama.NewConfig()
		kb, err := bus.NewKafkaBus(strings.Split(*kafkaBrokers, ","), cfg)
		if err != nil {
			log.Fatalf("kafka connect: %v", err)
		}
		defer kb.Close()
		eventBus = bus.NewCircuitBreaker(kb, 5, 30*time.Second)
	default:
		log.Fatalf("unknown bus backend %q", *busBackend)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	mgr := lock.NewManager(store, eventBus, lock.WithDuration(*leaseDuration))
	api := httpapi.NewServer(mgr, eventBus, httpapi.WithRegistry(reg))

	srv := &http.Server{Addr: *addr, Handler: api.Handler()}
	go func() {
		log.Printf("lockd listening on %s (store=%s bus=%s lease=%s)",
			*addr, *storeBackend, *busBackend, *leaseDuration)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
