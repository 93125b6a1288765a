package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"notifybot/chat"
	"notifybot/notify"
	"notifybot/obs"
	"notifybot/ossstore"
	"notifybot/redislock"
	"notifybot/store"
	"notifybot/streamq"
	"notifybot/track"
)

func main() {
	_ = godotenv.Load()

	shutdownObs, _ := obs.Init("notify-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR empty")
	}

	jobStore, err := store.NewRedisNotifyJobStore(redisAddr, os.Getenv("REDIS_PASSWORD"))
	if err != nil {
		log.Fatalf("init redis store failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       readEnvIntDefault("REDIS_DB", 0),
	})

	var ossSt *ossstore.Store
	if st, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		ossSt = st
		log.Printf("oss store enabled bucket=%s prefix=%s", strings.TrimSpace(os.Getenv("OSS_BUCKET")), strings.TrimSpace(os.Getenv("OSS_PREFIX")))
	}

	chatClient, err := chat.NewFromEnv()
	if err != nil {
		log.Fatalf("init chat client failed: %v", err)
	}

	streamKey := readEnvDefault("NOTIFY_STREAM_KEY", "pn:notifyjobs:stream")
	group := readEnvDefault("NOTIFY_STREAM_GROUP", "pn-notify")
	maxLen := int64(readEnvIntDefault("NOTIFY_STREAM_MAXLEN", 100000))

	q := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)
	ctx, cancel := signalContext()
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	trackTTL := track.TrackTTL()
	tracker := track.NewRedisSentTracker(rdb, trackTTL)
	processed := track.NewRedisProcessedSet(rdb, trackTTL)
	lock := redislock.New(rdb, readEnvDefault("NOTIFY_JOB_LOCK_PREFIX", "pn:lock:notifyjob:"))

	tmpRoot := readEnvDefault("TMP_ROOT", "./tmp")
	ctl := notify.NewController(jobStore, tracker, processed, chatClient, lock, ossSt, tmpRoot)
	worker := notify.NewWorker(ctl, lock, tmpRoot)

	consumerName := strings.TrimSpace(os.Getenv("WORKER_CONSUMER_NAME"))
	if consumerName == "" {
		consumerName = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}
	cons := streamq.NewConsumer(rdb, streamKey, group, consumerName)
	cons.SetConcurrency(readEnvIntDefault("STREAM_CONCURRENCY", 4))
	log.Printf("notify-worker start stream=%s group=%s consumer=%s", streamKey, group, consumerName)

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	// Temp artifacts for jobs that expired from the store are orphans.
	janitorEvery := readEnvDurationSecondsDefault("NOTIFY_JANITOR_INTERVAL_SECONDS", 30*time.Minute)
	go worker.RunJanitor(ctx, janitorEvery, store.JobTTL())

	err = cons.ConsumeLoop(ctx, func(ctx context.Context, ev streamq.FileEvent) error {
		// handler should never crash the loop; failures are surfaced to the
		// channel or kept pending by the consumer.
		return worker.Process(ctx, ev)
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("consume loop exited: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("notify-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
