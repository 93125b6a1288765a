package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

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

	shutdownObs, _ := obs.Init("notify-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR empty: the stream queue mode requires redis")
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

	trackTTL := track.TrackTTL()
	tracker := track.NewRedisSentTracker(rdb, trackTTL)
	processed := track.NewRedisProcessedSet(rdb, trackTTL)
	lock := redislock.New(rdb, readEnvDefault("NOTIFY_JOB_LOCK_PREFIX", "pn:lock:notifyjob:"))

	tmpRoot := readEnvDefault("TMP_ROOT", "./tmp")
	ctl := notify.NewController(jobStore, tracker, processed, chatClient, lock, ossSt, tmpRoot)
	notify.NewService(ctl, q).RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	log.Printf("notify-api listening on %s", addr)
	if err := http.ListenAndServe(addr, obs.WrapHTTP("notify-api", mux)); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
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
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
