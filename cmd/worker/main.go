package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/receiptflow/gateway/config"
	"github.com/receiptflow/gateway/engines"
	"github.com/receiptflow/gateway/events"
	"github.com/receiptflow/gateway/queue"
	"github.com/receiptflow/gateway/recognize"
	"github.com/receiptflow/gateway/store"
)

const serviceName = "ocr-worker"

// Config is the top-level configuration of the worker process.
var Config = new(struct {
	Database    config.DatabaseConfig    `group:"Database"`
	Redis       config.RedisConfig       `group:"Redis"`
	Blob        config.BlobConfig        `group:"Blob store"`
	Engines     config.EnginesConfig     `group:"Engines"`
	Recognition config.RecognitionConfig `group:"Recognition"`
	Worker      config.WorkerConfig      `group:"Worker"`
	Log         config.LogConfig         `group:"Logging"`
})

func main() {
	if _, err := flags.NewParser(Config, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}
	config.InitLog(Config.Log)

	if err := run(); err != nil {
		log.WithField("err", err).Fatal("worker failed")
	}
	log.Info("goodbye")
}

func run() error {
	if err := Config.Recognition.Validate(); err != nil {
		return err
	}
	if err := Config.Worker.Validate(); err != nil {
		return err
	}
	var ctx = context.Background()

	db, err := store.Open(ctx, Config.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisOpt, err := redis.ParseURL(Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis URL: %w", err)
	}
	var rdb = redis.NewClient(redisOpt)
	defer rdb.Close()

	blob, err := store.NewBlob(ctx, store.BlobConfig{
		Endpoint:  Config.Blob.Endpoint,
		AccessKey: Config.Blob.AccessKey,
		SecretKey: Config.Blob.SecretKey,
		UseSSL:    Config.Blob.UseSSL,
		Bucket:    Config.Blob.Bucket,
	})
	if err != nil {
		return err
	}

	var cache = store.NewCache(rdb)
	var processor = recognize.NewProcessor(recognize.Processor{
		Aligner:      engines.NewAlignerClient(Config.Engines.AlignerURL, Config.Engines.Timeout),
		Tesseract:    engines.NewTesseractClient(Config.Engines.TesseractURL, "", Config.Engines.Timeout),
		Paddle:       engines.NewPaddleClient(Config.Engines.PaddleURL, Config.Engines.Timeout),
		Images:       store.NewImages(db, cache),
		Recognitions: store.NewRecognitions(db, cache),
		Blob:         blob,
		Cache:        cache,
		Publisher:    events.NewBusPublisher(rdb),
		Config: recognize.Config{
			ThresholdHigh: Config.Recognition.ThresholdHigh,
			ThresholdLow:  Config.Recognition.ThresholdLow,
			DebugMode:     Config.Recognition.DebugMode,
		},
	})

	// Health and metrics for the fleet operator.
	var metricsMux = http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status    string    `json:"status"`
			Service   string    `json:"service"`
			Timestamp time.Time `json:"timestamp"`
		}{"ok", serviceName, time.Now().UTC()})
	})
	go func() {
		var addr = fmt.Sprintf(":%d", Config.Worker.MetricsPort)
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			log.WithField("err", err).Error("metrics server failed")
		}
	}()

	asynqOpt, err := asynq.ParseRedisURI(Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis URL for queue: %w", err)
	}
	var server = queue.NewServer(asynqOpt, Config.Worker.Concurrency)

	var mux = asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRecognize, processor.HandleRecognizeTask)

	log.WithFields(log.Fields{
		"service":     serviceName,
		"concurrency": Config.Worker.Concurrency,
		"queue":       queue.Name,
	}).Info("starting recognition worker")

	// Run blocks until SIGTERM/SIGINT and drains in-flight jobs.
	return server.Run(mux)
}
