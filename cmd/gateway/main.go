package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/receiptflow/gateway/config"
	"github.com/receiptflow/gateway/events"
	"github.com/receiptflow/gateway/ingest"
	"github.com/receiptflow/gateway/queue"
	"github.com/receiptflow/gateway/store"
)

const serviceName = "ocr-gateway"

// Config is the top-level configuration of the gateway process.
var Config = new(struct {
	Server   config.ServerConfig   `group:"Server"`
	Database config.DatabaseConfig `group:"Database"`
	Redis    config.RedisConfig    `group:"Redis"`
	Blob     config.BlobConfig     `group:"Blob store"`
	Log      config.LogConfig      `group:"Logging"`
})

func main() {
	if _, err := flags.NewParser(Config, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}
	config.InitLog(Config.Log)

	if err := run(); err != nil {
		log.WithField("err", err).Fatal("gateway failed")
	}
	log.Info("goodbye")
}

func run() error {
	var ctx = context.Background()

	db, err := store.Open(ctx, Config.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err = store.Migrate(db); err != nil {
		return err
	}

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

	asynqOpt, err := asynq.ParseRedisURI(Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis URL for queue: %w", err)
	}
	var jobs = queue.NewClient(asynqOpt)
	defer jobs.Close()

	var cache = store.NewCache(rdb)
	var images = store.NewImages(db, cache)
	var recognitions = store.NewRecognitions(db, cache)

	var api = &ingest.API{
		Service: &ingest.Service{
			Images:       images,
			Recognitions: recognitions,
			Blob:         blob,
			Cache:        cache,
			Queue:        jobs,
			Publisher:    events.NewBusPublisher(rdb),
		},
		Recognitions: recognitions,
		Images:       images,
		Presigner:    blob,
		ServiceName:  serviceName,
	}

	var server = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Server.Port),
		Handler: api.Router(),
	}

	var errCh = make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"port":    Config.Server.Port,
			"service": serviceName,
		}).Info("starting gateway")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalCh:
		log.WithField("signal", sig).Info("caught signal")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
