package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/events"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/session"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret     string `mapstructure:"secret"`
		Production bool   `mapstructure:"production"`
		DevBypass  bool   `mapstructure:"dev_bypass"`
	} `mapstructure:"Auth"`
	Persist struct {
		DebounceSeconds      int `mapstructure:"debounce_seconds"`
		PeriodicSeconds      int `mapstructure:"periodic_seconds"`
		Keep                 int `mapstructure:"keep"`
		ShutdownFlushSeconds int `mapstructure:"shutdown_flush_seconds"`
	} `mapstructure:"Persist"`
	Admin struct {
		Token string `mapstructure:"token"`
	} `mapstructure:"Admin"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	// 生产模式下缺签名密钥在这里直接 fatal，而不是逐连接报错
	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Production, cfg.Auth.DevBypass)
	if err != nil {
		log.Fatalf("init auth failed: %v", err)
	}

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	snapshotStore := store.NewSnapshotStore(db)

	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
	}
	dispatcher := events.NewDispatcher(producer, cfg.Kafka.Topic, events.Options{})

	registry := session.NewRegistry(snapshotStore, dispatcher, session.Config{
		Debounce: time.Duration(cfg.Persist.DebounceSeconds) * time.Second,
		Periodic: time.Duration(cfg.Persist.PeriodicSeconds) * time.Second,
		Keep:     cfg.Persist.Keep,
	})
	gateway := ws.NewGateway(registry, verifier, presence, events.NopFanout{})
	admin := handlers.NewAdmin(registry, dispatcher)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	collab := r.Group("/collab")
	collab.GET("/ws", gateway.Connect)
	collab.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok", "sessions": registry.Len()})
	})

	adminGroup := r.Group("/admin", middleware.AdminAuth(cfg.Admin.Token))
	adminGroup.POST("/rooms/:doc/close", admin.CloseRoom)
	adminGroup.POST("/rooms/:doc/broadcast", admin.BroadcastMeta)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	log.Printf("sync server listening on :%d", cfg.Running.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// 协作式退出：先停止接受新连接，再把所有脏会话刷盘。
	// 顺序反了会有窗口：排空期间新建的会话带着未落盘的编辑随进程消失。
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	cancel()

	flushDeadline := 10 * time.Second
	if cfg.Persist.ShutdownFlushSeconds > 0 {
		flushDeadline = time.Duration(cfg.Persist.ShutdownFlushSeconds) * time.Second
	}
	log.Printf("shutting down, flushing sessions (deadline %s)", flushDeadline)
	ctx, cancel = context.WithTimeout(context.Background(), flushDeadline)
	registry.ShutdownAll(ctx)
	cancel()

	dispatcher.Close()
}
