package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alex-pricope/ranked-polls/api/controllers"
	"github.com/alex-pricope/ranked-polls/api/transport"
	"github.com/alex-pricope/ranked-polls/auth"
	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/alex-pricope/ranked-polls/polls"
	"github.com/alex-pricope/ranked-polls/realtime"
	"github.com/alex-pricope/ranked-polls/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	config *Config
}

func NewServer(config *Config) *Server {
	return &Server{
		config: config,
	}
}

// Start serves until ctx is cancelled, then shuts the HTTP server down.
func (s *Server) Start(ctx context.Context) error {
	store, err := s.newStorage(ctx)
	if err != nil {
		return err
	}
	if sweeper, ok := store.(storage.Sweeper); ok {
		go storage.RunSweeper(ctx, sweeper, s.config.SweepInterval)
	}

	engine := s.newEngine(store)
	return startLocal(ctx, engine, s.config.Port)
}

func (s *Server) newEngine(store storage.PollStorage) *gin.Engine {
	ginMode := gin.ReleaseMode
	if s.config.LoggingConfig.Level == "debug" {
		ginMode = gin.DebugMode
	}
	corsPolicy := transport.NewCORS(s.config.ClientOrigins)
	r := transport.NewRouter(ginMode, corsPolicy)

	tokens := auth.NewTokenIssuer(s.config.JWTSecret)
	service := polls.NewService(store, tokens, s.config.AutoClose)

	//Register controllers
	pollsController := controllers.NewPollsController(service, tokens)
	pollsController.RegisterRoutes(r)
	gateway := realtime.NewGateway(service, tokens, realtime.NewRegistry(), transport.WebsocketOriginCheck(corsPolicy))
	gateway.RegisterRoutes(r)

	return r
}

func (s *Server) newStorage(ctx context.Context) (storage.PollStorage, error) {
	ttl := s.config.Duration
	logging.Log.Infof("Using %s poll storage, polls live for %s", s.config.Backend, ttl)

	switch s.config.Backend {
	case BackendMemory:
		return storage.NewMemoryPollStorage(ttl), nil

	case BackendDynamoDB:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logging.Log.Errorf("failed to load AWS config: %v", err)
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if s.config.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(s.config.DynamoEndpoint)
			}
		})
		store := &storage.DynamoPollStorage{
			Client:    client,
			TableName: s.config.TableName,
			TTL:       ttl,
		}
		if s.config.CreateTable {
			if err := store.EnsureTable(ctx); err != nil {
				return nil, fmt.Errorf("ensure table %s: %w", s.config.TableName, err)
			}
		}
		return store, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     s.config.RedisAddress,
			Password: s.config.RedisPassword,
			DB:       s.config.RedisDB,
		})
		if err := client.WithContext(ctx).Ping().Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", s.config.RedisAddress, err)
		}
		return &storage.RedisPollStorage{Client: client, TTL: ttl}, nil

	case BackendPostgres:
		db, err := gorm.Open(postgres.Open(s.config.PostgresDSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		store := &storage.PostgresPollStorage{DB: db, TTL: ttl}
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate polls table: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.config.Backend)
	}
}

// startLocal runs a normal HTTP server until ctx is done.
func startLocal(ctx context.Context, engine *gin.Engine, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logging.Log.Info(fmt.Sprintf("Starting server on http://localhost:%d", port))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
