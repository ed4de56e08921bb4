package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/prepverse/guildsync/internal/api"
	"github.com/prepverse/guildsync/internal/assessment"
	"github.com/prepverse/guildsync/internal/attempt"
	"github.com/prepverse/guildsync/internal/event"
	"github.com/prepverse/guildsync/internal/leaderboard"
	"github.com/prepverse/guildsync/internal/poller"
	"github.com/prepverse/guildsync/internal/room"
	"github.com/prepverse/guildsync/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Room struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Attempt struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Assessment struct {
		BaseURL string
		Token   string
	}

	Poll struct {
		IntervalSeconds int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			room    *pgxpool.Pool
			attempt *pgxpool.Pool
		}

		assessment *assessment.Client
	}

	service struct {
		room        *room.Service
		attempt     *attempt.Service
		leaderboard *leaderboard.Service
	}

	poller *poller.Manager

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	s.infra.assessment = assessment.NewClient(assessment.Config{
		BaseURL: s.c.Assessment.BaseURL,
		Token:   s.c.Assessment.Token,
	})

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.room, err = connect(s.c.Postgres.Room.Addr, s.c.Postgres.Room.User, s.c.Postgres.Room.Pass, s.c.Postgres.Room.Name)
	if err != nil {
		return fmt.Errorf("room: %w", err)
	}

	s.infra.postgres.attempt, err = connect(s.c.Postgres.Attempt.Addr, s.c.Postgres.Attempt.User, s.c.Postgres.Attempt.Pass, s.c.Postgres.Attempt.Name)
	if err != nil {
		return fmt.Errorf("attempt: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	s.service.room = room.NewService(room.Config{
		Store:      room.NewPostgresStore(s.infra.postgres.room),
		Assessment: s.infra.assessment,
		EventBus:   s.eb,
	})

	s.service.attempt = attempt.NewService(attempt.Config{
		Store:    attempt.NewPostgresStore(s.infra.postgres.attempt),
		Rooms:    s.service.room,
		EventBus: s.eb,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus:   s.eb,
		Assessment: s.infra.assessment,
		Redis:      s.infra.redis.leaderboard,
		Prefix:     s.c.Redis.Leaderboard.Prefix,
	})

	s.poller = poller.NewManager(poller.Config{
		Rooms:    s.service.room,
		Attempts: s.service.attempt,
		Resolver: s.service.leaderboard,
		EventBus: s.eb,
		Interval: time.Duration(s.c.Poll.IntervalSeconds) * time.Second,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	grpc_health_v1.RegisterHealthServer(s.grpc, health.NewServer())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Room:         s.service.room,
		Attempt:      s.service.attempt,
		Leaderboard:  s.service.leaderboard,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	// Rooms that were active across a restart get their watchers back
	// before traffic lands.
	if err := s.poller.Resume(ctx); err != nil {
		slog.ErrorContext(ctx, "server: resume room watchers failed", "error", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.poller.Stop()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
