package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"arrival-agent/internal/config"
	"arrival-agent/internal/journal"
	"arrival-agent/internal/position"
	"arrival-agent/internal/session"
	"arrival-agent/internal/snapshot"
	"arrival-agent/internal/stream"
	"arrival-agent/internal/transport"
)

type Server struct {
	App     *fiber.App
	Cfg     config.Config
	Engine  *session.Engine
	Source  *position.ChannelSource
	Stream  *stream.Hub
	Journal *journal.Journal
}

// NewServer assembles the agent: snapshot store, event transport, transition
// journal, stream hub and the engine, all exposed over one local fiber app.
// Redis and postgres are optional; without redis the snapshot store falls
// back to memory and crash recovery only survives in-process restarts.
func NewServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	var store snapshot.Store
	if redisClient != nil {
		store = snapshot.NewRedisStore(redisClient)
	} else {
		store = snapshot.NewMemoryStore()
	}

	source := position.NewChannelSource()
	sender := transport.NewClient(cfg.APIBaseURL, cfg.DeviceID)
	hub := stream.NewHub(redisClient)

	var jrnl *journal.Journal
	if pool != nil {
		jrnl = journal.New(pool)
	}

	s := &Server{
		App:     app,
		Cfg:     cfg,
		Engine:  session.NewEngine(cfg, store, sender, source, jrnl, hub),
		Source:  source,
		Stream:  hub,
		Journal: jrnl,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "state": s.Engine.Status().State})
	})

	session.RegisterRoutes(s.App.Group("/arrival"), s.Engine)
	position.RegisterRoutes(s.App.Group("/position"), s.Source)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)

	s.App.Get("/arrival/journal/:sessionID", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 50)
		entries, err := s.Journal.Recent(c.Context(), c.Params("sessionID"), limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"entries": entries})
	})
}
