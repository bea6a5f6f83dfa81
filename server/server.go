// Package server exposes the chat core over HTTP and a WebSocket push
// channel.
package server

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"chat-core/auth"
	"chat-core/directory"
	cerrors "chat-core/errors"
	"chat-core/hub"
	"chat-core/registry"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	log      *slog.Logger
	app      *fiber.App
	tokens   *auth.JWTProvider
	users    directory.IUserDirectory
	rooms    registry.IChatroomRegistry
	hub      *hub.Hub
	validate *validator.Validate
}

func New(log *slog.Logger, tokens *auth.JWTProvider, users directory.IUserDirectory,
	rooms registry.IChatroomRegistry, h *hub.Hub) *Server {
	s := &Server{
		log:      log,
		app:      fiber.New(fiber.Config{DisableStartupMessage: true}),
		tokens:   tokens,
		users:    users,
		rooms:    rooms,
		hub:      h,
		validate: validator.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Post("/auth/token", s.mintToken)

	s.app.Post("/users", s.requireAuth, s.createUser)
	s.app.Get("/users", s.requireAuth, s.listUsers)
	s.app.Patch("/users", s.requireAuth, s.renameUser)

	s.app.Post("/chatrooms", s.requireAuth, s.createChatroom)
	s.app.Get("/chatrooms/:id", s.requireAuth, s.getChatroom)
	s.app.Delete("/chatrooms/:id", s.requireAuth, s.deleteChatroom)
	s.app.Post("/chatrooms/:id/messages", s.requireAuth, s.postMessage)
	s.app.Get("/chatrooms/:id/recent", s.requireAuth, s.mostRecentMessage)

	s.app.Get("/subscribe", s.requireAuth, s.upgradeRequired, websocket.New(s.subscribe))
}

// Listen blocks serving the API until Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}

// App exposes the Fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// requireAuth authenticates the bearer token and stores the caller's user
// id in the request locals. WebSocket clients cannot always set headers,
// so a token query parameter is accepted as a fallback.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	credentials := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if credentials == "" {
		credentials = c.Query("token")
	}
	if credentials == "" {
		return s.respondError(c, cerrors.ErrAuthFailed)
	}

	userID, err := s.tokens.Authenticate(credentials)
	if err != nil {
		return s.respondError(c, err)
	}
	c.Locals("userID", userID)
	return c.Next()
}

func (s *Server) upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) respondError(c *fiber.Ctx, err error) error {
	status := cerrors.MapToHTTPStatus(err)
	if status == fiber.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
