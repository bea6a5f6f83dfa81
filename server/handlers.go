package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	cerrors "chat-core/errors"
)

type mintTokenRequest struct {
	UserID string `json:"userID" validate:"required"`
}

type createUserRequest struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
}

type renameUserRequest struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
}

type createChatroomRequest struct {
	ParticipantIDs []string `json:"participantIDs" validate:"required,min=1,dive,required"`
}

type postMessageRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

// parse decodes and validates a JSON body.
func (s *Server) parse(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed body"})
	}
	if err := s.validate.Struct(dst); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return nil
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("userID").(string)
	return id
}

// mintToken is the opaque AuthProvider's issuing surface. Credential
// verification itself stays outside the core.
func (s *Server) mintToken(c *fiber.Ctx) error {
	var req mintTokenRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	token, err := s.tokens.Mint(req.UserID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{"token": token})
}

func (s *Server) createUser(c *fiber.Ctx) error {
	var req createUserRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	user, err := s.users.CreateUser(c.Context(), userID(c), req.Name)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

func (s *Server) listUsers(c *fiber.Ctx) error {
	users, err := s.users.ListUsers(c.Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(users)
}

func (s *Server) renameUser(c *fiber.Ctx) error {
	var req renameUserRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	user, err := s.users.RenameUser(c.Context(), userID(c), req.Name)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(user)
}

// createChatroom always includes the caller in the participant set, like
// the client it replaces did. A partial membership failure still created
// the chatroom, so the record is returned alongside the error.
func (s *Server) createChatroom(c *fiber.Ctx) error {
	var req createChatroomRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	participants := append(req.ParticipantIDs, userID(c))
	room, err := s.rooms.CreateChatroom(c.Context(), participants)
	if errors.Is(err, cerrors.ErrPartialFailure) {
		return c.Status(fiber.StatusMultiStatus).JSON(fiber.Map{
			"chatroom": room,
			"error":    err.Error(),
		})
	}
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(room)
}

func (s *Server) getChatroom(c *fiber.Ctx) error {
	room, err := s.rooms.GetChatroom(c.Context(), c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if !room.HasParticipant(userID(c)) {
		return s.respondError(c, cerrors.ErrForbidden)
	}
	return c.JSON(room)
}

func (s *Server) deleteChatroom(c *fiber.Ctx) error {
	room, err := s.rooms.GetChatroom(c.Context(), c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if !room.HasParticipant(userID(c)) {
		return s.respondError(c, cerrors.ErrForbidden)
	}

	err = s.rooms.DeleteChatroom(c.Context(), room.ID)
	if errors.Is(err, cerrors.ErrPartialFailure) {
		return c.Status(fiber.StatusMultiStatus).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return s.respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) postMessage(c *fiber.Ctx) error {
	var req postMessageRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	msg, err := s.rooms.AppendMessage(c.Context(), c.Params("id"), userID(c), req.Text)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// mostRecentMessage returns the preview line. The preview quotes message
// content, so it is guarded like the full record.
func (s *Server) mostRecentMessage(c *fiber.Ctx) error {
	room, err := s.rooms.GetChatroom(c.Context(), c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if !room.HasParticipant(userID(c)) {
		return s.respondError(c, cerrors.ErrForbidden)
	}
	return c.JSON(fiber.Map{"text": room.MostRecentMessage()})
}
