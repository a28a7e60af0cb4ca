// Package server receives Mailchimp webhooks and runs the scheduled cron
// batches of the served sync configurations.
package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/storage"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/sync"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	log "github.com/sirupsen/logrus"
)

type EventHandler interface {
	HandleMailchimpEvent(ctx context.Context, event *sync.Event) error
}

type EndpointStore interface {
	EndpointBySecret(ctx context.Context, secret string) (*storage.Endpoint, error)
}

// HandlerFactory builds the event handler for a sync configuration.
type HandlerFactory func(configName string) (EventHandler, error)

type Server struct {
	app       *fiber.App
	endpoints EndpointStore
	handlers  HandlerFactory
	log       *log.Logger
}

func New(endpoints EndpointStore, handlers HandlerFactory, logger *log.Logger) *Server {
	s := &Server{endpoints: endpoints, handlers: handlers, log: logger}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	// Mailchimp validates a webhook url with a GET before saving it.
	s.app.Get("/webhook/:secret", s.validateWebhook)
	s.app.Post("/webhook/:secret", s.receiveWebhook)

	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	s.log.Infof("listening for webhooks on %s", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) endpoint(c *fiber.Ctx) (*storage.Endpoint, error) {
	endpoint, err := s.endpoints.EndpointBySecret(c.UserContext(), c.Params("secret"))
	if syncerr.IsNotFound(err) {
		return nil, fiber.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return endpoint, nil
}

func (s *Server) validateWebhook(c *fiber.Ctx) error {
	if _, err := s.endpoint(c); err != nil {
		return err
	}
	return c.SendString("ok")
}

func (s *Server) receiveWebhook(c *fiber.Ctx) error {
	endpoint, err := s.endpoint(c)
	if err != nil {
		return err
	}

	event, err := sync.ParseEventBody(c.Body())
	if err != nil {
		s.log.Warnf("rejecting webhook for %s: %s", endpoint.ConfigName, err)
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	handler, err := s.handlers(endpoint.ConfigName)
	if err != nil {
		return err
	}

	s.log.Debugf("received %s webhook for %s", event.Type, endpoint.ConfigName)

	if err := handler.HandleMailchimpEvent(c.UserContext(), event); err != nil {
		s.log.Warnf("%s webhook for %s failed: %s", event.Type, endpoint.ConfigName, err)
		return err
	}

	return c.SendString("ok")
}
