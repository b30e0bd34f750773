package providers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/hub"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
	"github.com/gofiber/fiber/v3"
)

// publishRequest is the body of POST /ws/publish. A client id makes it a
// unicast, a channel limits it to that channel's subscribers; otherwise the
// message is broadcast to every connected client.
type publishRequest struct {
	Type     string `json:"type"`
	Data     any    `json:"data"`
	ClientID string `json:"client_id"`
	Channel  string `json:"channel"`
}

// RegisterRoutes registers the HTTP info, query and publish routes via Fiber.
// The WebSocket upgrade itself is served by FastHTTPHandler.
func (p *SocketPlugin) RegisterRoutes(group fiber.Router) {
	group.Get("/health", p.handleHealth)
	group.Get("/ws/info", p.withHub(p.handleInfo))
	group.Get("/ws/stats", p.withHub(p.handleStats))
	group.Get("/ws/clients", p.withHub(p.handleClients))
	group.Get("/ws/clients/:id", p.withHub(p.handleClient))
	group.Delete("/ws/clients/:id", p.withHub(p.handleDisconnect))
	group.Get("/ws/channels", p.withHub(p.handleChannels))
	group.Post("/ws/publish", p.withHub(p.handlePublish))
}

// withHub answers 503 until the plugin has been activated once.
func (p *SocketPlugin) withHub(next fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) error {
		if p.Service() == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody("inactive", "websocket plugin is not active"))
		}
		return next(c)
	}
}

func errorBody(code, message string) fiber.Map {
	return fiber.Map{"error": code, "message": message}
}

func (p *SocketPlugin) handleHealth(c fiber.Ctx) error {
	h := p.Hub()
	if h == nil || h.State() != hub.StateRunning {
		state := "inactive"
		if h != nil {
			state = h.State().String()
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "state": state})
	}
	return c.JSON(fiber.Map{
		"status":  "ok",
		"state":   h.State().String(),
		"clients": h.ClientCount(),
		"sources": p.Sources(),
	})
}

func (p *SocketPlugin) handleInfo(c fiber.Ctx) error {
	h := p.Hub()
	return c.JSON(fiber.Map{
		"websocket":       true,
		"endpoint":        "/ws",
		"server_version":  p.cfg.ServerVersion,
		"clients":         h.ClientCount(),
		"max_connections": h.MaxConnections(),
		"queue_depth":     h.QueueDepth(),
		"features": types.Features{
			Compression:              p.cfg.Compression,
			Batching:                 p.cfg.BatchSize > 1,
			HeartbeatIntervalSeconds: p.cfg.HeartbeatInterval,
		},
	})
}

func (p *SocketPlugin) handleStats(c fiber.Ctx) error {
	return c.JSON(p.Service().GetStats())
}

func (p *SocketPlugin) handleClients(c fiber.Ctx) error {
	svc := p.Service()
	clients := svc.GetConnectedClients()
	infos := make([]*types.ClientInfo, 0, len(clients))
	for _, id := range clients {
		// clients may leave between the listing and the lookup
		if info, err := svc.GetClientInfo(id); err == nil {
			infos = append(infos, info)
		}
	}
	return c.JSON(fiber.Map{
		"clients": infos,
		"count":   len(infos),
	})
}

func (p *SocketPlugin) handleChannels(c fiber.Ctx) error {
	channels := p.Service().GetChannels()
	return c.JSON(fiber.Map{
		"channels": channels,
		"count":    len(channels),
	})
}

func (p *SocketPlugin) handleClient(c fiber.Ctx) error {
	info, err := p.Service().GetClientInfo(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(errorBody("not_found", err.Error()))
	}
	return c.JSON(info)
}

func (p *SocketPlugin) handleDisconnect(c fiber.Ctx) error {
	if err := p.Service().Disconnect(c.Params("id")); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(errorBody("not_found", err.Error()))
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (p *SocketPlugin) handlePublish(c fiber.Ctx) error {
	var req publishRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody("invalid_body", err.Error()))
	}

	// a full queue blocks the producer, bounded here by the write timeout
	ctx, cancel := context.WithTimeout(c.Context(), p.cfg.WriteDeadline())
	defer cancel()

	svc := p.Service()
	if req.ClientID != "" {
		if err := svc.SendToClient(ctx, req.ClientID, req.Type, req.Data); err != nil {
			return publishError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true, "client_id": req.ClientID})
	}

	var id string
	var err error
	if req.Channel != "" {
		id, err = svc.PublishChannel(ctx, req.Channel, req.Type, req.Data)
	} else {
		id, err = svc.Publish(ctx, req.Type, req.Data)
	}
	if err != nil {
		return publishError(c, err)
	}
	// an empty id means nobody was listening
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"queued":       id != "",
		"broadcast_id": id,
		"channel":      req.Channel,
	})
}

func publishError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, hub.ErrClientNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorBody("not_found", err.Error()))
	case errors.Is(err, hub.ErrShutdownInProgress):
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody("shutting_down", err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody("queue_full", err.Error()))
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody("publish_failed", err.Error()))
	}
}
