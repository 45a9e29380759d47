package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service exposes the state of a Node over HTTP, and accepts intents
type Service struct {
	bindAddress string
	node        *node.Node
	registry    registry.Registry
	jwtSecret   string
	logger      *logrus.Entry

	router *gin.Engine
	server *http.Server
}

// NewService creates the HTTP API of a node. The registry is optional. When
// jwtSecret is not empty, the intent routes require a bearer token signed
// with it.
func NewService(bindAddress string,
	n *node.Node,
	reg registry.Registry,
	jwtSecret string,
	logger *logrus.Entry,
) *Service {
	gin.SetMode(gin.ReleaseMode)

	service := Service{
		bindAddress: bindAddress,
		node:        n,
		registry:    reg,
		jwtSecret:   jwtSecret,
		logger:      logger,
		router:      gin.New(),
	}

	service.registerHandlers()

	service.server = &http.Server{
		Addr:              bindAddress,
		Handler:           service.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering murmur API handlers")

	s.router.Use(gin.Recovery(), s.cors)

	s.router.GET("/status", s.GetStatus)
	s.router.GET("/participants", s.GetParticipants)
	s.router.GET("/sessions", s.GetSessions)
	s.router.GET("/quality", s.GetQuality)
	s.router.GET("/transport", s.GetTransport)
	s.router.GET("/channels/:id", s.GetChannel)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	intents := s.router.Group("/")
	if s.jwtSecret != "" {
		intents.Use(JWTAuth(s.jwtSecret))
	}
	intents.POST("/join", s.Join)
	intents.POST("/leave", s.Leave)
	intents.POST("/mute", s.Mute)
	intents.POST("/transport", s.SwitchTransport)
}

func (s *Service) cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Next()
}

// Handler returns the http.Handler serving the API
func (s *Service) Handler() http.Handler {
	return s.router
}

// Serve calls ListenAndServe. This is a blocking call. It returns at once
// if Shutdown was already called.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving murmur API")

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error(err)
	}
}

// Shutdown stops a server started with Serve
func (s *Service) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// GetStatus ...
func (s *Service) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.GetStats())
}

// GetParticipants ...
func (s *Service) GetParticipants(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Participants())
}

// GetSessions ...
func (s *Service) GetSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Sessions())
}

// GetQuality ...
func (s *Service) GetQuality(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Quality())
}

// GetTransport ...
func (s *Service) GetTransport(c *gin.Context) {
	c.JSON(http.StatusOK, TransportResponse{
		Active:    s.node.ActiveTransport(),
		Available: s.node.Transports(),
		Connected: s.node.Connected(),
	})
}

// GetChannel returns the registry record of a channel
func (s *Service) GetChannel(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no registry"})
		return
	}

	info, err := s.registry.GetChannelInfo(c.Request.Context(), c.Param("id"))
	if errors.Is(err, registry.ErrChannelNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Reading channel")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, info)
}

// Join makes the node join a channel. The registry is updated first, on a
// best-effort basis: an unreachable registry does not prevent the join.
func (s *Service) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	if s.registry != nil {
		// The registry only counts the participants of the current channel
		if prev := s.node.Channel(); prev != "" && prev != req.Channel {
			if err := s.registry.LeaveChannel(ctx, prev); err != nil {
				s.logger.WithError(err).WithField("channel", prev).Debug("Registry leave failed")
			}
		}

		_, err := registry.JoinOrCreate(ctx, s.registry, req.Channel, req.Name)
		switch {
		case errors.Is(err, registry.ErrChannelInactive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			s.logger.WithError(err).WithField("channel", req.Channel).Warn("Registry unavailable, joining anyway")
		}
	}

	if err := s.node.JoinChannel(ctx, req.Channel); err != nil {
		s.logger.WithError(err).WithField("channel", req.Channel).Error("Join failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"channel": req.Channel})
}

// Leave makes the node leave its channel
func (s *Service) Leave(c *gin.Context) {
	ctx := c.Request.Context()
	channel := s.node.Channel()

	err := s.node.LeaveChannel(ctx)
	if errors.Is(err, node.ErrNotJoined) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.registry != nil && channel != "" {
		if err := s.registry.LeaveChannel(ctx, channel); err != nil {
			s.logger.WithError(err).WithField("channel", channel).Debug("Registry leave failed")
		}
	}

	c.JSON(http.StatusOK, gin.H{"channel": channel})
}

// Mute toggles the local audio
func (s *Service) Mute(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"muted": s.node.ToggleMute()})
}

// SwitchTransport makes another transport active
func (s *Service) SwitchTransport(c *gin.Context) {
	var req TransportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.node.SwitchTransport(c.Request.Context(), req.Name)
	if errors.Is(err, signal.ErrUnknownTransport) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, TransportResponse{
		Active:    s.node.ActiveTransport(),
		Available: s.node.Transports(),
		Connected: s.node.Connected(),
	})
}
