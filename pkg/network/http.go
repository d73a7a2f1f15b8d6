package network

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/GrishaVar/publichat/pkg/protocol"
	"github.com/GrishaVar/publichat/pkg/storage"
	"github.com/GrishaVar/publichat/pkg/transport"
)

const robotsTxt = "User-agent: *\nDisallow: /"

// maxRoomList bounds GET /api/v1/rooms
const maxRoomList = 500

// ErrorResponse is the JSON body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RoomResponse describes one room in the API
type RoomResponse struct {
	ChatID    string    `json:"chat_id"`
	FileName  string    `json:"file_name"`
	Records   uint32    `json:"records"`
	Pushes    int64     `json:"pushes,omitempty"`
	LastID    uint32    `json:"last_id,omitempty"`
	FirstSeen time.Time `json:"first_seen,omitempty"`
	LastPush  time.Time `json:"last_push,omitempty"`
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(s.logger))
	router.Use(MaxBodyMiddleware(s.cfg.MaxBodyBytes))

	router.GET("/ws", s.handleWebSocket)
	router.GET("/health", s.handleHealth)
	router.GET("/version", s.handleVersion)
	router.GET("/robots.txt", handleRobots)
	if s.metrics != nil && s.cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/rooms", s.handleListRooms)
		v1.GET("/rooms/:room", s.handleGetRoom)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found"})
	})

	return router
}

// LoggingMiddleware logs every HTTP request at debug level
func LoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"remote":  c.ClientIP(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}

// MaxBodyMiddleware rejects requests whose body exceeds limit bytes
func MaxBodyMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "Request too large",
				Message: fmt.Sprintf("Maximum %d bytes", limit),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// handleWebSocket upgrades the connection and runs the SMRT dispatcher on it
// until either side closes.
func (s *Server) handleWebSocket(c *gin.Context) {
	accept, err := transport.AcceptKey(c.GetHeader("Sec-WebSocket-Key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid WebSocket handshake", Message: err.Error()})
		return
	}

	conn, rw, err := c.Writer.Hijack()
	if err != nil {
		s.logger.WithError(err).Error("❌ Failed to hijack connection")
		c.Status(http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	// http.Server leaves its request deadlines on hijacked connections
	conn.SetDeadline(time.Time{})

	if err := rw.Writer.Flush(); err != nil {
		return
	}
	if err := transport.WriteHandshake(conn, accept); err != nil {
		s.logger.WithError(err).Debug("Failed to write WebSocket handshake")
		return
	}

	id := uuid.NewString()
	ctx := WithConnID(s.ctx, id)
	stream := transport.NewWebSocket(rw.Reader, conn)
	if err := s.dispatcher.Serve(ctx, stream); err != nil {
		s.logger.WithFields(logrus.Fields{
			"conn":   id,
			"remote": conn.RemoteAddr().String(),
		}).WithError(err).Debug("WebSocket connection ended")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.index != nil {
		if n, err := s.index.Count(); err == nil {
			body["rooms"] = n
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleVersion(c *gin.Context) {
	c.String(http.StatusOK, s.cfg.Version)
}

func handleRobots(c *gin.Context) {
	c.String(http.StatusOK, robotsTxt)
}

func (s *Server) handleListRooms(c *gin.Context) {
	if s.index == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Room index disabled"})
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit"})
			return
		}
		limit = min(n, maxRoomList)
	}

	rooms, err := s.index.List(limit)
	if err != nil {
		s.logger.WithError(err).Error("❌ Failed to list rooms")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rooms"})
		return
	}

	out := make([]RoomResponse, 0, len(rooms))
	for _, info := range rooms {
		out = append(out, RoomResponse{
			ChatID:    info.ChatID.String(),
			FileName:  info.FileName,
			Records:   info.LastID + 1,
			Pushes:    info.Pushes,
			LastID:    info.LastID,
			FirstSeen: info.FirstSeen,
			LastPush:  info.LastPush,
		})
	}

	c.JSON(http.StatusOK, gin.H{"rooms": out, "count": len(out)})
}

// handleGetRoom reports a room straight from its log, enriched from the
// index when one is configured.
func (s *Server) handleGetRoom(c *gin.Context) {
	room, err := protocol.ParseChatID(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid room id", Message: err.Error()})
		return
	}

	records, err := s.store.Len(room)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			s.metrics.StorageCorruption()
		}
		s.logger.WithError(err).WithField("room", storage.FileName(room)).Error("❌ Failed to read chat log")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read room"})
		return
	}

	resp := RoomResponse{
		ChatID:   room.String(),
		FileName: storage.FileName(room),
		Records:  records,
	}

	if s.index != nil {
		info, err := s.index.Get(room)
		switch {
		case err == nil:
			resp.Pushes = info.Pushes
			resp.LastID = info.LastID
			resp.FirstSeen = info.FirstSeen
			resp.LastPush = info.LastPush
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.WithError(err).Warn("⚠️  Room index lookup failed")
		}
	}

	if records == 0 && resp.Pushes == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Room not found"})
		return
	}

	c.JSON(http.StatusOK, resp)
}
