package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/renderstream/internal/adapters/signal"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionKey is the gin context key holding the polling session id.
const SessionKey = "session_id"

type Config struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	RateLimit    int
	RateInterval time.Duration
	// SessionTTL expires polling sessions that stopped polling. Zero disables expiry.
	SessionTTL time.Duration
}

type Server struct {
	cfg     Config
	hub     *Hub
	limiter *RateLimiter

	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

func NewServer(cfg Config) *Server {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	return &Server{
		cfg:       cfg,
		hub:       NewHub(),
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		mailboxes: make(map[string]*mailbox),
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Limiter is shared by the HTTP middleware and the WebSocket frame handler.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Run expires idle polling sessions until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.SessionTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.SessionTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

func (s *Server) expire(now time.Time) {
	s.mu.Lock()
	var idle []string
	for id, mb := range s.mailboxes {
		if now.Sub(mb.idleSince()) > s.cfg.SessionTTL {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		log.Info().Str("module", "relay").Str("session_id", id).Msg("session expired")
		s.dropSession(id)
	}
}

func (s *Server) mailbox(id string) (*mailbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[id]
	return mb, ok
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	_, ok := s.mailboxes[id]
	delete(s.mailboxes, id)
	s.mu.Unlock()
	if ok {
		s.hub.Leave(id)
		s.limiter.Forget(id)
	}
}

// HasSession reports whether id names a live polling session.
func (s *Server) HasSession(id string) bool {
	_, ok := s.mailbox(id)
	return ok
}

func (s *Server) CreateSession(c *gin.Context) {
	id := uuid.NewString()
	mb := newMailbox(id)

	s.mu.Lock()
	s.mailboxes[id] = mb
	s.mu.Unlock()
	s.hub.Register(mb)

	c.JSON(http.StatusOK, signal.SessionResponse{SessionID: id})
}

func (s *Server) DeleteSession(c *gin.Context) {
	s.dropSession(c.GetString(SessionKey))
	c.Status(http.StatusOK)
}

func (s *Server) CreateConnection(c *gin.Context) {
	var req signal.ConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConnectionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid connectionId"})
		return
	}
	polite, err := s.hub.Connect(c.GetString(SessionKey), req.ConnectionID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrConnectionFull) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, signal.ConnectionResponse{ConnectionID: req.ConnectionID, Polite: polite})
}

func (s *Server) DeleteConnection(c *gin.Context) {
	var req signal.ConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConnectionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid connectionId"})
		return
	}
	if err := s.hub.Disconnect(c.GetString(SessionKey), req.ConnectionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, signal.ConnectionRequest{ConnectionID: req.ConnectionID})
}

func (s *Server) PostOffer(c *gin.Context)  { s.postDescription(c, signal.TypeOffer) }
func (s *Server) PostAnswer(c *gin.Context) { s.postDescription(c, signal.TypeAnswer) }

func (s *Server) postDescription(c *gin.Context, typ string) {
	var req signal.DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConnectionID == "" || req.SDP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid description"})
		return
	}
	s.forward(c, typ, signal.Payload{ConnectionID: req.ConnectionID, SDP: req.SDP})
}

func (s *Server) PostCandidate(c *gin.Context) {
	var req signal.CandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConnectionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid candidate"})
		return
	}
	s.forward(c, signal.TypeCandidate, signal.Payload{
		ConnectionID:  req.ConnectionID,
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	})
}

// forward accepts messages for a connection whose peer has not joined yet; they are dropped.
func (s *Server) forward(c *gin.Context, typ string, p signal.Payload) {
	err := s.hub.Forward(c.GetString(SessionKey), typ, p)
	switch {
	case err == nil, errors.Is(err, ErrNoPeer):
		c.Status(http.StatusOK)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	}
}

func (s *Server) GetMessages(c *gin.Context) {
	mb, ok := s.mailbox(c.GetString(SessionKey))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	from, _ := strconv.ParseInt(c.Query("fromtime"), 10, 64)
	c.JSON(http.StatusOK, mb.Take(from))
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSocket upgrades the request and runs the participant until it disconnects
// or ctx is done.
func (s *Server) HandleSocket(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	p := newWSPeer(uuid.NewString(), ws)
	s.hub.Register(p)
	log.Info().Str("module", "relay").Str("participant", p.id).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go s.writePump(ctx, p)
	go s.readPump(ctx, cancel, p)
}
