package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/auth"
	"github.com/Martian-dev/mail-archiver/internal/sync"
)

// Archive is the read side of the archive the API serves.
type Archive interface {
	Query(ctx context.Context, c archive.Criteria) (archive.Page, error)
	FindByExternalID(ctx context.Context, externalID string) (*archive.ArchivedMessage, error)
	FindByThread(ctx context.Context, threadID string) ([]archive.ArchivedMessage, error)
	Stats(ctx context.Context) (archive.Stats, error)
	Ping(ctx context.Context) error
}

// Backfiller runs an on-demand full archival of a mailbox.
type Backfiller interface {
	Backfill(ctx context.Context, mailboxID string) (sync.BackfillResult, error)
}

// Verifier authenticates API callers.
type Verifier interface {
	PrincipalFromRequest(r *http.Request) (*auth.Principal, error)
}

// Server holds the API dependencies.
type Server struct {
	Archive   Archive
	Syncer    Backfiller
	MailboxID string
	Verifier  Verifier // nil disables the guard
	Log       logrus.FieldLogger
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)

	guarded := r.Group("/")
	if s.Verifier != nil {
		guarded.Use(s.authMiddleware())
	}

	guarded.GET("/emails", s.listEmails)
	guarded.GET("/emails/status", s.status)
	guarded.GET("/emails/stats", s.stats)
	guarded.POST("/emails/archive", s.runArchive)
	guarded.GET("/emails/archive", s.runArchive)
	guarded.GET("/emails/:id", s.getEmail)
	guarded.GET("/threads/:threadId", s.getThread)

	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.Verifier.PrincipalFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set("principal", p)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}
