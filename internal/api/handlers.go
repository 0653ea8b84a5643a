package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/lock"
	"github.com/Martian-dev/mail-archiver/internal/logging"
	"github.com/Martian-dev/mail-archiver/internal/sync"
)

const (
	defaultPage  = 1
	defaultLimit = 10
)

type pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

type listResponse struct {
	Emails     []archive.ArchivedMessage `json:"emails"`
	Pagination pagination                `json:"pagination"`
}

func (s *Server) listEmails(c *gin.Context) {
	crit, page, err := criteriaFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := crit.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.Archive.Query(c.Request.Context(), crit)
	if err != nil {
		logging.CaptureError(s.Log, "query", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query emails"})
		return
	}

	c.JSON(http.StatusOK, listResponse{
		Emails: res.Messages,
		Pagination: pagination{
			Total:      res.Total,
			Page:       page,
			Limit:      crit.Limit,
			TotalPages: int(math.Ceil(float64(res.Total) / float64(crit.Limit))),
		},
	})
}

// criteriaFromQuery maps the query string onto archive criteria. A date-only
// endDate covers the whole day.
func criteriaFromQuery(c *gin.Context) (archive.Criteria, int, error) {
	var crit archive.Criteria

	page, err := intParam(c, "page", defaultPage)
	if err != nil {
		return crit, 0, err
	}
	if page < 1 {
		return crit, 0, errors.New("page must be at least 1")
	}
	limit, err := intParam(c, "limit", defaultLimit)
	if err != nil {
		return crit, 0, err
	}
	crit.Limit = limit
	crit.Offset = (page - 1) * limit

	crit.Search = c.Query("search")
	crit.Sender = c.Query("sender")
	crit.ThreadID = c.Query("threadId")

	if v := c.Query("startDate"); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			return crit, 0, fmt.Errorf("invalid startDate: %w", err)
		}
		crit.StartDate = &t
	}
	if v := c.Query("endDate"); v != "" {
		t, dateOnly, err := parseDate(v)
		if err != nil {
			return crit, 0, fmt.Errorf("invalid endDate: %w", err)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		crit.EndDate = &t
	}
	if v := c.Query("hasAttachments"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return crit, 0, fmt.Errorf("invalid hasAttachments: %w", err)
		}
		crit.HasAttachments = &b
	}
	return crit, page, nil
}

func intParam(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func parseDate(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, false, err
}

func (s *Server) getEmail(c *gin.Context) {
	m, err := s.Archive.FindByExternalID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, archive.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "email not archived"})
		return
	}
	if err != nil {
		logging.CaptureError(s.Log, "lookup", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load email"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) getThread(c *gin.Context) {
	msgs, err := s.Archive.FindByThread(c.Request.Context(), c.Param("threadId"))
	if err != nil {
		logging.CaptureError(s.Log, "lookup", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threadId": c.Param("threadId"), "emails": msgs})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.Archive.Stats(c.Request.Context())
	if err != nil {
		logging.CaptureError(s.Log, "stats", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) runArchive(c *gin.Context) {
	s.Log.WithField("mailbox", s.MailboxID).Info("archive requested")

	res, err := s.Syncer.Backfill(c.Request.Context(), s.MailboxID)
	switch {
	case errors.Is(err, lock.ErrLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
		return
	case errors.Is(err, sync.ErrUnknownMailbox):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		logging.CaptureError(s.Log, "backfill", err, logrus.Fields{"processed": res.Processed})
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "processed": res.Processed})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   fmt.Sprintf("Successfully processed %d emails", res.Processed),
		"processed": res.Processed,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "operational"})
}

func (s *Server) health(c *gin.Context) {
	if err := s.Archive.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
