// Package server exposes the registry snapshot and pipeline history over
// HTTP for dashboards and scripts. It is read-only.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/ledger"
	"github.com/throw-if-null/recoverybench/internal/paths"
	"github.com/throw-if-null/recoverybench/internal/store"
)

type Store interface {
	GetEntry(canonicalID string) (*api.RegistryEntry, error)
	ListEntries() ([]*api.RegistryEntry, error)
	GetPipeline(id string) (*api.PipelineRecord, error)
	ListPipelines(limit int) ([]*api.PipelineRecord, error)
}

type Server struct {
	store       Store
	minEpisodes int
	log         *slog.Logger
}

// NewServer returns a server over s. minEpisodes drives the unsolved filter
// of the registry listing.
func NewServer(s Store, minEpisodes int, log *slog.Logger) *Server {
	return &Server{store: s, minEpisodes: minEpisodes, log: log}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	v1 := r.Group("/v1")
	{
		v1.GET("/registry", s.listRegistry)
		v1.GET("/registry/:canonical_id", s.getEntry)
		v1.GET("/pipelines", s.listPipelines)
		v1.GET("/pipelines/:id", s.getPipeline)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if s.log != nil {
			s.log.Debug("http request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
		}
	}
}

// listRegistry serves the snapshot; ?unsolved=true keeps only the entries
// that still need attempts.
func (s *Server) listRegistry(c *gin.Context) {
	entries, err := s.store.ListEntries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list registry"})
		return
	}
	if ok, _ := strconv.ParseBool(c.Query("unsolved")); ok {
		kept := entries[:0]
		for _, e := range entries {
			if ledger.NeedsMoreAttempts(e, s.minEpisodes) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if entries == nil {
		entries = []*api.RegistryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) getEntry(c *gin.Context) {
	id := c.Param("canonical_id")
	if !paths.IsCanonicalID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid canonical_id"})
		return
	}
	e, err := s.store.GetEntry(id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read registry"})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) listPipelines(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	ps, err := s.store.ListPipelines(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pipelines"})
		return
	}
	if ps == nil {
		ps = []*api.PipelineRecord{}
	}
	c.JSON(http.StatusOK, ps)
}

func (s *Server) getPipeline(c *gin.Context) {
	p, err := s.store.GetPipeline(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read pipeline"})
		return
	}
	c.JSON(http.StatusOK, p)
}
