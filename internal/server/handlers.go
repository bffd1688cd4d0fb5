package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skylark-labs/callpilot/internal/orchestrator"
)

const (
	searchDefaultLimit = 5
	searchMaxLimit     = 10
)

type searchRequest struct {
	Query string `json:"query"`
	Limit *int   `json:"limit"`
}

type ingestRequest struct {
	Dir string `json:"dir"`
}

type telemetryRequest struct {
	Accepted *bool    `json:"accepted"`
	Latency  *float64 `json:"latency"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"embedding": s.embedMode,
	}
	if s.stats != nil {
		if sources, chunks, err := s.stats.Stats(); err == nil {
			resp["sources"] = sources
			resp["chunks"] = chunks
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}
	if req.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "query must not be empty"})
		return
	}

	limit := searchDefaultLimit
	if req.Limit != nil {
		if *req.Limit < 1 || *req.Limit > searchMaxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "limit must be between 1 and 10"})
			return
		}
		limit = *req.Limit
	}

	results, diag, err := s.searcher.Search(c.Request.Context(), req.Query, limit)
	if err != nil {
		s.log.Error("search failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"results":     results,
		"diagnostics": diag,
	})
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Dir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "dir must not be empty"})
		return
	}

	result, err := s.ingester.IngestDir(c.Request.Context(), req.Dir)
	if err != nil {
		s.log.Error("ingest failed", "dir", req.Dir, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result})
}

func (s *Server) handleSuggest(c *gin.Context) {
	var req orchestrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}
	// Validate before committing to a stream so rejections are plain JSON.
	if _, err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	err := s.suggester.Suggest(c.Request.Context(), &req, func(ev orchestrator.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return err
		}
		w.Flush()
		return nil
	})
	if err != nil {
		// Validation already passed, so this is a stream-side failure; the
		// headers are gone and all we can do is log it.
		s.log.Error("suggest stream failed", "error", err)
	}
}

func (s *Server) handleTelemetry(c *gin.Context) {
	var req telemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.Accepted == nil || req.Latency == nil || *req.Latency < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	s.recorder.Record(*req.Accepted, *req.Latency)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleOverlayStream(c *gin.Context) {
	sub := s.overlay.Subscribe(orchestrator.OverlayTopic)
	defer s.overlay.Unsubscribe(sub)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := w.Write([]byte("event: " + msg.Event + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(msg.Data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			w.Flush()
		}
	}
}
