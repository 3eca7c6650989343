// Package handlers is the thin HTTP surface over the request pipeline and
// client configuration. Authentication is handled upstream.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/shelfarr-project/shelfarr/downloaders"
	"github.com/shelfarr-project/shelfarr/indexers"
	"github.com/shelfarr-project/shelfarr/internal/config"
	"github.com/shelfarr-project/shelfarr/internal/db"
	"github.com/shelfarr-project/shelfarr/requests"
)

type Service struct {
	config   *config.Config
	db       *gorm.DB
	requests *requests.Service
	router   *downloaders.Router
}

func NewService(config *config.Config, gdb *gorm.DB, reqs *requests.Service, router *downloaders.Router) *Service {
	return &Service{
		config:   config,
		db:       gdb,
		requests: reqs,
		router:   router,
	}
}

func (s *Service) SetupRouter(router *gin.RouterGroup) {
	router.POST("/requests", s.createRequest)
	router.GET("/requests", s.listRequests)
	router.GET("/requests/:id", s.getRequest)
	router.DELETE("/requests/:id", s.deleteRequest)
	router.POST("/requests/:id/approve", s.approveRequest)
	router.POST("/requests/:id/deny", s.denyRequest)
	router.POST("/requests/:id/cancel", s.cancelRequest)
	router.POST("/requests/:id/retry", s.retryRequest)
	router.GET("/requests/:id/candidates", s.requestCandidates)
	router.POST("/requests/:id/select", s.selectCandidate)

	router.GET("/clients", s.listClients)
	router.POST("/clients", s.createClient)
	router.PUT("/clients/:id", s.updateClient)
	router.DELETE("/clients/:id", s.deleteClient)
	router.POST("/clients/:id/test", s.testClient)
	router.POST("/clients/test", s.testClientConfig)
}

func requestID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

type createRequestReq struct {
	UserID          string `json:"user_id" binding:"required"`
	UserName        string `json:"user_name"`
	Type            string `json:"type" binding:"required"`
	Title           string `json:"title" binding:"required"`
	Author          string `json:"author"`
	ParentRequestID *uint  `json:"parent_request_id"`
	DeferSearch     bool   `json:"defer_search"`
}

func (s *Service) createRequest(c *gin.Context) {
	req := &createRequestReq{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	r, err := s.requests.Create(c.Request.Context(), requests.CreateParams{
		UserID:          req.UserID,
		UserName:        req.UserName,
		Type:            db.RequestType(req.Type),
		Title:           req.Title,
		Author:          req.Author,
		ParentRequestID: req.ParentRequestID,
		DeferSearch:     req.DeferSearch,
	})
	if err != nil {
		if errors.Is(err, requests.ErrEmptyTitle) || errors.Is(err, requests.ErrInvalidType) {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(201, r)
}

func (s *Service) listRequests(c *gin.Context) {
	if status := c.Query("status"); status != "" {
		rs, err := db.ListRequestsByStatus(s.db, db.RequestStatus(status))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, rs)
		return
	}

	rs, err := db.ListRequests(s.db)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, rs)
}

func (s *Service) getRequest(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	r, err := db.GetRequest(s.db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(404, gin.H{"error": "request not found"})
		return
	}
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	history, err := db.ListHistoryForRequest(s.db, id)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"request": r, "history": history})
}

func (s *Service) deleteRequest(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	if err := s.requests.SoftDelete(c.Request.Context(), id); err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "deleted"})
}

func (s *Service) approveRequest(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	if err := s.requests.Approve(c.Request.Context(), id); err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "approved"})
}

type denyRequestReq struct {
	Reason string `json:"reason"`
}

func (s *Service) denyRequest(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	req := &denyRequestReq{}
	if err := c.ShouldBindJSON(req); err != nil && err.Error() != "EOF" {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if err := s.requests.Deny(c.Request.Context(), id, req.Reason); err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "denied"})
}

func (s *Service) cancelRequest(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	if err := s.requests.Cancel(c.Request.Context(), id); err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "cancelled"})
}

func (s *Service) retryRequest(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	if err := s.requests.RetrySearch(c.Request.Context(), id); err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "search queued"})
}

func (s *Service) requestCandidates(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	ranked, err := s.requests.SearchCandidates(c.Request.Context(), id)
	if err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(200, ranked)
}

func (s *Service) selectCandidate(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	candidate := &indexers.TorrentResult{}
	if err := c.ShouldBindJSON(candidate); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if candidate.DownloadURL == "" {
		c.JSON(400, gin.H{"error": "candidate download_url is required"})
		return
	}
	if err := s.requests.SelectCandidate(c.Request.Context(), id, *candidate); err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "download started"})
}

// writeActionError maps service errors onto HTTP status codes.
func (s *Service) writeActionError(c *gin.Context, err error) {
	var illegal *requests.ErrIllegalTransition
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(404, gin.H{"error": "request not found"})
	case errors.As(err, &illegal):
		c.JSON(409, gin.H{"error": err.Error()})
	case errors.Is(err, requests.ErrAlreadyInProgress):
		c.JSON(409, gin.H{"error": err.Error()})
	default:
		c.JSON(500, gin.H{"error": err.Error()})
	}
}

func (s *Service) listClients(c *gin.Context) {
	cfgs, err := db.ListClientConfigs(s.db)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	for i := range cfgs {
		cfgs[i].Password = ""
		cfgs[i].APIKey = ""
	}
	c.JSON(200, cfgs)
}

func (s *Service) createClient(c *gin.Context) {
	cfg := &db.DownloadClientConfig{}
	if err := c.ShouldBindJSON(cfg); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	cfg.ID = 0
	if err := s.saveClient(c, cfg); err != nil {
		return
	}
	c.JSON(201, cfg)
}

func (s *Service) updateClient(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	if _, err := db.GetClientConfig(s.db, id); errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(404, gin.H{"error": "client not found"})
		return
	}

	cfg := &db.DownloadClientConfig{}
	if err := c.ShouldBindJSON(cfg); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	cfg.ID = id
	if err := s.saveClient(c, cfg); err != nil {
		return
	}
	c.JSON(200, cfg)
}

// saveClient validates and stores a client config, then drops the cached
// adapters so the next download sees the change.
func (s *Service) saveClient(c *gin.Context, cfg *db.DownloadClientConfig) error {
	if err := db.SaveClientConfig(s.db, cfg); err != nil {
		if errors.Is(err, db.ErrDuplicateProtocolClient) {
			c.JSON(409, gin.H{"error": err.Error()})
			return err
		}
		c.JSON(400, gin.H{"error": err.Error()})
		return err
	}
	s.router.Rebuild()
	return nil
}

func (s *Service) deleteClient(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	if err := db.DeleteClientConfig(s.db, id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	s.router.Rebuild()
	c.JSON(200, gin.H{"status": "deleted"})
}

func (s *Service) testClient(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	cfg, err := db.GetClientConfig(s.db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(404, gin.H{"error": "client not found"})
		return
	}
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	s.runConnectionTest(c, cfg)
}

// testClientConfig checks an unsaved config, so the UI can validate before
// the user hits save.
func (s *Service) testClientConfig(c *gin.Context) {
	cfg := &db.DownloadClientConfig{}
	if err := c.ShouldBindJSON(cfg); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	s.runConnectionTest(c, cfg)
}

func (s *Service) runConnectionTest(c *gin.Context, cfg *db.DownloadClientConfig) {
	client, err := downloaders.New(cfg)
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if err := client.TestConnection(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"status": "ok"})
}
