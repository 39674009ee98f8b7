package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/easel-labs/easel-backend/internal/cache"
	"github.com/easel-labs/easel-backend/internal/documents"
	"github.com/easel-labs/easel-backend/internal/ratelimit"
	"github.com/easel-labs/easel-backend/internal/relay"
	"github.com/easel-labs/easel-backend/internal/sanitize"
	"github.com/easel-labs/easel-backend/internal/storefile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingDocumentsService = errors.New("documents service dependency required")
	errMissingGate             = errors.New("sanitization gate dependency required")
	errMissingCache            = errors.New("response cache dependency required")
	errMissingLimiter          = errors.New("rate limiter dependency required")
	errMissingRelay            = errors.New("relay dependency required")
	errMissingImporter         = errors.New("importer dependency required")
)

// Dependencies wires the HTTP surface to the subsystems it fronts.
type Dependencies struct {
	Documents      *documents.Service
	Gate           *sanitize.Gate
	Cache          *cache.ResponseCache
	Limiter        *ratelimit.Limiter
	Relay          *relay.Relay
	Importer       *storefile.Importer
	StorePath      string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the gin router for the document, collection,
// library, export/import and collaboration endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Documents == nil {
		return nil, errMissingDocumentsService
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Cache == nil {
		return nil, errMissingCache
	}
	if deps.Limiter == nil {
		return nil, errMissingLimiter
	}
	if deps.Relay == nil {
		return nil, errMissingRelay
	}
	if deps.Importer == nil {
		return nil, errMissingImporter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(rateLimitMiddleware(deps.Limiter))
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		documents:      deps.Documents,
		gate:           deps.Gate,
		cache:          deps.Cache,
		relay:          deps.Relay,
		importer:       deps.Importer,
		storePath:      deps.StorePath,
		allowedOrigins: origins,
		logger:         logger,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)

	api := router.Group("/api")
	api.GET("/documents", handler.handleListDocuments)
	api.POST("/documents", handler.handleCreateDocument)
	api.GET("/documents/:id", handler.handleGetDocument)
	api.PUT("/documents/:id", handler.handleUpdateDocument)
	api.DELETE("/documents/:id", handler.handleDeleteDocument)
	api.POST("/documents/:id/duplicate", handler.handleDuplicateDocument)

	api.GET("/collections", handler.handleListCollections)
	api.POST("/collections", handler.handleCreateCollection)
	api.PUT("/collections/:id", handler.handleUpdateCollection)
	api.DELETE("/collections/:id", handler.handleDeleteCollection)

	api.GET("/library", handler.handleGetLibrary)
	api.PUT("/library", handler.handlePutLibrary)

	api.GET("/export/store", handler.handleExportStore)
	api.GET("/export/archive", handler.handleExportArchive)
	api.POST("/import/verify", handler.handleVerifyImport)
	api.POST("/import", handler.handleImport)

	return router, nil
}

type httpHandler struct {
	documents      *documents.Service
	gate           *sanitize.Gate
	cache          *cache.ResponseCache
	relay          *relay.Relay
	importer       *storefile.Importer
	storePath      string
	allowedOrigins []string
	logger         *zap.Logger
}

// writeError maps the error taxonomy onto HTTP responses: itemized
// validation failures, not-found signals, integrity rejections, and a
// generic internal error that never leaks details.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var validationErr *sanitize.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"issues": validationErr.Issues,
		})
		return
	}

	if errors.Is(err, documents.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if errors.Is(err, documents.ErrInvalidDocumentID) || errors.Is(err, documents.ErrInvalidCollectionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}

	var integrityErr *storefile.IntegrityError
	if errors.As(err, &integrityErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "integrity_check_failed",
			"stage": integrityErr.Stage,
		})
		return
	}
	if errors.Is(err, storefile.ErrDisallowedExtension) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_type_not_allowed"})
		return
	}
	if errors.Is(err, storefile.ErrTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}

	var serviceErr *documents.ServiceError
	if errors.As(err, &serviceErr) {
		h.logger.Error("request failed", zap.String("code", serviceErr.Code()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
		return
	}

	h.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
