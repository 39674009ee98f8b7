package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/easel-labs/easel-backend/internal/cache"
	"github.com/easel-labs/easel-backend/internal/documents"
	"github.com/easel-labs/easel-backend/internal/sanitize"
	"github.com/easel-labs/easel-backend/internal/storefile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const jsonContentType = "application/json; charset=utf-8"

// emptyLibraryBody is served when no library row has been stored yet, so
// clients never have to special-case a missing library.
const emptyLibraryBody = `{"libraryItems":[]}`

type documentResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	CollectionID *string         `json:"collectionId,omitempty"`
	Preview      string          `json:"preview,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
	Elements     json.RawMessage `json:"elements,omitempty"`
	AppState     json.RawMessage `json:"appState,omitempty"`
	Files        json.RawMessage `json:"files,omitempty"`
}

func toDocumentResponse(doc documents.Document, includeScene bool) documentResponse {
	response := documentResponse{
		ID:           doc.ID,
		Name:         doc.Name,
		CollectionID: doc.CollectionID,
		Preview:      doc.Preview,
		Version:      doc.Version,
		CreatedAt:    doc.CreatedAtSeconds,
		UpdatedAt:    doc.UpdatedAtSeconds,
	}
	if includeScene {
		response.Elements = json.RawMessage(doc.ElementsJSON)
		response.AppState = json.RawMessage(doc.AppStateJSON)
		response.Files = json.RawMessage(doc.FilesJSON)
	}
	return response
}

type collectionResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func toCollectionResponse(collection documents.Collection) collectionResponse {
	return collectionResponse{
		ID:        collection.ID,
		Name:      collection.Name,
		CreatedAt: collection.CreatedAtSeconds,
		UpdatedAt: collection.UpdatedAtSeconds,
	}
}

type collectionRequest struct {
	Name string `json:"name" binding:"required,max=160"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if _, err := os.Stat(h.storePath); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "store": "reachable"})
}

// handleListDocuments serves listings through the response cache: a hit
// replays the serialized bytes, a miss queries, caches and serves the same
// bytes it stored.
func (h *httpHandler) handleListDocuments(c *gin.Context) {
	search := c.Query("search")
	collectionID := c.Query("collection")
	full := c.Query("full") == "true"

	key := cache.Key(search, collectionID, full)
	if body, ok := h.cache.Get(key); ok {
		c.Data(http.StatusOK, jsonContentType, body)
		return
	}

	docs, err := h.documents.List(c.Request.Context(), documents.ListQuery{
		Search:       search,
		CollectionID: collectionID,
		Full:         full,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	responses := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		responses = append(responses, toDocumentResponse(doc, full))
	}

	body, err := h.cache.Put(key, responses)
	if err != nil {
		// Serialization into the cache failed; serve the result uncached.
		c.JSON(http.StatusOK, responses)
		return
	}
	c.Data(http.StatusOK, jsonContentType, body)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	id, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	doc, err := h.documents.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentResponse(doc, true))
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var payload sanitize.DocumentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_json"})
		return
	}
	if payload.Imported {
		if err := h.gate.CheckImported(payload); err != nil {
			h.writeError(c, err)
			return
		}
	}

	scene, err := h.gate.CheckCreate(payload)
	if err != nil {
		h.writeError(c, err)
		return
	}

	doc, err := h.documents.Create(c.Request.Context(), scene)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll()
	c.JSON(http.StatusCreated, toDocumentResponse(doc, true))
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	id, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	var payload sanitize.DocumentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_json"})
		return
	}
	if payload.Imported {
		if err := h.gate.CheckImported(payload); err != nil {
			h.writeError(c, err)
			return
		}
	}

	fields, err := h.gate.CheckUpdate(payload)
	if err != nil {
		h.writeError(c, err)
		return
	}

	doc, err := h.documents.Update(c.Request.Context(), id, fields)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll()
	c.JSON(http.StatusOK, toDocumentResponse(doc, true))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	id, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.documents.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDuplicateDocument(c *gin.Context) {
	id, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	doc, err := h.documents.Duplicate(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll()
	c.JSON(http.StatusCreated, toDocumentResponse(doc, true))
}

func (h *httpHandler) handleListCollections(c *gin.Context) {
	collections, err := h.documents.ListCollections(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	responses := make([]collectionResponse, 0, len(collections))
	for _, collection := range collections {
		responses = append(responses, toCollectionResponse(collection))
	}
	c.JSON(http.StatusOK, responses)
}

func (h *httpHandler) handleCreateCollection(c *gin.Context) {
	var request collectionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	collection, err := h.documents.CreateCollection(c.Request.Context(), request.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll()
	c.JSON(http.StatusCreated, toCollectionResponse(collection))
}

func (h *httpHandler) handleUpdateCollection(c *gin.Context) {
	id, err := documents.NewCollectionID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	var request collectionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	collection, err := h.documents.UpdateCollection(c.Request.Context(), id, request.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.cache.InvalidateAll()
	c.JSON(http.StatusOK, toCollectionResponse(collection))
}

func (h *httpHandler) handleDeleteCollection(c *gin.Context) {
	id, err := documents.NewCollectionID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.documents.DeleteCollection(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	// Deleting a collection detaches its documents, which changes listings.
	h.cache.InvalidateAll()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetLibrary(c *gin.Context) {
	blob, err := h.documents.GetLibrary(c.Request.Context())
	if errors.Is(err, documents.ErrNotFound) {
		c.Data(http.StatusOK, jsonContentType, []byte(emptyLibraryBody))
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, jsonContentType, []byte(blob.BlobJSON))
}

func (h *httpHandler) handlePutLibrary(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_body"})
		return
	}
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
		c.JSON(http.StatusBadRequest, gin.H{"error": "library_must_be_json_object"})
		return
	}

	blob, err := h.documents.PutLibrary(c.Request.Context(), string(trimmed))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updatedAt": blob.UpdatedAtSeconds})
}

// handleExportStore serves the live store file as a raw download.
func (h *httpHandler) handleExportStore(c *gin.Context) {
	if _, err := os.Stat(h.storePath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "store_not_found"})
		return
	}
	c.FileAttachment(h.storePath, filepath.Base(h.storePath))
}

// handleExportArchive streams a zip of every document as a plain scene file.
func (h *httpHandler) handleExportArchive(c *gin.Context) {
	ctx := c.Request.Context()
	docs, err := h.documents.List(ctx, documents.ListQuery{Full: true})
	if err != nil {
		h.writeError(c, err)
		return
	}
	collections, err := h.documents.ListCollections(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	filename := "easel-export-" + time.Now().UTC().Format("20060102-150405") + ".zip"
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)

	if err := storefile.WriteArchive(c.Writer, docs, collections); err != nil {
		// Headers are already on the wire; all we can do is log.
		h.logger.Error("archive export failed", zap.Error(err))
	}
}

func (h *httpHandler) handleVerifyImport(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_upload_file"})
		return
	}
	defer file.Close()

	if err := h.importer.Verify(c.Request.Context(), header.Filename, file); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *httpHandler) handleImport(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_upload_file"})
		return
	}
	defer file.Close()

	if err := h.importer.Import(c.Request.Context(), header.Filename, file); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": true})
}
