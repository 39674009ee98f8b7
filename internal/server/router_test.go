package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/easel-labs/easel-backend/internal/cache"
	"github.com/easel-labs/easel-backend/internal/database"
	"github.com/easel-labs/easel-backend/internal/documents"
	"github.com/easel-labs/easel-backend/internal/ratelimit"
	"github.com/easel-labs/easel-backend/internal/relay"
	"github.com/easel-labs/easel-backend/internal/sanitize"
	"github.com/easel-labs/easel-backend/internal/storefile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testEnv struct {
	handler http.Handler
	store   *database.Store
	cache   *cache.ResponseCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storePath := filepath.Join(t.TempDir(), "easel.db")
	store, err := database.OpenSQLite(storePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	service, err := documents.NewService(documents.ServiceConfig{
		Database:   store,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	responseCache := cache.New(cache.Config{})
	handler, err := NewHTTPHandler(Dependencies{
		Documents: service,
		Gate:      sanitize.NewGate(zap.NewNop()),
		Cache:     responseCache,
		Limiter:   ratelimit.New(ratelimit.Config{Max: 10_000}),
		Relay:     relay.New(zap.NewNop()),
		Importer: storefile.NewImporter(storefile.ImporterConfig{
			Store: store,
			Cache: responseCache,
		}),
		StorePath: storePath,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testEnv{handler: handler, store: store, cache: responseCache}
}

func (env *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %s: %v", recorder.Body.String(), err)
	}
}

func createDocument(t *testing.T, env *testEnv, body string) documentResponse {
	t.Helper()
	recorder := env.do(t, http.MethodPost, "/api/documents", body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created documentResponse
	decodeJSON(t, recorder, &created)
	return created
}

func TestCreateDocumentAppliesDefaultsAndStartsAtVersionOne(t *testing.T) {
	env := newTestEnv(t)

	created := createDocument(t, env, `{}`)
	if created.Name != "Untitled" {
		t.Fatalf("expected default name, got %q", created.Name)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if string(created.Elements) != "[]" {
		t.Fatalf("expected empty elements default, got %s", created.Elements)
	}
}

func TestCreateDocumentReportsItemizedValidationIssues(t *testing.T) {
	env := newTestEnv(t)

	overlongName := strings.Repeat("x", 200)
	recorder := env.do(t, http.MethodPost, "/api/documents", `{"name":"`+overlongName+`"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}

	var payload struct {
		Error  string `json:"error"`
		Issues []struct {
			Field string `json:"field"`
		} `json:"issues"`
	}
	decodeJSON(t, recorder, &payload)
	if payload.Error != "validation_failed" {
		t.Fatalf("expected validation_failed, got %q", payload.Error)
	}
	if len(payload.Issues) == 0 || payload.Issues[0].Field != "name" {
		t.Fatalf("expected itemized name issue, got %+v", payload.Issues)
	}
}

func TestGetDocumentReturnsNotFoundForUnknownID(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodGet, "/api/documents/no-such-doc", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
}

func TestUpdateDocumentIncrementsVersionAndInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	created := createDocument(t, env, `{"name":"board"}`)

	// Prime the listing cache.
	if recorder := env.do(t, http.MethodGet, "/api/documents", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected ok listing, got %d", recorder.Code)
	}
	if env.cache.Len() == 0 {
		t.Fatalf("expected listing to be cached")
	}

	recorder := env.do(t, http.MethodPut, "/api/documents/"+created.ID, `{"name":"renamed"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var updated documentResponse
	decodeJSON(t, recorder, &updated)
	if updated.Version != created.Version+1 {
		t.Fatalf("expected version %d, got %d", created.Version+1, updated.Version)
	}
	if env.cache.Len() != 0 {
		t.Fatalf("expected cache invalidation after update")
	}

	listing := env.do(t, http.MethodGet, "/api/documents", "")
	if !strings.Contains(listing.Body.String(), "renamed") {
		t.Fatalf("listing must reflect the update: %s", listing.Body.String())
	}
}

func TestListDocumentsServesCachedBytesOnRepeat(t *testing.T) {
	env := newTestEnv(t)
	createDocument(t, env, `{"name":"alpha"}`)

	first := env.do(t, http.MethodGet, "/api/documents?search=alp", "")
	second := env.do(t, http.MethodGet, "/api/documents?search=alp", "")
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected ok listings, got %d and %d", first.Code, second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("cached listing must replay identical bytes")
	}
}

func TestListDocumentsOmitsSceneColumnsUnlessFull(t *testing.T) {
	env := newTestEnv(t)
	createDocument(t, env, `{"name":"board","elements":[{"id":"el-1","type":"rectangle"}]}`)

	slim := env.do(t, http.MethodGet, "/api/documents", "")
	if strings.Contains(slim.Body.String(), "rectangle") {
		t.Fatalf("metadata listing must not carry scene content: %s", slim.Body.String())
	}

	full := env.do(t, http.MethodGet, "/api/documents?full=true", "")
	if !strings.Contains(full.Body.String(), "rectangle") {
		t.Fatalf("full listing must carry scene content: %s", full.Body.String())
	}
}

func TestDuplicateDocumentCopiesUnderNewIdentity(t *testing.T) {
	env := newTestEnv(t)
	created := createDocument(t, env, `{"name":"board"}`)

	recorder := env.do(t, http.MethodPost, "/api/documents/"+created.ID+"/duplicate", "")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d", recorder.Code)
	}
	var duplicate documentResponse
	decodeJSON(t, recorder, &duplicate)
	if duplicate.ID == created.ID {
		t.Fatalf("duplicate must receive a fresh identifier")
	}
	if duplicate.Name != "board (copy)" {
		t.Fatalf("unexpected duplicate name %q", duplicate.Name)
	}
	if duplicate.Version != 1 {
		t.Fatalf("duplicate must restart at version 1, got %d", duplicate.Version)
	}
}

func TestCollectionLifecycleDetachesDocumentsOnDelete(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/api/collections", `{"name":"diagrams"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var collection collectionResponse
	decodeJSON(t, recorder, &collection)

	created := createDocument(t, env, `{"name":"board","collectionId":"`+collection.ID+`"}`)
	if created.CollectionID == nil || *created.CollectionID != collection.ID {
		t.Fatalf("document must join the collection")
	}

	if recorder := env.do(t, http.MethodDelete, "/api/collections/"+collection.ID, ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected no content, got %d", recorder.Code)
	}

	fetched := env.do(t, http.MethodGet, "/api/documents/"+created.ID, "")
	var detached documentResponse
	decodeJSON(t, fetched, &detached)
	if detached.CollectionID != nil {
		t.Fatalf("document must be detached after collection delete, got %v", *detached.CollectionID)
	}
}

func TestCollectionWritesInvalidateListingCache(t *testing.T) {
	env := newTestEnv(t)
	createDocument(t, env, `{"name":"board"}`)

	primeCache := func() {
		if recorder := env.do(t, http.MethodGet, "/api/documents", ""); recorder.Code != http.StatusOK {
			t.Fatalf("expected ok listing, got %d", recorder.Code)
		}
		if env.cache.Len() == 0 {
			t.Fatalf("expected listing to be cached")
		}
	}

	primeCache()
	recorder := env.do(t, http.MethodPost, "/api/collections", `{"name":"diagrams"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if env.cache.Len() != 0 {
		t.Fatalf("collection create must invalidate the listing cache, %d entries remain", env.cache.Len())
	}
	var collection collectionResponse
	decodeJSON(t, recorder, &collection)

	primeCache()
	if recorder := env.do(t, http.MethodPut, "/api/collections/"+collection.ID, `{"name":"renamed"}`); recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if env.cache.Len() != 0 {
		t.Fatalf("collection rename must invalidate the listing cache, %d entries remain", env.cache.Len())
	}

	primeCache()
	if recorder := env.do(t, http.MethodDelete, "/api/collections/"+collection.ID, ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected no content, got %d", recorder.Code)
	}
	if env.cache.Len() != 0 {
		t.Fatalf("collection delete must invalidate the listing cache, %d entries remain", env.cache.Len())
	}
}

func TestCreateCollectionRejectsMissingName(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPost, "/api/collections", `{}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestLibraryDefaultsToEmptyAndRoundTrips(t *testing.T) {
	env := newTestEnv(t)

	initial := env.do(t, http.MethodGet, "/api/library", "")
	if initial.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", initial.Code)
	}
	if initial.Body.String() != emptyLibraryBody {
		t.Fatalf("expected empty default library, got %s", initial.Body.String())
	}

	blob := `{"libraryItems":[{"id":"lib-1"}]}`
	if recorder := env.do(t, http.MethodPut, "/api/library", blob); recorder.Code != http.StatusOK {
		t.Fatalf("expected ok on put, got %d: %s", recorder.Code, recorder.Body.String())
	}

	fetched := env.do(t, http.MethodGet, "/api/library", "")
	if fetched.Body.String() != blob {
		t.Fatalf("library must round trip verbatim, got %s", fetched.Body.String())
	}
}

func TestPutLibraryRejectsNonObjectBody(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodPut, "/api/library", `[1,2,3]`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestPutLibraryAcceptsObjectWithLeadingWhitespace(t *testing.T) {
	env := newTestEnv(t)

	if recorder := env.do(t, http.MethodPut, "/api/library", "\n\t {\"libraryItems\":[]}"); recorder.Code != http.StatusOK {
		t.Fatalf("expected ok for whitespace-prefixed object, got %d: %s", recorder.Code, recorder.Body.String())
	}

	fetched := env.do(t, http.MethodGet, "/api/library", "")
	if fetched.Body.String() != `{"libraryItems":[]}` {
		t.Fatalf("stored library must be the trimmed object, got %q", fetched.Body.String())
	}
}

func TestExportStoreServesLiveFile(t *testing.T) {
	env := newTestEnv(t)
	createDocument(t, env, `{"name":"board"}`)

	recorder := env.do(t, http.MethodGet, "/api/export/store", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", recorder.Code)
	}
	if !bytes.HasPrefix(recorder.Body.Bytes(), []byte("SQLite format 3\x00")) {
		t.Fatalf("exported store must begin with the SQLite magic header")
	}
}

func TestExportArchiveContainsSceneEntries(t *testing.T) {
	env := newTestEnv(t)
	createDocument(t, env, `{"name":"board"}`)

	recorder := env.do(t, http.MethodGet, "/api/export/archive", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/zip" {
		t.Fatalf("expected zip content type, got %q", got)
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte("board.excalidraw")) {
		t.Fatalf("archive must contain a scene entry for the document")
	}
}

func multipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to finish multipart body: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestVerifyImportRejectsDisallowedExtension(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartUpload(t, "payload.txt", []byte("not a store"))
	request := httptest.NewRequest(http.MethodPost, "/api/import/verify", body)
	request.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "file_type_not_allowed") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestVerifyImportRejectsNonStoreContent(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartUpload(t, "upload.db", bytes.Repeat([]byte{0x42}, 64))
	request := httptest.NewRequest(http.MethodPost, "/api/import/verify", body)
	request.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected unprocessable entity, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), `"stage":"header"`) {
		t.Fatalf("expected header stage in body: %s", recorder.Body.String())
	}
}

func TestImportReplacesStoreAndServesNewDocuments(t *testing.T) {
	env := newTestEnv(t)
	createDocument(t, env, `{"name":"old board"}`)

	// Build a complete replacement store in a second environment.
	donor := newTestEnv(t)
	createDocument(t, donor, `{"name":"imported board"}`)
	if err := donor.store.Close(); err != nil {
		t.Fatalf("failed to close donor store: %v", err)
	}
	donorBytes, err := os.ReadFile(donor.store.Path())
	if err != nil {
		t.Fatalf("failed to read donor store: %v", err)
	}

	body, contentType := multipartUpload(t, "replacement.db", donorBytes)
	request := httptest.NewRequest(http.MethodPost, "/api/import", body)
	request.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}

	listing := env.do(t, http.MethodGet, "/api/documents", "")
	if !strings.Contains(listing.Body.String(), "imported board") {
		t.Fatalf("listing must serve the imported store: %s", listing.Body.String())
	}
	if strings.Contains(listing.Body.String(), "old board") {
		t.Fatalf("prior documents must be gone after import: %s", listing.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.do(t, http.MethodGet, "/health", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", recorder.Code)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	env := newTestEnv(t)

	request := httptest.NewRequest(http.MethodOptions, "/api/documents", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected preflight success, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected allow-origin header on preflight response")
	}
}
