package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "documents.service.new"
	opList              = "documents.list"
	opGet               = "documents.get"
	opCreate            = "documents.create"
	opUpdate            = "documents.update"
	opDelete            = "documents.delete"
	opDuplicate         = "documents.duplicate"
	opListCollections   = "collections.list"
	opCreateCollection  = "collections.create"
	opUpdateCollection  = "collections.update"
	opDeleteCollection  = "collections.delete"
	opGetLibrary        = "library.get"
	opPutLibrary        = "library.put"
	duplicateNameSuffix = " (copy)"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// DBProvider supplies the current gorm handle. The handle is resolved per
// call because an import swap replaces the connection underneath the service.
type DBProvider interface {
	DB() *gorm.DB
}

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required by the document service.
type ServiceConfig struct {
	Database   DBProvider
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service implements persistence operations for documents, collections and
// the shared library blob.
type Service struct {
	database   DBProvider
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the document service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		database:   cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ListQuery narrows the document listing. Sort order is fixed (newest first)
// and is deliberately not part of the query surface; response caching keys on
// the fields below.
type ListQuery struct {
	Search       string
	CollectionID string
	Full         bool
}

// List returns documents matching the query, newest first. Unless Full is
// set, the bulk scene columns are left empty in the returned records.
func (s *Service) List(ctx context.Context, query ListQuery) ([]Document, error) {
	db := s.database.DB().WithContext(ctx).Model(&Document{})

	if query.Search != "" {
		db = db.Where("name LIKE ?", "%"+query.Search+"%")
	}
	if query.CollectionID != "" {
		db = db.Where("collection_id = ?", query.CollectionID)
	}
	if !query.Full {
		db = db.Select("id", "name", "collection_id", "preview", "version", "created_at_s", "updated_at_s")
	}

	var results []Document
	if err := db.Order("updated_at_s DESC").Find(&results).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return results, nil
}

// Get returns a single document by identifier.
func (s *Service) Get(ctx context.Context, id DocumentID) (Document, error) {
	var document Document
	err := s.database.DB().WithContext(ctx).
		Where("id = ?", id.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("document_id", id.String()))
		return Document{}, newServiceError(opGet, "query_failed", err)
	}
	return document, nil
}

// Create persists a new document at version 1.
func (s *Service) Create(ctx context.Context, payload ScenePayload) (Document, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Document{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	document := Document{
		ID:               id,
		Name:             payload.Name,
		CollectionID:     normalizeCollectionRef(payload.CollectionID),
		ElementsJSON:     payload.ElementsJSON,
		AppStateJSON:     payload.AppStateJSON,
		FilesJSON:        payload.FilesJSON,
		Preview:          payload.Preview,
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if err := s.database.DB().WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("document_id", id))
		return Document{}, newServiceError(opCreate, "insert_failed", err)
	}
	return document, nil
}

// Update applies the supplied fields and increments the version by exactly
// one. No last-seen-version precondition is checked: concurrent writers race
// and the last write wins.
func (s *Service) Update(ctx context.Context, id DocumentID, fields UpdateFields) (Document, error) {
	var updated Document
	txErr := s.database.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Where("id = ?", id.String()).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			s.logError(opUpdate, "select_failed", err, zap.String("document_id", id.String()))
			return newServiceError(opUpdate, "select_failed", err)
		}

		if fields.Name != nil {
			existing.Name = *fields.Name
		}
		if fields.ElementsJSON != nil {
			existing.ElementsJSON = *fields.ElementsJSON
		}
		if fields.AppStateJSON != nil {
			existing.AppStateJSON = *fields.AppStateJSON
		}
		if fields.FilesJSON != nil {
			existing.FilesJSON = *fields.FilesJSON
		}
		if fields.Preview != nil {
			existing.Preview = *fields.Preview
		}
		if fields.CollectionID != nil {
			existing.CollectionID = normalizeCollectionRef(fields.CollectionID)
		}

		existing.Version++
		existing.UpdatedAtSeconds = s.clock().UTC().Unix()

		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpdate, "save_failed", err, zap.String("document_id", id.String()))
			return newServiceError(opUpdate, "save_failed", err)
		}
		updated = existing
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}
	return updated, nil
}

// Delete removes a document.
func (s *Service) Delete(ctx context.Context, id DocumentID) error {
	result := s.database.DB().WithContext(ctx).
		Where("id = ?", id.String()).
		Delete(&Document{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("document_id", id.String()))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Duplicate copies a document under a fresh identifier. The copy restarts at
// version 1 with a " (copy)" name suffix.
func (s *Service) Duplicate(ctx context.Context, id DocumentID) (Document, error) {
	source, err := s.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}

	newID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opDuplicate, "id_generation_failed", err, zap.String("document_id", id.String()))
		return Document{}, newServiceError(opDuplicate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	duplicate := Document{
		ID:               newID,
		Name:             source.Name + duplicateNameSuffix,
		CollectionID:     source.CollectionID,
		ElementsJSON:     source.ElementsJSON,
		AppStateJSON:     source.AppStateJSON,
		FilesJSON:        source.FilesJSON,
		Preview:          source.Preview,
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if err := s.database.DB().WithContext(ctx).Create(&duplicate).Error; err != nil {
		s.logError(opDuplicate, "insert_failed", err, zap.String("document_id", newID))
		return Document{}, newServiceError(opDuplicate, "insert_failed", err)
	}
	return duplicate, nil
}

// ListCollections returns all collections, newest first.
func (s *Service) ListCollections(ctx context.Context) ([]Collection, error) {
	var collections []Collection
	if err := s.database.DB().WithContext(ctx).
		Order("updated_at_s DESC").
		Find(&collections).Error; err != nil {
		s.logError(opListCollections, "query_failed", err)
		return nil, newServiceError(opListCollections, "query_failed", err)
	}
	return collections, nil
}

// CreateCollection persists a new collection.
func (s *Service) CreateCollection(ctx context.Context, name string) (Collection, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCollection, "id_generation_failed", err)
		return Collection{}, newServiceError(opCreateCollection, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	collection := Collection{
		ID:               id,
		Name:             name,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.database.DB().WithContext(ctx).Create(&collection).Error; err != nil {
		s.logError(opCreateCollection, "insert_failed", err, zap.String("collection_id", id))
		return Collection{}, newServiceError(opCreateCollection, "insert_failed", err)
	}
	return collection, nil
}

// UpdateCollection renames a collection.
func (s *Service) UpdateCollection(ctx context.Context, id CollectionID, name string) (Collection, error) {
	var collection Collection
	txErr := s.database.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id.String()).Take(&collection).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			s.logError(opUpdateCollection, "select_failed", err, zap.String("collection_id", id.String()))
			return newServiceError(opUpdateCollection, "select_failed", err)
		}

		collection.Name = name
		collection.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&collection).Error; err != nil {
			s.logError(opUpdateCollection, "save_failed", err, zap.String("collection_id", id.String()))
			return newServiceError(opUpdateCollection, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Collection{}, txErr
	}
	return collection, nil
}

// DeleteCollection removes a collection and detaches its documents in one
// transaction so documents are never left referencing a missing collection.
func (s *Service) DeleteCollection(ctx context.Context, id CollectionID) error {
	return s.database.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id.String()).Delete(&Collection{})
		if result.Error != nil {
			s.logError(opDeleteCollection, "delete_failed", result.Error, zap.String("collection_id", id.String()))
			return newServiceError(opDeleteCollection, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&Document{}).
			Where("collection_id = ?", id.String()).
			Update("collection_id", nil).Error; err != nil {
			s.logError(opDeleteCollection, "detach_failed", err, zap.String("collection_id", id.String()))
			return newServiceError(opDeleteCollection, "detach_failed", err)
		}
		return nil
	})
}

// GetLibrary returns the shared library blob, or ErrNotFound when no library
// has been stored yet.
func (s *Service) GetLibrary(ctx context.Context) (LibraryBlob, error) {
	var blob LibraryBlob
	err := s.database.DB().WithContext(ctx).
		Where("id = ?", libraryRowID).
		Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LibraryBlob{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetLibrary, "query_failed", err)
		return LibraryBlob{}, newServiceError(opGetLibrary, "query_failed", err)
	}
	return blob, nil
}

// PutLibrary replaces the shared library blob wholesale.
func (s *Service) PutLibrary(ctx context.Context, blobJSON string) (LibraryBlob, error) {
	blob := LibraryBlob{
		ID:               libraryRowID,
		BlobJSON:         blobJSON,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.database.DB().WithContext(ctx).Save(&blob).Error; err != nil {
		s.logError(opPutLibrary, "save_failed", err)
		return LibraryBlob{}, newServiceError(opPutLibrary, "save_failed", err)
	}
	return blob, nil
}

func normalizeCollectionRef(ref *string) *string {
	if ref == nil || *ref == "" {
		return nil
	}
	value := *ref
	return &value
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents service error", attrs...)
}
