package documents

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidCollectionID indicates that a collection identifier is empty or exceeds storage bounds.
	ErrInvalidCollectionID = errors.New("documents: invalid collection id")
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("documents: not found")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// CollectionID represents a validated collection identifier.
type CollectionID string

// NewCollectionID validates raw input and returns a CollectionID.
func NewCollectionID(rawInput string) (CollectionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollectionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollectionID, maxIdentifierLength)
	}
	return CollectionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CollectionID) String() string {
	return string(id)
}

// Document models a persisted drawing scene. The bulk scene content is stored
// as serialized JSON text columns; Version increments by exactly one on every
// accepted update. There is no optimistic-lock precondition on writes: the
// last writer always wins, regardless of the version a client last saw.
type Document struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	Name             string  `gorm:"column:name;size:190;not null;index:idx_documents_name"`
	CollectionID     *string `gorm:"column:collection_id;size:190;index:idx_documents_collection"`
	ElementsJSON     string  `gorm:"column:elements_json;type:text;not null"`
	AppStateJSON     string  `gorm:"column:app_state_json;type:text;not null"`
	FilesJSON        string  `gorm:"column:files_json;type:text;not null"`
	Preview          string  `gorm:"column:preview;type:text;not null;default:''"`
	Version          int64   `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Collection groups documents for listing and archive export.
type Collection struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collection) TableName() string {
	return "collections"
}

// LibraryBlob holds the single shared library payload. Exactly one row is
// kept; clients replace it wholesale.
type LibraryBlob struct {
	ID               int64  `gorm:"column:id;primaryKey"`
	BlobJSON         string `gorm:"column:blob_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LibraryBlob) TableName() string {
	return "library_blobs"
}

// libraryRowID is the fixed primary key of the singleton library row.
const libraryRowID = int64(1)

// ScenePayload is the sanitized client-facing document payload accepted by
// Create.
type ScenePayload struct {
	Name         string
	ElementsJSON string
	AppStateJSON string
	FilesJSON    string
	Preview      string
	CollectionID *string
}

// UpdateFields carries a partial update; only non-nil fields are applied.
type UpdateFields struct {
	Name         *string
	ElementsJSON *string
	AppStateJSON *string
	FilesJSON    *string
	Preview      *string
	CollectionID *string
}

// Empty reports whether the update carries no fields at all.
func (f UpdateFields) Empty() bool {
	return f.Name == nil && f.ElementsJSON == nil && f.AppStateJSON == nil &&
		f.FilesJSON == nil && f.Preview == nil && f.CollectionID == nil
}
