// Package sanitize is the validation gate every document payload passes
// before it may reach storage: a shape check with itemized field errors,
// followed by content sanitization of script-bearing text and embedded
// files.
package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/easel-labs/easel-backend/internal/documents"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

const (
	maxNameLength   = 160
	defaultName     = "Untitled"
	emptyArrayJSON  = "[]"
	emptyObjectJSON = "{}"
)

// FieldIssue names one field-level violation.
type FieldIssue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries the itemized list of field issues for a rejected
// payload.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", issue.Field, issue.Reason)
	}
	return "sanitize: " + strings.Join(parts, "; ")
}

// DocumentPayload is the wire shape accepted for create and update requests.
// Decoding into this struct is what normalizes extraneous top-level
// properties out of the payload.
type DocumentPayload struct {
	Name         *string         `json:"name"`
	Elements     json.RawMessage `json:"elements"`
	AppState     json.RawMessage `json:"appState"`
	Files        json.RawMessage `json:"files"`
	Preview      *string         `json:"preview"`
	CollectionID *string         `json:"collectionId"`
	// Imported marks payloads sourced from an external file; those pass the
	// stricter structural check first.
	Imported bool `json:"imported"`
}

type metadataShape struct {
	Name    string `validate:"max=160"`
	Preview string `validate:"omitempty,startswith=data:image/"`
}

// Gate applies shape validation and content sanitization.
type Gate struct {
	policy   *bluemonday.Policy
	validate *validator.Validate
	logger   *zap.Logger
}

// NewGate constructs a Gate with the strict sanitization policy.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		policy:   bluemonday.StrictPolicy(),
		validate: validator.New(),
		logger:   logger,
	}
}

// CheckCreate validates and sanitizes a full payload, substituting defaults
// for absent optional fields.
func (g *Gate) CheckCreate(payload DocumentPayload) (documents.ScenePayload, error) {
	name := defaultName
	if payload.Name != nil {
		name = *payload.Name
	}
	preview := ""
	if payload.Preview != nil {
		preview = *payload.Preview
	}

	if issues := g.checkMetadataShape(name, preview); len(issues) > 0 {
		return documents.ScenePayload{}, &ValidationError{Issues: issues}
	}

	elements := emptyArrayJSON
	if len(payload.Elements) > 0 {
		sanitized, err := g.sanitizeElements(payload.Elements)
		if err != nil {
			return documents.ScenePayload{}, err
		}
		elements = sanitized
	}
	appState := emptyObjectJSON
	if len(payload.AppState) > 0 {
		sanitized, err := g.sanitizeObject("appState", payload.AppState)
		if err != nil {
			return documents.ScenePayload{}, err
		}
		appState = sanitized
	}
	files := emptyObjectJSON
	if len(payload.Files) > 0 {
		sanitized, err := g.sanitizeFiles(payload.Files)
		if err != nil {
			return documents.ScenePayload{}, err
		}
		files = sanitized
	}

	return documents.ScenePayload{
		Name:         g.policy.Sanitize(name),
		ElementsJSON: elements,
		AppStateJSON: appState,
		FilesJSON:    files,
		Preview:      preview,
		CollectionID: payload.CollectionID,
	}, nil
}

// CheckUpdate validates and sanitizes a partial payload; only fields the
// request actually supplied appear in the result. When sanitization of the
// bulk content fields fails but metadata fields were supplied, the metadata
// subset is still accepted, so metadata-only edits are never blocked by
// unrelated content issues.
func (g *Gate) CheckUpdate(payload DocumentPayload) (documents.UpdateFields, error) {
	var fields documents.UpdateFields

	if payload.Name != nil {
		name := g.policy.Sanitize(*payload.Name)
		if issues := g.checkMetadataShape(name, ""); len(issues) > 0 {
			return documents.UpdateFields{}, &ValidationError{Issues: issues}
		}
		fields.Name = &name
	}
	if payload.Preview != nil {
		if issues := g.checkMetadataShape("", *payload.Preview); len(issues) > 0 {
			return documents.UpdateFields{}, &ValidationError{Issues: issues}
		}
		fields.Preview = payload.Preview
	}
	if payload.CollectionID != nil {
		fields.CollectionID = payload.CollectionID
	}

	var bulkErr error
	if len(payload.Elements) > 0 {
		if sanitized, err := g.sanitizeElements(payload.Elements); err != nil {
			bulkErr = err
		} else {
			fields.ElementsJSON = &sanitized
		}
	}
	if len(payload.AppState) > 0 {
		if sanitized, err := g.sanitizeObject("appState", payload.AppState); err != nil {
			bulkErr = errors.Join(bulkErr, err)
		} else {
			fields.AppStateJSON = &sanitized
		}
	}
	if len(payload.Files) > 0 {
		if sanitized, err := g.sanitizeFiles(payload.Files); err != nil {
			bulkErr = errors.Join(bulkErr, err)
		} else {
			fields.FilesJSON = &sanitized
		}
	}

	if bulkErr != nil {
		hasMetadata := fields.Name != nil || fields.Preview != nil || fields.CollectionID != nil
		if !hasMetadata {
			return documents.UpdateFields{}, bulkErr
		}
		g.logger.Warn("accepting metadata-only update despite content sanitization failure",
			zap.Error(bulkErr))
		fields.ElementsJSON = nil
		fields.AppStateJSON = nil
		fields.FilesJSON = nil
	}

	return fields, nil
}

// CheckImported runs the stricter structural validation applied to payloads
// flagged as externally imported, before the regular gate. Every element must
// decode fully; there is no leniency.
func (g *Gate) CheckImported(payload DocumentPayload) error {
	var issues []FieldIssue

	if len(payload.Elements) == 0 {
		issues = append(issues, FieldIssue{Field: "elements", Reason: "required for imported content"})
	} else {
		var elements []strictElement
		decoder := json.NewDecoder(strings.NewReader(string(payload.Elements)))
		if err := decoder.Decode(&elements); err != nil {
			issues = append(issues, FieldIssue{Field: "elements", Reason: "must fully decode as an element array"})
		} else {
			for i, element := range elements {
				if element.ID == "" || element.Type == "" {
					issues = append(issues, FieldIssue{
						Field:  fmt.Sprintf("elements[%d]", i),
						Reason: "id and type are required",
					})
				}
			}
		}
	}

	if len(payload.AppState) > 0 && !isJSONObject(payload.AppState) {
		issues = append(issues, FieldIssue{Field: "appState", Reason: "must be an object"})
	}
	if len(payload.Files) > 0 && !isJSONObject(payload.Files) {
		issues = append(issues, FieldIssue{Field: "files", Reason: "must be an object"})
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

type strictElement struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (g *Gate) checkMetadataShape(name, preview string) []FieldIssue {
	shape := metadataShape{Name: name, Preview: preview}
	err := g.validate.Struct(shape)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return []FieldIssue{{Field: "payload", Reason: "invalid shape"}}
	}

	issues := make([]FieldIssue, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		switch fieldErr.Field() {
		case "Name":
			issues = append(issues, FieldIssue{
				Field:  "name",
				Reason: fmt.Sprintf("must be at most %d characters", maxNameLength),
			})
		case "Preview":
			issues = append(issues, FieldIssue{
				Field:  "preview",
				Reason: "must be a data:image URL",
			})
		}
	}
	return issues
}

// sanitizeElements requires an array of objects each carrying string id and
// type, strips script content from text fields and neutralizes dangerous
// link schemes.
func (g *Gate) sanitizeElements(raw json.RawMessage) (string, error) {
	var elements []map[string]any
	if err := json.Unmarshal(raw, &elements); err != nil {
		return "", &ValidationError{Issues: []FieldIssue{
			{Field: "elements", Reason: "must be an array of objects"},
		}}
	}

	var issues []FieldIssue
	for i, element := range elements {
		id, idOK := element["id"].(string)
		kind, kindOK := element["type"].(string)
		if !idOK || !kindOK || id == "" || kind == "" {
			issues = append(issues, FieldIssue{
				Field:  fmt.Sprintf("elements[%d]", i),
				Reason: "id and type must be non-empty strings",
			})
			continue
		}
		for _, textKey := range []string{"text", "rawText", "originalText"} {
			if text, ok := element[textKey].(string); ok {
				element[textKey] = g.policy.Sanitize(text)
			}
		}
		if link, ok := element["link"].(string); ok && isDangerousURL(link) {
			delete(element, "link")
		}
	}
	if len(issues) > 0 {
		return "", &ValidationError{Issues: issues}
	}

	sanitized, err := json.Marshal(elements)
	if err != nil {
		return "", &ValidationError{Issues: []FieldIssue{
			{Field: "elements", Reason: "not serializable"},
		}}
	}
	return string(sanitized), nil
}

func (g *Gate) sanitizeObject(field string, raw json.RawMessage) (string, error) {
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return "", &ValidationError{Issues: []FieldIssue{
			{Field: field, Reason: "must be an object"},
		}}
	}
	sanitized, err := json.Marshal(state)
	if err != nil {
		return "", &ValidationError{Issues: []FieldIssue{
			{Field: field, Reason: "not serializable"},
		}}
	}
	return string(sanitized), nil
}

type embeddedFile struct {
	MimeType string `json:"mimeType"`
	DataURL  string `json:"dataURL"`
	Created  int64  `json:"created,omitempty"`
}

// sanitizeFiles validates the embedded file blob map and rejects entries
// whose data URLs could carry executable content.
func (g *Gate) sanitizeFiles(raw json.RawMessage) (string, error) {
	var files map[string]embeddedFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return "", &ValidationError{Issues: []FieldIssue{
			{Field: "files", Reason: "must be a map of file blobs"},
		}}
	}

	var issues []FieldIssue
	for id, file := range files {
		if file.DataURL == "" {
			issues = append(issues, FieldIssue{
				Field:  fmt.Sprintf("files[%s]", id),
				Reason: "dataURL is required",
			})
			continue
		}
		if isDangerousURL(file.DataURL) {
			issues = append(issues, FieldIssue{
				Field:  fmt.Sprintf("files[%s]", id),
				Reason: "dataURL carries executable content",
			})
		}
	}
	if len(issues) > 0 {
		return "", &ValidationError{Issues: issues}
	}

	sanitized, err := json.Marshal(files)
	if err != nil {
		return "", &ValidationError{Issues: []FieldIssue{
			{Field: "files", Reason: "not serializable"},
		}}
	}
	return string(sanitized), nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

func isDangerousURL(value string) bool {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, " ", "")
	if strings.HasPrefix(normalized, "javascript:") || strings.HasPrefix(normalized, "vbscript:") {
		return true
	}
	if strings.HasPrefix(normalized, "data:text/html") || strings.HasPrefix(normalized, "data:image/svg+xml") {
		return true
	}
	return false
}
