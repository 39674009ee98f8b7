package sanitize

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func strPtr(value string) *string {
	return &value
}

func TestCheckCreateSubstitutesDefaults(t *testing.T) {
	gate := NewGate(nil)

	payload, err := gate.CheckCreate(DocumentPayload{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Name != "Untitled" {
		t.Fatalf("expected default name, got %q", payload.Name)
	}
	if payload.ElementsJSON != "[]" {
		t.Fatalf("expected empty elements default, got %q", payload.ElementsJSON)
	}
	if payload.AppStateJSON != "{}" || payload.FilesJSON != "{}" {
		t.Fatalf("expected empty object defaults, got %q / %q", payload.AppStateJSON, payload.FilesJSON)
	}
}

func TestCheckCreateRejectsOverlongNameWithItemizedIssue(t *testing.T) {
	gate := NewGate(nil)

	_, err := gate.CheckCreate(DocumentPayload{Name: strPtr(strings.Repeat("x", 161))})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(validationErr.Issues) != 1 || validationErr.Issues[0].Field != "name" {
		t.Fatalf("expected itemized name issue, got %+v", validationErr.Issues)
	}
}

func TestCheckCreateRejectsNonImagePreview(t *testing.T) {
	gate := NewGate(nil)

	_, err := gate.CheckCreate(DocumentPayload{Preview: strPtr("data:text/html,<script>alert(1)</script>")})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Issues[0].Field != "preview" {
		t.Fatalf("expected preview issue, got %+v", validationErr.Issues)
	}
}

func TestCheckCreateStripsScriptContentFromElementText(t *testing.T) {
	gate := NewGate(nil)

	elements := json.RawMessage(`[{"id":"el-1","type":"text","text":"hello <script>alert(1)</script>world"}]`)
	payload, err := gate.CheckCreate(DocumentPayload{Elements: elements})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(payload.ElementsJSON, "<script>") {
		t.Fatalf("script content survived sanitization: %s", payload.ElementsJSON)
	}
	if !strings.Contains(payload.ElementsJSON, "hello") {
		t.Fatalf("benign text must survive sanitization: %s", payload.ElementsJSON)
	}
}

func TestCheckCreateDropsDangerousElementLinks(t *testing.T) {
	gate := NewGate(nil)

	elements := json.RawMessage(`[{"id":"el-1","type":"rectangle","link":"javascript:alert(1)"}]`)
	payload, err := gate.CheckCreate(DocumentPayload{Elements: elements})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(payload.ElementsJSON, "javascript") {
		t.Fatalf("dangerous link survived: %s", payload.ElementsJSON)
	}
}

func TestCheckCreateRejectsElementsWithoutIDOrType(t *testing.T) {
	gate := NewGate(nil)

	elements := json.RawMessage(`[{"id":"el-1","type":"rectangle"},{"type":"ellipse"}]`)
	_, err := gate.CheckCreate(DocumentPayload{Elements: elements})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Issues[0].Field != "elements[1]" {
		t.Fatalf("expected issue on second element, got %+v", validationErr.Issues)
	}
}

func TestCheckCreateRejectsExecutableFileBlobs(t *testing.T) {
	gate := NewGate(nil)

	files := json.RawMessage(`{"file-1":{"mimeType":"text/html","dataURL":"data:text/html,<script>x</script>"}}`)
	_, err := gate.CheckCreate(DocumentPayload{Files: files})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Issues[0].Field != "files[file-1]" {
		t.Fatalf("expected file issue, got %+v", validationErr.Issues)
	}
}

func TestCheckCreateNormalizesExtraneousTopLevelProperties(t *testing.T) {
	gate := NewGate(nil)

	var payload DocumentPayload
	raw := `{"name":"scene","elements":[],"__proto__":{"polluted":true},"extra":"dropped"}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sanitized, err := gate.CheckCreate(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sanitized.Name != "scene" {
		t.Fatalf("expected known fields preserved, got %q", sanitized.Name)
	}
}

func TestCheckUpdateSanitizesOnlySuppliedFields(t *testing.T) {
	gate := NewGate(nil)

	fields, err := gate.CheckUpdate(DocumentPayload{Name: strPtr("renamed <b>scene</b>")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fields.Name == nil || *fields.Name != "renamed scene" {
		t.Fatalf("expected sanitized name, got %v", fields.Name)
	}
	if fields.ElementsJSON != nil || fields.AppStateJSON != nil || fields.FilesJSON != nil {
		t.Fatalf("unsupplied fields must stay nil")
	}
}

func TestCheckUpdateAcceptsMetadataDespiteBrokenBulkContent(t *testing.T) {
	gate := NewGate(nil)

	payload := DocumentPayload{
		Name:     strPtr("renamed"),
		Elements: json.RawMessage(`"not an array"`),
	}
	fields, err := gate.CheckUpdate(payload)
	if err != nil {
		t.Fatalf("metadata-only acceptance expected, got %v", err)
	}
	if fields.Name == nil || *fields.Name != "renamed" {
		t.Fatalf("expected metadata to survive, got %v", fields.Name)
	}
	if fields.ElementsJSON != nil {
		t.Fatalf("failing bulk field must be dropped from the update")
	}
}

func TestCheckUpdateRejectsBulkOnlyPayloadWithBrokenContent(t *testing.T) {
	gate := NewGate(nil)

	_, err := gate.CheckUpdate(DocumentPayload{Elements: json.RawMessage(`"not an array"`)})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCheckImportedDemandsFullyDecodableElements(t *testing.T) {
	gate := NewGate(nil)

	err := gate.CheckImported(DocumentPayload{Elements: json.RawMessage(`[{"id":1,"type":"rectangle"}]`)})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	if err := gate.CheckImported(DocumentPayload{
		Elements: json.RawMessage(`[{"id":"el-1","type":"rectangle"}]`),
		AppState: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("well-formed imported payload must pass, got %v", err)
	}
}

func TestCheckImportedRequiresElements(t *testing.T) {
	gate := NewGate(nil)

	err := gate.CheckImported(DocumentPayload{})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Issues[0].Field != "elements" {
		t.Fatalf("expected elements issue, got %+v", validationErr.Issues)
	}
}
