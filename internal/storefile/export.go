package storefile

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/easel-labs/easel-backend/internal/documents"
)

const (
	sceneFileExtension = ".excalidraw"
	manifestFileName   = "manifest.json"
)

// sceneFile is the plain-text export shape of one drawing, compatible with
// re-import through the document create path.
type sceneFile struct {
	Elements json.RawMessage `json:"elements"`
	AppState json.RawMessage `json:"appState"`
	Files    json.RawMessage `json:"files"`
}

type manifestEntry struct {
	DocumentID string `json:"documentId"`
	Name       string `json:"name"`
	Collection string `json:"collection,omitempty"`
	Path       string `json:"path"`
	Version    int64  `json:"version"`
}

type manifest struct {
	DocumentCount int             `json:"documentCount"`
	Entries       []manifestEntry `json:"entries"`
}

// WriteArchive streams a zip archive containing one scene file per document,
// grouped into per-collection folders, plus a generated manifest.
func WriteArchive(w io.Writer, docs []documents.Document, collections []documents.Collection) error {
	collectionNames := make(map[string]string, len(collections))
	for _, collection := range collections {
		collectionNames[collection.ID] = collection.Name
	}

	archive := zip.NewWriter(w)
	entries := make([]manifestEntry, 0, len(docs))
	usedPaths := make(map[string]int)

	for _, doc := range docs {
		folder := ""
		collectionName := ""
		if doc.CollectionID != nil {
			if name, ok := collectionNames[*doc.CollectionID]; ok {
				collectionName = name
				folder = sanitizePathComponent(name) + "/"
			}
		}

		entryPath := folder + sanitizePathComponent(doc.Name) + sceneFileExtension
		if count := usedPaths[entryPath]; count > 0 {
			usedPaths[entryPath] = count + 1
			entryPath = fmt.Sprintf("%s%s (%d)%s", folder, sanitizePathComponent(doc.Name), count+1, sceneFileExtension)
		} else {
			usedPaths[entryPath] = 1
		}

		scene := sceneFile{
			Elements: rawOrDefault(doc.ElementsJSON, "[]"),
			AppState: rawOrDefault(doc.AppStateJSON, "{}"),
			Files:    rawOrDefault(doc.FilesJSON, "{}"),
		}
		body, err := json.Marshal(scene)
		if err != nil {
			return fmt.Errorf("storefile: serialize scene %s: %w", doc.ID, err)
		}

		writer, err := archive.Create(entryPath)
		if err != nil {
			return fmt.Errorf("storefile: add archive entry %s: %w", entryPath, err)
		}
		if _, err := writer.Write(body); err != nil {
			return fmt.Errorf("storefile: write archive entry %s: %w", entryPath, err)
		}

		entries = append(entries, manifestEntry{
			DocumentID: doc.ID,
			Name:       doc.Name,
			Collection: collectionName,
			Path:       entryPath,
			Version:    doc.Version,
		})
	}

	manifestBody, err := json.MarshalIndent(manifest{DocumentCount: len(entries), Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("storefile: serialize manifest: %w", err)
	}
	manifestWriter, err := archive.Create(manifestFileName)
	if err != nil {
		return fmt.Errorf("storefile: add manifest: %w", err)
	}
	if _, err := manifestWriter.Write(manifestBody); err != nil {
		return fmt.Errorf("storefile: write manifest: %w", err)
	}

	return archive.Close()
}

// sanitizePathComponent replaces characters that are invalid in archive
// entry paths with underscores.
func sanitizePathComponent(name string) string {
	if name == "" {
		return "_"
	}
	var builder strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			builder.WriteRune('_')
		case r < 0x20:
			builder.WriteRune('_')
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

func rawOrDefault(value, fallback string) json.RawMessage {
	if strings.TrimSpace(value) == "" {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(value)
}
