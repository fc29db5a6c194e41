package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestDocuments_TextFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lore.txt")
	require.NoError(t, os.WriteFile(path, []byte("the dragon guards the castle"), 0o644))

	loader := NewLoader(WithTempDir(t.TempDir()))
	parser := NewParserManager()

	messages, err := IngestDocuments(context.Background(), loader, parser, []DocumentSource{{Path: path}})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "the dragon guards the castle", messages[0].Text)
	assert.Equal(t, "text", messages[0].Metadata["file_type"])
}

func TestIngestDocuments_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("first entry"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("second entry"), 0o644))

	loader := NewLoader(WithTempDir(t.TempDir()))
	parser := NewParserManager()

	messages, err := IngestDocuments(context.Background(), loader, parser, []DocumentSource{{Path: dir}})
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestIngestDocuments_MissingSource(t *testing.T) {
	loader := NewLoader(WithTempDir(t.TempDir()))
	parser := NewParserManager()

	_, err := IngestDocuments(context.Background(), loader, parser, []DocumentSource{{}})
	assert.Error(t, err)
}

func TestNewDocumentSyncRequest_PopulatesMessagesAndDocumentText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.txt")
	require.NoError(t, os.WriteFile(path, []byte("the knight's sword was forged in the north"), 0o644))

	loader := NewLoader(WithTempDir(t.TempDir()))
	parser := NewParserManager()

	req, err := NewDocumentSyncRequest(context.Background(), loader, parser,
		[]DocumentSource{{Path: path}},
		SyncRequest{CollectionID: "vh:lorebook:realm-1", Backend: "standard", Provider: "local-transformer"})
	require.NoError(t, err)

	assert.Equal(t, "doc", req.SourceType)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.DocumentText, "forged in the north")
}
