package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpen(t *testing.T) {
	db, err := Open("file::memory:?cache=shared")
	assert.NoError(t, err)
	assert.NotNil(t, db)

	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	db, err = Open(dbPath)
	assert.NoError(t, err)
	assert.NotNil(t, db)
}
