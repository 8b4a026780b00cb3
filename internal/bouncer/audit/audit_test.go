package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:audit_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func TestLogThenRecent(t *testing.T) {
	db := setupDB(t)
	r := NewRecorder(db)

	require.NoError(t, r.Log("1.2.3.4", "ban", "ip", 7))
	require.NoError(t, r.Log("5.6.7.8", "captcha", "country", 9))

	rows, err := r.Recent(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotEmpty(t, rows[0].UUID)
}
