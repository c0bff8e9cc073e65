package setup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBConfig_DSN(t *testing.T) {
	_, err := DBConfig{}.DSN()
	assert.Error(t, err, "未设置用户名时不构建 DSN")

	dsn, err := DBConfig{User: "root", Password: "pw"}.DSN()
	require.NoError(t, err)
	assert.Equal(t, "root:pw@tcp(127.0.0.1:3306)/sketchroom?charset=utf8mb4&parseTime=True&loc=Local", dsn)

	dsn, err = DBConfig{User: "app", Host: "db", Port: "3307", Name: "boards"}.DSN()
	require.NoError(t, err)
	assert.Equal(t, "app:@tcp(db:3307)/boards?charset=utf8mb4&parseTime=True&loc=Local", dsn)
}

func TestMigrateDB_NilConnection(t *testing.T) {
	assert.Error(t, MigrateDB(nil))
}
