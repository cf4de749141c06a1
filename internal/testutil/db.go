package testutil

import (
	"os"
	"testing"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rbutinar/power-bi-catalog/internal/database"
)

func openTestDB(t *testing.T, dialector gorm.Dialector) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect test database: %v", err)
	}
	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// SetupTestDB 创建测试数据库（SQLite 内存模式）
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db := openTestDB(t, sqlite.Open(":memory:"))

	// 内存库每个连接是独立的库，并发写入必须共用一个连接
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get underlying DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

// SetupTestDBWithMySQL 使用 TEST_DATABASE_DSN 指定的 MySQL，未设置时跳过
func SetupTestDBWithMySQL(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping MySQL tests")
	}
	return openTestDB(t, mysql.Open(dsn))
}

// CleanupTestDB 关闭测试数据库
func CleanupTestDB(t *testing.T, db *gorm.DB) {
	t.Helper()

	if err := database.Close(db); err != nil {
		t.Logf("Warning: Failed to close test database: %v", err)
	}
}

// TruncateTables 按迁移的逆序清空索引表
func TruncateTables(t *testing.T, db *gorm.DB) {
	t.Helper()

	models := database.Models()
	for i := len(models) - 1; i >= 0; i-- {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(models[i]); err != nil {
			t.Fatalf("Failed to parse model: %v", err)
		}
		if err := db.Exec("DELETE FROM " + stmt.Schema.Table).Error; err != nil {
			t.Logf("Warning: Failed to truncate table %s: %v", stmt.Schema.Table, err)
		}
	}
}
