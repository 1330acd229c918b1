package database

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gorm.io/gorm"
)

// BackupDatabase writes a mysqldump of the archive to outPath. Extra flags
// come from DB_BACKUP_FLAGS.
func BackupDatabase(ctx context.Context, outPath string) error {
	if _, err := exec.LookPath("mysqldump"); err != nil {
		return fmt.Errorf("mysqldump not found in PATH: %w", err)
	}
	args := strings.Fields(os.Getenv("DB_BACKUP_FLAGS"))
	cmd := exec.CommandContext(ctx, "mysqldump", args...)
	outFile, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer outFile.Close()
	cmd.Stdout = outFile
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mysqldump failed: %w", err)
	}
	return nil
}

// RunMigrationsWithBackup migrates models inside a transaction after a
// best-effort backup when DB_BACKUP_PATH is set.
func RunMigrationsWithBackup(db *gorm.DB, models ...interface{}) error {
	if backupPath := os.Getenv("DB_BACKUP_PATH"); backupPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		go func() {
			defer cancel()
			_ = BackupDatabase(ctx, backupPath)
		}()
		time.Sleep(500 * time.Millisecond)
	}

	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := tx.AutoMigrate(models...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}
