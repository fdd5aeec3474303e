package cron

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"skicast/config"
	"skicast/database"
)

// History retention. Sessions and their encoder logs older than this are
// removed by the daily cleanup.
const historyRetention = 30 * 24 * time.Hour

// StartHistoryCleanupCron initializes a daily job that:
// 1. Deletes stream sessions, transitions and probe results past retention
// 2. Removes orphaned encoder log files from the storage path
func StartHistoryCleanupCron(cfg *config.Config, db database.Database) {
	go func() {
		// Initial delay before first run
		time.Sleep(30 * time.Second)

		cleanupHistory(cfg, db)

		schedule := cron.New()
		_, err := schedule.AddFunc("@daily", func() {
			cleanupHistory(cfg, db)
		})
		if err != nil {
			log.Printf("historyCleanup : Error scheduling cleanup: %v", err)
			return
		}
		schedule.Start()
	}()
	log.Println("History cleanup cron job started - will prune session history daily")
}

func cleanupHistory(cfg *config.Config, db database.Database) {
	cutoff := time.Now().Add(-historyRetention)

	deleted, err := db.DeleteSessionsBefore(cutoff)
	if err != nil {
		log.Printf("historyCleanup : Error deleting old sessions: %v", err)
	} else if deleted > 0 {
		log.Printf("historyCleanup : Deleted %d sessions older than %v", deleted, cutoff.Format("2006-01-02"))
	}

	removed := cleanupLogFiles(filepath.Join(cfg.StoragePath, "logs"), cutoff)
	if removed > 0 {
		log.Printf("historyCleanup : Removed %d old encoder log files", removed)
	}
}

// cleanupLogFiles removes encoder and progress logs last touched before the
// cutoff. Returns how many files were removed.
func cleanupLogFiles(logDir string, cutoff time.Time) int {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if filepath.Ext(info.Name()) != ".log" {
			continue
		}
		if err := os.Remove(filepath.Join(logDir, info.Name())); err != nil {
			log.Printf("historyCleanup : Failed to remove %s: %v", info.Name(), err)
			continue
		}
		removed++
	}
	return removed
}
