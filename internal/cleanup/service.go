package cleanup

import (
	"time"

	"lecture-attendance-go/internal/storage"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Service handles the automatic cleanup of old lecture data.
type Service struct {
	db            *gorm.DB
	retentionDays int
	checkInterval time.Duration
	stopChan      chan struct{} // Channel to signal stopping the background routine
}

// NewService creates a new cleanup Service.
func NewService(db *gorm.DB, retentionDays int, checkInterval time.Duration) *Service {
	if retentionDays <= 0 {
		log.Info("Automatic cleanup disabled (retention_days <= 0).")
		return nil // Return nil if cleanup is disabled
	}
	if db == nil {
		log.Error("Cannot initialize cleanup service: database connection is nil")
		return nil
	}
	log.Infof("Initializing cleanup service: RetentionDays=%d, CheckInterval=%s", retentionDays, checkInterval)
	return &Service{
		db:            db,
		retentionDays: retentionDays,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
	}
}

// StartBackgroundCleanup starts a goroutine that periodically runs the cleanup cycle.
func (s *Service) StartBackgroundCleanup() {
	if s == nil {
		return // Service was not initialized (cleanup disabled)
	}
	log.Info("Starting background cleanup routine...")

	// Run cleanup once immediately on start
	go func() {
		log.Info("Running initial cleanup check on startup...")
		s.RunCleanupCycle()
	}()

	ticker := time.NewTicker(s.checkInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.Info("Running scheduled cleanup cycle...")
				s.RunCleanupCycle()
			case <-s.stopChan:
				log.Info("Stopping background cleanup routine.")
				return
			}
		}
	}()
}

// StopBackgroundCleanup signals the background cleanup routine to stop.
func (s *Service) StopBackgroundCleanup() {
	if s == nil || s.stopChan == nil {
		return
	}
	close(s.stopChan)
}

// RunCleanupCycle deletes lectures (and their attendance records) older
// than the configured retention window.
func (s *Service) RunCleanupCycle() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	log.Infof("Cleanup: removing lectures created before %s", cutoff.Format(time.RFC3339))

	deleted, err := storage.DeleteLecturesBefore(s.db, cutoff)
	if err != nil {
		log.Errorf("Cleanup cycle failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Infof("Cleanup cycle finished: removed %d lecture(s)", deleted)
	} else {
		log.Debug("Cleanup cycle finished: nothing to remove")
	}
}
