// Package syncinfo keeps replay bookkeeping (last successful sync, last
// attempt, pending count) in a small YAML file next to the database.
package syncinfo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncInfo represents data about the last synchronization.
type SyncInfo struct {
	LastSync    time.Time `yaml:"last_sync,omitempty"`    // last replay that confirmed at least one item
	LastAttempt time.Time `yaml:"last_attempt,omitempty"` // last replay that attempted anything
	Pending     int       `yaml:"pending"`
	Succeeded   int       `yaml:"succeeded"` // counts of the last attempt
	Failed      int       `yaml:"failed"`
}

// SyncManager manages access to and updates of synchronization data.
type SyncManager struct {
	fileMutex sync.RWMutex // guards the file
	syncData  *MutexedSyncInfo
	filename  string
}

// MutexedSyncInfo wraps SyncInfo with a mutex for safe access from different threads.
type MutexedSyncInfo struct {
	sync.RWMutex
	SyncInfo SyncInfo
}

// NewSyncManager creates a SyncManager backed by fileName and loads any
// previously saved state. A missing file is not an error.
func NewSyncManager(fileName string) (*SyncManager, error) {
	sm := &SyncManager{
		syncData: &MutexedSyncInfo{},
		filename: fileName,
	}
	info, err := sm.LoadSyncInfoFromFile()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	sm.UpdateSyncInfo(info)
	return sm, nil
}

// UpdateSyncInfo updates synchronization data.
func (sm *SyncManager) UpdateSyncInfo(info SyncInfo) {
	sm.syncData.Lock()
	defer sm.syncData.Unlock()
	sm.syncData.SyncInfo = info
}

// GetSyncInfo returns the current synchronization data.
func (sm *SyncManager) GetSyncInfo() SyncInfo {
	sm.syncData.RLock()
	defer sm.syncData.RUnlock()
	return sm.syncData.SyncInfo
}

// SaveSyncInfoToFile saves synchronization data to a file.
func (sm *SyncManager) SaveSyncInfoToFile() error {
	sm.fileMutex.Lock()
	defer sm.fileMutex.Unlock()

	out, err := yaml.Marshal(sm.GetSyncInfo())
	if err != nil {
		return fmt.Errorf("encode sync info: %w", err)
	}
	tmp := sm.filename + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, sm.filename)
}

// LoadSyncInfoFromFile reads the saved state without applying it.
func (sm *SyncManager) LoadSyncInfoFromFile() (SyncInfo, error) {
	sm.fileMutex.RLock()
	defer sm.fileMutex.RUnlock()

	var info SyncInfo
	fileContent, err := os.ReadFile(sm.filename)
	if err != nil {
		return info, err
	}
	if err := yaml.Unmarshal(fileContent, &info); err != nil {
		return SyncInfo{}, fmt.Errorf("decode sync info %s: %w", sm.filename, err)
	}
	return info, nil
}

// UpdateAndSaveSyncInfo updates and saves synchronization data.
func (sm *SyncManager) UpdateAndSaveSyncInfo(info SyncInfo) error {
	sm.UpdateSyncInfo(info)
	return sm.SaveSyncInfoToFile()
}

// RecordReplay stores the outcome of a replay run.
func (sm *SyncManager) RecordReplay(at time.Time, succeeded, failed, pending int) error {
	info := sm.GetSyncInfo()
	info.LastAttempt = at.UTC()
	if succeeded > 0 {
		info.LastSync = at.UTC()
	}
	info.Succeeded = succeeded
	info.Failed = failed
	info.Pending = pending
	return sm.UpdateAndSaveSyncInfo(info)
}
