package models

import (
	"fmt"
	"time"
)

// BackupKind says why a snapshot was taken.
type BackupKind string

const (
	KindDaily    BackupKind = "daily"
	KindMonthly  BackupKind = "monthly"
	KindUserFull BackupKind = "user_full"
)

// BackupKinds lists every kind.
var BackupKinds = []BackupKind{KindDaily, KindMonthly, KindUserFull}

// ParseBackupKind validates s.
func ParseBackupKind(s string) (BackupKind, error) {
	for _, k := range BackupKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown backup kind %q", s)
}

// Backup is one snapshot file in the store.
type Backup struct {
	Filename  string     `json:"filename"`
	Path      string     `json:"path"`
	Kind      BackupKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	SizeBytes int64      `json:"size_bytes"`
	Integrity *Integrity `json:"integrity,omitempty"`
}

// Integrity is the result of verifying a snapshot.
type Integrity struct {
	Valid  bool     `json:"valid"`
	Tables []string `json:"tables,omitempty"`
	Error  string   `json:"error,omitempty"`
}
