// Package config defines the options recognized by lmcs.Open and their
// defaults, mirroring the teacher's nested Config struct-of-structs.
package config

import (
	"time"

	"github.com/kartikbazzad/lmcs/internal/errors"
)

// StorageType selects a storage backend.
type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageJSON   StorageType = "json"
	StorageBinary StorageType = "binary"
	StorageAOL    StorageType = "aol"
)

// Config holds all options recognized by lmcs.Open (spec §6).
type Config struct {
	StorageType StorageType // required
	DatabaseName string     // required for persistent backends
	CustomPath   string     // defaults to "./lmcs-data"

	EncryptionKey string // non-empty enables CryptoVault

	EnableChecksums bool // default true

	BufferSize int // AOL write-buffer threshold; default 100

	CompactionInterval time.Duration // AOL auto-compaction period; 0 disables; default 60s
	AutosaveInterval   time.Duration // JSON autosave period; 0 disables; default 5s

	// EnableTransactions is implicitly true for non-memory storages.
	// Explicitly setting it false forbids Database.Transaction.
	EnableTransactions *bool

	Lock LockConfig
}

// LockConfig configures FileLock acquisition (spec §4.2).
type LockConfig struct {
	Retries  int
	StaleMS  int
}

// Default returns the configuration defaults named in spec §6.
func Default() *Config {
	return &Config{
		StorageType:        StorageMemory,
		CustomPath:         "./lmcs-data",
		EnableChecksums:    true,
		BufferSize:         100,
		CompactionInterval: 60 * time.Second,
		AutosaveInterval:   5 * time.Second,
		Lock: LockConfig{
			Retries: 5,
			StaleMS: 5000,
		},
	}
}

// Validate checks the configuration for the required fields and fills in
// any defaults the caller left zero-valued.
func (c *Config) Validate() error {
	switch c.StorageType {
	case StorageMemory, StorageJSON, StorageBinary, StorageAOL:
	case "":
		return errors.ValidationError(errors.CodeBadConfig, "storageType is required", nil)
	default:
		return errors.ValidationError(errors.CodeUnknownStorage, "unknown storageType: "+string(c.StorageType), nil)
	}

	if c.StorageType != StorageMemory && c.DatabaseName == "" {
		return errors.ValidationError(errors.CodeBadConfig, "databaseName is required for persistent storage", nil)
	}

	if c.CustomPath == "" {
		c.CustomPath = "./lmcs-data"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.Lock.Retries <= 0 {
		c.Lock.Retries = 5
	}
	if c.Lock.StaleMS <= 0 {
		c.Lock.StaleMS = 5000
	}

	return nil
}

// TransactionsEnabled reports whether transaction() is permitted for this
// configuration: implicitly true for non-memory storages, explicitly
// overridable to false (spec §6).
func (c *Config) TransactionsEnabled() bool {
	if c.EnableTransactions != nil {
		return *c.EnableTransactions
	}
	return c.StorageType != StorageMemory
}
