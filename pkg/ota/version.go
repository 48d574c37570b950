package ota

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DefaultVersion is reported when no version has been recorded yet.
const DefaultVersion = "1.0.0"

// VersionInfo is the on-disk form of the firmware version record.
type VersionInfo struct {
	Version  string `json:"version"`
	Previous string `json:"previous,omitempty"`
}

// FileVersionProvider keeps the firmware version in a JSON file.
type FileVersionProvider struct {
	versionFile string
	mu          sync.RWMutex
	cache       *VersionInfo
}

// NewFileVersionProvider creates a file-based version provider
func NewFileVersionProvider(versionFile string) *FileVersionProvider {
	p := &FileVersionProvider{
		versionFile: versionFile,
	}
	p.load()
	return p
}

func (p *FileVersionProvider) load() {
	data, err := os.ReadFile(p.versionFile)
	if err != nil {
		p.cache = &VersionInfo{Version: DefaultVersion}
		return
	}

	var info VersionInfo
	if err := json.Unmarshal(data, &info); err == nil && info.Version != "" {
		p.cache = &info
		return
	}

	// Plain text files hold just the version string.
	version := strings.TrimSpace(string(data))
	if version == "" {
		version = DefaultVersion
	}
	p.cache = &VersionInfo{Version: version}
}

func (p *FileVersionProvider) save(info *VersionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.versionFile), 0755); err != nil {
		return errors.Wrap(err, "failed to create version directory")
	}
	return os.WriteFile(p.versionFile, data, 0644)
}

// GetVersion returns the recorded version.
func (p *FileVersionProvider) GetVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache.Version
}

// Previous returns the version that was replaced by the last SetVersion.
func (p *FileVersionProvider) Previous() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache.Previous
}

// SetVersion records a new version and remembers the one it replaces.
func (p *FileVersionProvider) SetVersion(version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := *p.cache
	if next.Version != version {
		next.Previous = next.Version
	}
	next.Version = version
	if err := p.save(&next); err != nil {
		return err
	}
	p.cache = &next
	return nil
}
