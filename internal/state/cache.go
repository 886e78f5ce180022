// Package state persists the agent's view of enforced edge state between
// runs. The cache is a single schema-versioned JSON document replaced
// atomically on every successful cycle, so a crash never leaves a torn file
// and a restart resumes without re-reading remote state.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// SchemaVersion guards against reading a document written by an incompatible
// build. Bump it whenever the document layout changes.
const SchemaVersion = 1

// ErrCorrupt marks an unreadable or incompatible cache file. Callers start
// from an empty cache and schedule a full reconciliation.
var ErrCorrupt = errors.New("state: cache corrupt")

// Document is the on-disk root.
type Document struct {
	Schema    int                     `json:"schema_version"`
	UpdatedAt time.Time               `json:"updated_at"`
	Services  map[string]ServiceState `json:"services"`
}

// ServiceState captures everything needed to resume reconciling one service
// without a remote read.
type ServiceState struct {
	WorkingVersion    string                     `json:"working_version,omitempty"`
	ActiveVersion     string                     `json:"active_version,omitempty"`
	PendingActivation bool                       `json:"pending_activation,omitempty"`
	Provisioned       bool                       `json:"provisioned,omitempty"`
	CaptchaJWTSecret  string                     `json:"captcha_jwt_secret,omitempty"`
	Conditionals      map[string]string          `json:"conditionals,omitempty"`
	Collections       map[string]CollectionState `json:"collections"`
}

// CollectionState is the per-kind container list, in creation order.
type CollectionState struct {
	Containers []ContainerState `json:"containers"`
}

// ContainerState is one container's identity plus its committed members.
// Staged-but-unwritten changes are deliberately not persisted: a crash before
// the remote write means the next cycle must re-derive them.
type ContainerState struct {
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

func NewDocument() *Document {
	return &Document{
		Schema:   SchemaVersion,
		Services: make(map[string]ServiceState),
	}
}

// Prune drops cache entries for services that are no longer configured,
// warning about each so an operator notices a renamed service id.
func (d *Document) Prune(configured map[string]struct{}) {
	for serviceID := range d.Services {
		if _, ok := configured[serviceID]; !ok {
			log.Warn("Discarding cached state for unknown service", "service", serviceID)
			delete(d.Services, serviceID)
		}
	}
}

// Store serializes all access to one cache file.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the cache document. A missing file yields an empty document; an
// unreadable or schema-incompatible file yields an empty document alongside
// ErrCorrupt so the caller can trigger a full reconciliation.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return NewDocument(), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return NewDocument(), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Schema != SchemaVersion {
		return NewDocument(), fmt.Errorf("%w: schema %d, want %d", ErrCorrupt, doc.Schema, SchemaVersion)
	}
	if doc.Services == nil {
		doc.Services = make(map[string]ServiceState)
	}
	return &doc, nil
}

// Save atomically replaces the cache file: the document is written to a
// temporary file in the same directory and renamed over the previous one.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.Schema = SchemaVersion
	doc.UpdatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cache: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

// SortedEntries normalizes a member set for persistence.
func SortedEntries(members map[string]struct{}) []string {
	out := make([]string, 0, len(members))
	for member := range members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}
