// Package cachedoc is the concrete instance of the "opaque hierarchical
// key-value store with transactional save" spec §6.2 calls out as an
// external collaborator to the class cache (internal/cache). It is a
// YAML document, matching the teacher's config-file idiom
// (gopkg.in/yaml.v3, struct+tag marshaling) rather than the original's
// XML store, since the spec treats the exact backing format as opaque.
package cachedoc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClassIDEntry is one `clsid[id=...]/ class=...` leaf (spec §4.3 schema).
type ClassIDEntry struct {
	ID    string `yaml:"id"`
	Class string `yaml:"class,omitempty"`
}

type pluginEntry struct {
	Name      string         `yaml:"name"`
	Filename  string         `yaml:"filename,omitempty"`
	ClassIDs  []ClassIDEntry `yaml:"clsids,omitempty"`
	Observers []string       `yaml:"observers,omitempty"`
}

type observerSubscription struct {
	Type    string   `yaml:"type"`
	Subtype string   `yaml:"subtype"`
	Plugins []string `yaml:"plugins,omitempty"`
}

type docRoot struct {
	AppName   string                 `yaml:"appname"`
	Plugins   []pluginEntry          `yaml:"plugins,omitempty"`
	Observers []observerSubscription `yaml:"observers,omitempty"`
}

// Document is an in-memory hierarchical document backed by a file on
// disk. Mutations apply immediately in memory; nothing touches disk
// until a Transaction is submitted.
type Document struct {
	path string
	root docRoot
}

// Open loads path if it exists, or returns an empty document bound to
// path if it does not (the class cache's first-use bootstrap case,
// spec §4.3 LoadCacheFile).
func Open(path string) (*Document, error) {
	d := &Document{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cachedoc: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d.root); err != nil {
		return nil, fmt.Errorf("cachedoc: parse %s: %w", path, err)
	}
	return d, nil
}

// Path returns the file this document will be saved to.
func (d *Document) Path() string { return d.path }

// AppName / SetAppName are the `cache/appname` leaf.
func (d *Document) AppName() string      { return d.root.AppName }
func (d *Document) SetAppName(name string) { d.root.AppName = name }

// Plugin finds a `plugins/plugin[name=...]` section by its selector
// attribute, case-insensitively (plugin names are basenames).
func (d *Document) Plugin(name string) (idx int, ok bool) {
	for i := range d.root.Plugins {
		if strings.EqualFold(d.root.Plugins[i].Name, name) {
			return i, true
		}
	}
	return -1, false
}

// EnsurePlugin returns the index of the plugin section named name,
// creating it if absent.
func (d *Document) EnsurePlugin(name string) int {
	if idx, ok := d.Plugin(name); ok {
		return idx
	}
	d.root.Plugins = append(d.root.Plugins, pluginEntry{Name: name})
	return len(d.root.Plugins) - 1
}

// PluginCount reports how many plugin sections exist.
func (d *Document) PluginCount() int { return len(d.root.Plugins) }

// PluginNameAt supports index-based enumeration (spec §6.2's
// "child-section enumeration by index").
func (d *Document) PluginNameAt(i int) (string, bool) {
	if i < 0 || i >= len(d.root.Plugins) {
		return "", false
	}
	return d.root.Plugins[i].Name, true
}

func (d *Document) PluginFilename(idx int) string { return d.root.Plugins[idx].Filename }

func (d *Document) SetPluginFilename(idx int, path string) {
	d.root.Plugins[idx].Filename = path
}

// PluginClassIDs returns a copy of a plugin's declared clsid entries.
func (d *Document) PluginClassIDs(idx int) []ClassIDEntry {
	return append([]ClassIDEntry(nil), d.root.Plugins[idx].ClassIDs...)
}

// SetPluginClassIDs replaces a plugin's clsid entries wholesale — the
// equivalent of the original's "RemoveChildren(clsid)" followed by
// re-inserting the current list (spec §4.3 SaveClsids).
func (d *Document) SetPluginClassIDs(idx int, entries []ClassIDEntry) {
	d.root.Plugins[idx].ClassIDs = append([]ClassIDEntry(nil), entries...)
}

// PluginObserverTypes returns the observer types a plugin has declared
// interest in, per its own `plugins/plugin/observers` record.
func (d *Document) PluginObserverTypes(idx int) []string {
	return append([]string(nil), d.root.Plugins[idx].Observers...)
}

// AddPluginObserverType records that a plugin subscribed to obtype,
// idempotently.
func (d *Document) AddPluginObserverType(idx int, obtype string) {
	for _, t := range d.root.Plugins[idx].Observers {
		if t == obtype {
			return
		}
	}
	d.root.Plugins[idx].Observers = append(d.root.Plugins[idx].Observers, obtype)
}

// ObserverSubscribers returns the plugin basenames subscribed to
// (obtype, subtype), per the top-level `observers/observer` index.
func (d *Document) ObserverSubscribers(obtype, subtype string) []string {
	for _, o := range d.root.Observers {
		if o.Type == obtype && o.Subtype == subtype {
			return append([]string(nil), o.Plugins...)
		}
	}
	return nil
}

// AddObserverSubscriber records a plugin's interest in (obtype, subtype),
// idempotently.
func (d *Document) AddObserverSubscriber(obtype, subtype, pluginName string) {
	for i := range d.root.Observers {
		if d.root.Observers[i].Type == obtype && d.root.Observers[i].Subtype == subtype {
			for _, p := range d.root.Observers[i].Plugins {
				if strings.EqualFold(p, pluginName) {
					return
				}
			}
			d.root.Observers[i].Plugins = append(d.root.Observers[i].Plugins, pluginName)
			return
		}
	}
	d.root.Observers = append(d.root.Observers, observerSubscription{
		Type: obtype, Subtype: subtype, Plugins: []string{pluginName},
	})
}

// Transaction is the "transactional save scope" of spec §6.2: it commits
// the document's current in-memory state to disk atomically on Submit,
// and leaves the previously saved file untouched if Submit is never
// called.
type Transaction struct {
	doc *Document
}

// BeginTransaction opens a save scope over the document's current state.
func (d *Document) BeginTransaction() *Transaction {
	return &Transaction{doc: d}
}

// Submit serializes the document and renames it into place, so a crash
// mid-write can never leave a half-written cache file behind.
func (t *Transaction) Submit() error {
	data, err := yaml.Marshal(&t.doc.root)
	if err != nil {
		return fmt.Errorf("cachedoc: marshal: %w", err)
	}

	dir := filepath.Dir(t.doc.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cachedoc: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".clsbuf-*.tmp")
	if err != nil {
		return fmt.Errorf("cachedoc: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cachedoc: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cachedoc: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, t.doc.path); err != nil {
		return fmt.Errorf("cachedoc: rename into place: %w", err)
	}
	return nil
}
