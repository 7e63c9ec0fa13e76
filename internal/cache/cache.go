// Package cache implements C4, the class cache: a persisted per-library
// record of class identifiers and observer subscriptions, read during
// delay-load and rewritten after any library is realized (spec §4.3).
package cache

import (
	"os"
	"path/filepath"

	"github.com/c4pt0r/x3plugin/internal/abi"
	"github.com/c4pt0r/x3plugin/internal/cachedoc"
	"github.com/c4pt0r/x3plugin/internal/clsid"
	"github.com/c4pt0r/x3plugin/internal/registry"
	log "github.com/sirupsen/logrus"
)

// Cache wraps the hierarchical document (internal/cachedoc) with the
// class-cache-specific read/write operations the loader needs.
type Cache struct {
	doc *cachedoc.Document
	s3  *S3Replicator
}

// Filename computes the cache's on-disk path per spec §6.3:
// <workdir>/config/<appname>.clsbuf if config/ exists, else
// <workdir>/<appname>.clsbuf.
func Filename(workdir, appname string) string {
	configDir := filepath.Join(workdir, "config")
	if info, err := os.Stat(configDir); err == nil && info.IsDir() {
		return filepath.Join(configDir, appname+".clsbuf")
	}
	return filepath.Join(workdir, appname+".clsbuf")
}

// Open bootstraps the class cache (spec §4.3 LoadCacheFile).
//
// The original implementation forces a delay-load of a fixed support
// library (ConfigXml.plugin) to obtain its document-store capability
// before it can read or write the cache at all — that indirection exists
// only because, in that codebase, the document store backing the cache
// is itself a plugin. Here the document store (internal/cachedoc) is a
// native Go package the loader links against directly, so there is
// nothing to delay-load: Open simply reads or creates the file. This is
// a deliberate simplification of an Open Question the original leaves
// implicit (see DESIGN.md).
//
// If an S3 replicator is configured and no local cache file exists yet,
// Open tries to fetch one from the bucket first (spec §4.8, D3) so a
// newly started host doesn't re-discover classes its siblings already
// cached.
func Open(workdir, appname string, s3 *S3Replicator) (*Cache, error) {
	path := Filename(workdir, appname)

	if s3 != nil {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if dlErr := s3.Download(appname, path); dlErr != nil {
				log.Warnf("cache: replication fetch failed, starting from an empty cache: %v", dlErr)
			}
		}
	}

	doc, err := cachedoc.Open(path)
	if err != nil {
		return nil, err
	}
	doc.SetAppName(appname)

	return &Cache{doc: doc, s3: s3}, nil
}

// LoadClsidsFromCache reads filename's cached record into t, creating or
// reusing an unrealized placeholder module and inserting a creator-less
// placeholder descriptor for each clsid not already in the class map
// (spec §4.3). It reports true iff the plugin had at least one clsid or
// one observer subscription recorded.
func (c *Cache) LoadClsidsFromCache(t *registry.Table, filename string) bool {
	name := filepath.Base(filename)

	if existing := t.FindByBasename(filename); existing >= 0 && len(t.At(existing).CLSIDs) > 0 {
		return true // already materialized from cache
	}

	idx, found := c.doc.Plugin(name)
	if !found {
		return false
	}

	entries := c.doc.PluginClassIDs(idx)
	hasObservers := len(c.doc.PluginObserverTypes(idx)) > 0
	if len(entries) == 0 && !hasObservers {
		return false
	}

	moduleIndex := t.FindByBasename(filename)
	if moduleIndex < 0 {
		moduleIndex = t.Append(&registry.ModuleRecord{Handle: registry.Unrealized, Filename: filename})
	}
	module := t.At(moduleIndex)

	for _, entry := range entries {
		id, err := clsid.Parse(entry.ID)
		if err != nil {
			log.Warnf("cache: skipping unparseable cached clsid %q for %s: %v", entry.ID, name, err)
			continue
		}
		if _, _, ok := t.Lookup(id); ok {
			continue
		}
		t.Insert(moduleIndex, abi.FactoryDescriptor{CLSID: id, ClassName: entry.Class})
		module.CLSIDs = append(module.CLSIDs, id)
	}

	return true
}

// BuildPluginCache compares module's current clsid list against the
// cached one and rewrites the entry if different, after a successful
// realize-and-init (spec §4.3). delayed must be true only when this call
// is realizing a delay-load placeholder (spec §4.4): if the module
// exports DllGetClassObject it is then also subscribed on the
// "x3::complugin" observer type, matching the original's
// AddObserverPlugin, which only ever runs with its loading guard held
// from that path — an ordinary eager load's guard has already closed by
// the time its cache refresh runs.
func (c *Cache) BuildPluginCache(t *registry.Table, moduleIndex int, delayed bool) bool {
	module := t.At(moduleIndex)
	if module == nil {
		return false
	}

	if delayed && module.Hooks != nil && module.Hooks.HasClassObject {
		c.RecordObserverSubscription(abi.ObserverTypeComPlugin, "", module.Filename)
	}

	name := filepath.Base(module.Filename)
	idx := c.doc.EnsurePlugin(name)
	c.doc.SetPluginFilename(idx, module.Filename)

	oldEntries := c.doc.PluginClassIDs(idx)
	oldIDs := make([]string, len(oldEntries))
	for i, e := range oldEntries {
		oldIDs[i] = e.ID
	}

	newEntries := make([]cachedoc.ClassIDEntry, 0, len(module.CLSIDs))
	newIDs := make([]string, 0, len(module.CLSIDs))
	for _, id := range module.CLSIDs {
		className := ""
		if _, desc, ok := t.Lookup(id); ok {
			className = desc.ClassName
		}
		newEntries = append(newEntries, cachedoc.ClassIDEntry{ID: id.String(), Class: className})
		newIDs = append(newIDs, id.String())
	}

	if stringSlicesEqual(oldIDs, newIDs) {
		return false
	}
	c.doc.SetPluginClassIDs(idx, newEntries)
	return true
}

// RecordObserverSubscription records that pluginFilename's library
// declared interest in (obtype, subtype). Per spec §9's design note, it
// should only be reached while the loader's loading guard is held for
// this realization (loading > 0); BuildPluginCache's delayed parameter
// enforces that at its one call site, so this method itself does not
// re-check it.
func (c *Cache) RecordObserverSubscription(obtype, subtype, pluginFilename string) {
	name := filepath.Base(pluginFilename)
	idx := c.doc.EnsurePlugin(name)
	c.doc.SetPluginFilename(idx, pluginFilename)
	c.doc.AddPluginObserverType(idx, obtype)
	c.doc.AddObserverSubscriber(obtype, subtype, name)
}

// ObserverSubscribers returns the plugin basenames subscribed to
// (obtype, subtype) — read by the observer bus's FireFirstEvent.
func (c *Cache) ObserverSubscribers(obtype, subtype string) []string {
	return c.doc.ObserverSubscribers(obtype, subtype)
}

// Save commits the cache document to disk through a transactional save
// (spec §4.3 SaveClsids) and, if S3 replication is configured, uploads
// the fresh snapshot so sibling hosts can pick it up.
func (c *Cache) Save() error {
	if err := c.doc.BeginTransaction().Submit(); err != nil {
		return err
	}
	if c.s3 != nil {
		if err := c.s3.Upload(c.doc.AppName(), c.doc.Path()); err != nil {
			log.Warnf("cache: replication upload failed: %v", err)
		}
	}
	return nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
