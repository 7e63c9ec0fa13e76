// Command x3host is the bootstrap host (spec's ambient D4 addition): it
// reads a YAML config, builds the class cache and optional replication
// and SQL mirror, drives the loader through discovery and
// initialization on the main goroutine, and exposes read-only
// introspection endpoints over HTTP. Grounded on the teacher's
// cmd/server/main.go for flag parsing and logrus setup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/c4pt0r/x3plugin/internal/cache"
	"github.com/c4pt0r/x3plugin/internal/hostconfig"
	"github.com/c4pt0r/x3plugin/internal/loader"
	"github.com/c4pt0r/x3plugin/internal/observer"
	"github.com/c4pt0r/x3plugin/internal/pathutil"
	"github.com/c4pt0r/x3plugin/internal/registry"
	"github.com/c4pt0r/x3plugin/internal/sqlmirror"
	log "github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

func main() {
	configFile := flag.String("c", "x3host.yaml", "Path to host configuration file")
	addr := flag.String("addr", ":8090", "Introspection HTTP listen address")
	flag.Parse()

	cfg, err := hostconfig.Load(*configFile)
	if err != nil {
		log.Warnf("falling back to default configuration: %v", err)
		cfg = hostconfig.Default()
	}

	logLevel := log.InfoLevel
	if cfg.LogLevel != "" {
		if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
			logLevel = level
		}
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf(" %s:%d\t", filepath.Base(f.File), f.Line)
		},
	})
	log.SetReportCaller(true)
	log.SetLevel(logLevel)

	hostExe, err := os.Executable()
	if err != nil {
		log.Fatalf("resolve host executable path: %v", err)
	}

	var replicator *cache.S3Replicator
	if cfg.Cache.S3.Enabled {
		replicator, err = cache.NewS3Replicator(context.Background(), cache.S3ReplicatorConfig{
			Bucket:          cfg.Cache.S3.Bucket,
			Region:          cfg.Cache.S3.Region,
			Endpoint:        cfg.Cache.S3.Endpoint,
			AccessKeyID:     cfg.Cache.S3.AccessKeyID,
			SecretAccessKey: cfg.Cache.S3.SecretAccessKey,
		})
		if err != nil {
			log.Warnf("cache replication disabled: %v", err)
		}
	}

	classCache, err := cache.Open(cfg.Cache.WorkDir, cfg.AppName, replicator)
	if err != nil {
		log.Fatalf("open class cache: %v", err)
	}

	table := registry.NewTable()

	var opts []loader.Option
	if cfg.SQL.Enabled {
		mirror, err := sqlmirror.Open(cfg.SQL.DSN)
		if err != nil {
			log.Warnf("sql registry mirror disabled: %v", err)
		} else {
			opts = append(opts, loader.WithSQLMirror(mirror))
		}
	}
	wasmCtx := context.Background()
	wasmRuntime := wazero.NewRuntime(wasmCtx)
	defer wasmRuntime.Close(wasmCtx)
	if _, err := wasi_snapshot_preview1.Instantiate(wasmCtx, wasmRuntime); err != nil {
		log.Fatalf("instantiate WASI for wasm runtime: %v", err)
	}
	opts = append(opts, loader.WithWasmRuntime(wasmCtx, wasmRuntime))

	ld := loader.New(hostExe, table, classCache, opts...)
	ld.Bind()

	bus := observer.New(classCache, ld)

	extension := cfg.Plugins.Extension
	if extension == "" {
		extension = pathutil.DefaultExtension()
	}
	n, err := ld.LoadFromDirectory(cfg.Plugins.Dir, extension, cfg.Plugins.Recursive, cfg.Plugins.DelayLoad)
	if err != nil {
		log.Errorf("discover plugins in %s: %v", cfg.Plugins.Dir, err)
	}
	log.Infof("discovered %d plugins in %s", n, cfg.Plugins.Dir)

	initialized := ld.InitializePlugins()
	log.Infof("initialized %d of %d registered modules", initialized, table.Size())

	bus.FireFirstEvent("startup", "")

	mux := http.NewServeMux()
	mux.HandleFunc("/classes", func(w http.ResponseWriter, r *http.Request) {
		writeClasses(w, table)
	})
	mux.HandleFunc("/modules", func(w http.ResponseWriter, r *http.Request) {
		writeModules(w, table)
	})
	mux.HandleFunc("/modules/unload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		ok := ld.Unload(name)
		json.NewEncoder(w).Encode(map[string]bool{"unloaded": ok})
	})

	log.Infof("x3host introspection listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("introspection server: %v", err)
	}
}

func writeClasses(w http.ResponseWriter, t *registry.Table) {
	type classRow struct {
		CLSID     string `json:"clsid"`
		ClassName string `json:"class_name"`
		Module    string `json:"module"`
		Realized  bool   `json:"realized"`
	}
	var rows []classRow
	for i := 0; i < t.Size(); i++ {
		m := t.At(i)
		for _, id := range m.CLSIDs {
			_, desc, ok := t.Lookup(id)
			if !ok {
				continue
			}
			rows = append(rows, classRow{
				CLSID:     id.String(),
				ClassName: desc.ClassName,
				Module:    m.Filename,
				Realized:  m.Realized(),
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

func writeModules(w http.ResponseWriter, t *registry.Table) {
	type moduleRow struct {
		Filename string `json:"filename"`
		Owned    bool   `json:"owned"`
		Inited   bool   `json:"inited"`
		Realized bool   `json:"realized"`
		Classes  int    `json:"classes"`
	}
	var rows []moduleRow
	for i := 0; i < t.Size(); i++ {
		m := t.At(i)
		rows = append(rows, moduleRow{
			Filename: m.Filename,
			Owned:    m.Owned,
			Inited:   m.Inited,
			Realized: m.Realized(),
			Classes:  len(m.CLSIDs),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}
