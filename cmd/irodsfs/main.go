// Command irodsfs mounts the remote object store at a local mountpoint
// using the FS operation layer and the go-fuse adapter: flag parsing, a
// mountpoint sanity check, fs.Mount, a background ticker, and a deferred,
// signal-driven unmount.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	grailog "github.com/grailbio/base/log"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cyverse/irodsfs-core/internal/backend"
	"github.com/cyverse/irodsfs-core/internal/backend/localfs"
	"github.com/cyverse/irodsfs-core/internal/config"
	"github.com/cyverse/irodsfs-core/internal/connpool"
	"github.com/cyverse/irodsfs-core/internal/corelog"
	"github.com/cyverse/irodsfs-core/internal/fsops"
	"github.com/cyverse/irodsfs-core/internal/fuseglue"
	"github.com/cyverse/irodsfs-core/internal/handles"
	"github.com/cyverse/irodsfs-core/internal/metadatacache"
	"github.com/cyverse/irodsfs-core/internal/timersvc"
)

const (
	versionString = "1.0.0"
	buildString   = "dev"
)

func main() {
	cfg, err := config.Parse(os.Args[1:], osEnviron)
	if err != nil {
		os.Exit(2)
	}

	if cfg.ShowHelp {
		os.Exit(0)
	}
	if cfg.ShowVersion {
		fmt.Printf("irodsfs %s (%s)\n", versionString, buildString)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		grailog.Fatalf("invalid configuration: %v", err)
	}
	if err := checkMountpoint(cfg.MountPoint, cfg.NonEmpty); err != nil {
		grailog.Fatalf("mountpoint check failed: %v", err)
	}

	backendRoot := cfg.Workdir
	if backendRoot == "" {
		backendRoot, err = os.Getwd()
		if err != nil {
			grailog.Fatalf("resolving backend root: %v", err)
		}
	}

	logSink := corelog.NewSink(os.Stderr, cfg.Debug)

	timer := timersvc.New(time.Second)
	pool := connpool.New(
		localfs.Dialer{Root: backendRoot},
		backend.DialOptions{
			Ticket:        cfg.Ticket,
			Workdir:       cfg.Workdir,
			APITimeoutSec: cfg.RodsAPITimeoutSec,
		},
		connpool.Config{
			MaxConn:              cfg.MaxConn,
			ConnTimeoutSec:       cfg.ConnTimeoutSec,
			ConnKeepAliveSec:     cfg.ConnKeepAliveSec,
			ConnCheckIntervalSec: cfg.ConnCheckIntervalSec,
			APITimeoutSec:        cfg.RodsAPITimeoutSec,
		},
		logSink,
		timer,
	)

	reg := handles.New(pool)
	cache := metadatacache.New(time.Duration(cfg.MetadataCacheTimeoutSec) * time.Second)
	ops := fsops.New(pool, reg, cache, fsops.Config{
		ConnReuse:     cfg.ConnReuse,
		CacheMetadata: !cfg.NoCacheMetadata,
	}, logSink)

	timer.Start()
	pool.Start()
	defer func() {
		pool.Destroy(context.Background())
		timer.Stop()
		logSink.Close()
	}()

	cacheTimeout := time.Duration(cfg.MetadataCacheTimeoutSec) * time.Second
	root := fuseglue.NewRoot(ops, "/", cacheTimeout)

	mountOpts := &fs.Options{
		AttrTimeout:     &cacheTimeout,
		EntryTimeout:    &cacheTimeout,
		NegativeTimeout: &cacheTimeout,
		MountOptions: fuse.MountOptions{
			AllowOther: false,
			FsName:     "irodsfs-core",
			Debug:      cfg.Debug,
		},
	}

	server, err := fs.Mount(cfg.MountPoint, root, mountOpts)
	if err != nil {
		grailog.Fatalf("mount failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		grailog.Print("received shutdown signal, unmounting")
		if err := server.Unmount(); err != nil {
			grailog.Printf("unmount error: %v", err)
		}
	}()

	grailog.Printf("irodsfs %s mounted backend %s at %s", versionString, backendRoot, cfg.MountPoint)
	server.Wait()
	grailog.Print("unmounted, shutting down")
}

func osEnviron(key string) (string, bool) {
	return os.LookupEnv(key)
}

// checkMountpoint runs the pre-mount sanity check: the mountpoint must
// exist, be a directory, and be empty unless the caller passed -o nonempty.
func checkMountpoint(path string, allowNonEmpty bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("mountpoint %s: %w", path, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("mountpoint %s is not a directory", path)
	}
	if allowNonEmpty {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("reading mountpoint %s: %w", path, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("mountpoint %s is not empty (use -o nonempty to override)", path)
	}
	return nil
}
