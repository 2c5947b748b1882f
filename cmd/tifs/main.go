// Command tifs mounts the filesystem at a given path, backed either by a
// live TiKV cluster or (for local testing) an in-process store. CLI parsing
// and daemonization stay intentionally thin (spec.md §1 Non-goals); this
// file's flag layout mirrors the original source's mount.tifs binary
// (_examples/original_source/src/bin/mount.rs), adapted from clap onto
// github.com/urfave/cli/v2.
package main

import (
	"context"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kvfs/tifs/config"
	"github.com/kvfs/tifs/fsadapter"
	"github.com/kvfs/tifs/txn"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	app := &cli.App{
		Name:  "tifs",
		Usage: "mount a transactional-KV-backed POSIX filesystem",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "pd-endpoints",
				Aliases: []string{"p"},
				Value:   cli.NewStringSlice("127.0.0.1:2379"),
				Usage:   "PD endpoints of the TiKV cluster",
			},
			&cli.StringFlag{
				Name:     "mount-point",
				Aliases:  []string{"m"},
				Required: true,
				Usage:    "path to mount the filesystem at",
			},
			&cli.StringSliceFlag{
				Name:    "option",
				Aliases: []string{"o"},
				Usage:   "filesystem mount options (direct_io, blksize=N, allow_other, ro)",
			},
			&cli.StringFlag{
				Name:  "backend",
				Value: string(config.BackendTiKV),
				Usage: "storage backend: tikv or memory",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable verbose kernel-request logging",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("tifs exited with error")
	}
}

func run(c *cli.Context, log *logrus.Logger) error {
	cfg := config.Default()
	cfg.Backend = config.Backend(c.String("backend"))
	cfg.PDEndpoints = c.StringSlice("pd-endpoints")
	cfg.MountPoint = c.String("mount-point")
	if c.Bool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}
	for _, opt := range c.StringSlice("option") {
		if err := cfg.ApplyMountOption(opt); err != nil {
			return err
		}
	}

	var factory txn.Factory
	switch cfg.Backend {
	case config.BackendMemory:
		factory = txn.NewMemFactory()
	case config.BackendTiKV:
		dialCtx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
		defer cancel()
		tikvFactory, err := txn.NewTiKVFactory(dialCtx, cfg.PDEndpoints)
		if err != nil {
			return err
		}
		factory = tikvFactory
	default:
		log.Fatalf("unknown backend %q", cfg.Backend)
	}

	root := fsadapter.NewRoot(factory, cfg.BlockSize, cfg.DirectIO, log)
	log.WithFields(logrus.Fields{"endpoints": cfg.PDEndpoints, "session": root.SessionID}).Info("bootstrapping filesystem metadata")
	if err := root.Bootstrap(); err != nil {
		return err
	}

	var mountOpts []string
	if cfg.ReadOnly {
		mountOpts = append(mountOpts, "ro")
	}

	entryTimeout := time.Second
	attrTimeout := time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:    cfg.AllowOther,
			Options:       mountOpts,
			FsName:        "tifs",
			Name:          "tifs",
			DisableXAttrs: false,
			Debug:         c.Bool("debug"),
			EnableLocks:   true,
		},
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
	}

	server, err := root.Mount(cfg.MountPoint, opts)
	if err != nil {
		return err
	}
	log.WithField("mountpoint", cfg.MountPoint).Info("mounted")
	server.Wait()
	return nil
}
