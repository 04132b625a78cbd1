// fvd: retention daemon for fv.
// Periodically prunes expired snapshots and their published manifests.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/file-vault/fv/internal/archive"
	"github.com/file-vault/fv/internal/config"
	"github.com/file-vault/fv/internal/db"
	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/objstore"
	"github.com/file-vault/fv/internal/retention"
)

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func pidPath() string {
	return filepath.Join(xdgDataHome(), "fv", "fvd.pid")
}

func writePid(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("fvd: " + err.Error() + "\n")
		os.Exit(1)
	}
	conn, err := db.Open(cfg.DbPath)
	if err != nil {
		os.Stderr.WriteString("fvd: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer conn.Close()

	s3, err := objstore.NewS3Store(ctx, objstore.S3Config{
		Bucket:      cfg.Bucket,
		Region:      cfg.Region,
		Endpoint:    cfg.Endpoint,
		PathStyle:   cfg.PathStyle,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		WaitTimeout: cfg.WaitTimeout(),
	})
	if err != nil {
		os.Stderr.WriteString("fvd: " + err.Error() + "\n")
		os.Exit(1)
	}
	key, err := cfg.MasterKey()
	if err != nil {
		os.Stderr.WriteString("fvd: " + err.Error() + "\n")
		os.Exit(1)
	}
	pub, err := archive.NewPublisher(s3, key)
	if err != nil {
		os.Stderr.WriteString("fvd: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := writePid(pidPath()); err != nil {
		os.Stderr.WriteString("fvd: cannot write pid file: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer os.Remove(pidPath())

	meta := metastore.New(conn)

	// Poll loop: prune, sleep
	tick := time.Hour
	for {
		n, err := retention.PruneSnapshots(ctx, meta, pub, cfg.RetentionSnapshotMonths)
		if err != nil {
			os.Stderr.WriteString("fvd: prune: " + err.Error() + "\n")
		}
		if n > 0 {
			fmt.Printf("fvd: pruned %d snapshots\n", n)
		}
		time.Sleep(tick)
	}
}
