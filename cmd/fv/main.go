// fv: CLI for the file vault.
// Commands: init, mkdir, ls, upload, download, rm, mv, snapshot, restore, snapshots, status.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/file-vault/fv/internal/archive"
	"github.com/file-vault/fv/internal/config"
	"github.com/file-vault/fv/internal/db"
	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/objstore"
	"github.com/file-vault/fv/internal/pathkey"
	"github.com/file-vault/fv/internal/vault"
)

func currentUser() string {
	if v := os.Getenv("FV_USER"); v != "" {
		return v
	}
	return os.Getenv("USER")
}

// userPath turns a CLI argument like "docs/reports" into the user's
// directory path "/<user>/docs/reports/". Empty or "/" means the root.
func userPath(user, arg string) string {
	arg = strings.Trim(arg, "/")
	if arg == "" {
		return pathkey.UserRootKey(user)
	}
	return pathkey.Normalize("/"+user+"/"+arg) + "/"
}

type app struct {
	cfg  *config.Config
	conn *sql.DB
	meta *metastore.Store
	s3   *objstore.S3Store
	svc  *vault.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DbPath), 0755); err != nil {
		return nil, err
	}
	conn, err := db.Open(cfg.DbPath)
	if err != nil {
		return nil, err
	}
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
		conn.Close()
		return nil, err
	}
	store := objstore.NewRetryableStore(s3, objstore.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		Multiplier:  cfg.RetryMultiplier,
	})
	key, err := cfg.MasterKey()
	if err != nil {
		conn.Close()
		return nil, err
	}
	pub, err := archive.NewPublisher(store, key)
	if err != nil {
		conn.Close()
		return nil, err
	}
	meta := metastore.New(conn)
	svc := vault.NewService(store, meta, vault.WithManifestPublisher(pub))
	return &app{cfg: cfg, conn: conn, meta: meta, s3: s3, svc: svc}, nil
}

func (a *app) Close() {
	a.conn.Close()
}

func (a *app) folderAt(user, arg string) (*metastore.Folder, error) {
	return a.svc.FolderByPath(user, userPath(user, arg))
}

func fail(cmd string, err error) {
	fmt.Fprintf(os.Stderr, "fv %s: %v\n", cmd, err)
	os.Exit(1)
}

func open(ctx context.Context, cmd string) *app {
	a, err := newApp(ctx)
	if err != nil {
		fail(cmd, err)
	}
	return a
}

func cmdInit(ctx context.Context) {
	a := open(ctx, "init")
	defer a.Close()

	if err := a.s3.EnsureBucket(ctx); err != nil {
		fail("init", err)
	}
	if err := a.s3.EnsureVersioning(ctx); err != nil {
		fail("init", err)
	}
	if err := a.s3.ApplyLifecycle(ctx, int32(a.cfg.NoncurrentExpiryDays)); err != nil {
		fail("init", err)
	}
	user := currentUser()
	root, err := a.svc.CreateRootFolder(ctx, user)
	if err != nil {
		fail("init", err)
	}
	fmt.Printf("Vault ready: bucket %s, root %s\n", a.cfg.Bucket, root.Path)
}

func cmdMkdir(ctx context.Context, arg string) {
	if arg == "" {
		fail("mkdir", fmt.Errorf("usage: fv mkdir <path>"))
	}
	a := open(ctx, "mkdir")
	defer a.Close()

	user := currentUser()
	parent, err := a.folderAt(user, pathkey.ParentPath(arg))
	if err != nil {
		fail("mkdir", err)
	}
	folder, err := a.svc.CreateFolder(ctx, user, parent.ID, pathkey.LeafName(arg))
	if err != nil {
		fail("mkdir", err)
	}
	fmt.Println(folder.Path)
}

func cmdLs(ctx context.Context, arg string) {
	a := open(ctx, "ls")
	defer a.Close()

	user := currentUser()
	folder, err := a.folderAt(user, arg)
	if err != nil {
		fail("ls", err)
	}
	folders, files, err := a.svc.ListFolder(ctx, user, folder.ID)
	if err != nil {
		fail("ls", err)
	}
	for _, f := range folders {
		fmt.Printf("%-12s %8s  %s\n", "dir", "-", f.Path)
	}
	for _, f := range files {
		fmt.Printf("%-12s %8d  %s\n", f.ContentType, f.Size, f.Path)
	}
	if len(folders) == 0 && len(files) == 0 {
		fmt.Println("(empty)")
	}
}

func cmdUpload(ctx context.Context, local, remote string) {
	if local == "" || remote == "" {
		fail("upload", fmt.Errorf("usage: fv upload <local-file> <path>"))
	}
	body, err := os.ReadFile(local)
	if err != nil {
		fail("upload", err)
	}
	a := open(ctx, "upload")
	defer a.Close()

	user := currentUser()
	parent, err := a.folderAt(user, pathkey.ParentPath(remote))
	if err != nil {
		fail("upload", err)
	}
	file, err := a.svc.CreateFile(ctx, user, parent.ID, pathkey.LeafName(remote), body, "")
	if err != nil {
		fail("upload", err)
	}
	fmt.Printf("%s (%d bytes, version %s)\n", file.Path, file.Size, file.VersionID)
}

func cmdDownload(ctx context.Context, remote, local string) {
	if remote == "" {
		fail("download", fmt.Errorf("usage: fv download <path> [local-file]"))
	}
	a := open(ctx, "download")
	defer a.Close()

	user := currentUser()
	path := strings.TrimSuffix(userPath(user, remote), "/")
	_, body, err := a.svc.DownloadFile(ctx, user, path)
	if err != nil {
		fail("download", err)
	}
	if local == "" || local == "-" {
		os.Stdout.Write(body)
		return
	}
	if err := os.WriteFile(local, body, 0644); err != nil {
		fail("download", err)
	}
	fmt.Printf("%s (%d bytes)\n", local, len(body))
}

func cmdRm(ctx context.Context, args []string) {
	recursive := false
	var arg string
	for _, s := range args {
		if s == "-r" {
			recursive = true
			continue
		}
		arg = s
	}
	if arg == "" {
		fail("rm", fmt.Errorf("usage: fv rm [-r] <path>"))
	}
	a := open(ctx, "rm")
	defer a.Close()

	user := currentUser()
	folder, err := a.folderAt(user, arg)
	if err != nil {
		fail("rm", err)
	}
	if recursive {
		if err := a.svc.RecursiveSoftDelete(ctx, user, folder.ID); err != nil {
			fail("rm", err)
		}
	} else {
		if _, err := a.svc.SoftDeleteFolder(ctx, user, folder.ID); err != nil {
			fail("rm", err)
		}
	}
	fmt.Printf("Deleted %s\n", folder.Path)
}

func cmdMv(ctx context.Context, src, destParent string) {
	if src == "" || destParent == "" {
		fail("mv", fmt.Errorf("usage: fv mv <folder> <new-parent>"))
	}
	a := open(ctx, "mv")
	defer a.Close()

	user := currentUser()
	folder, err := a.folderAt(user, src)
	if err != nil {
		fail("mv", err)
	}
	parent, err := a.folderAt(user, destParent)
	if err != nil {
		fail("mv", err)
	}
	moved, err := a.svc.MoveFolder(ctx, user, folder.ID, parent.ID)
	if err != nil {
		fail("mv", err)
	}
	fmt.Println(moved.Path)
}

func cmdSnapshot(ctx context.Context, arg string) {
	a := open(ctx, "snapshot")
	defer a.Close()

	user := currentUser()
	folder, err := a.folderAt(user, arg)
	if err != nil {
		fail("snapshot", err)
	}
	snap, err := a.svc.CreateSnapshot(ctx, user, folder.ID)
	if err != nil {
		fail("snapshot", err)
	}
	fmt.Println(snap.ID)
}

func cmdRestore(ctx context.Context, snapshotID string) {
	if snapshotID == "" {
		fail("restore", fmt.Errorf("usage: fv restore <snapshot-id>"))
	}
	a := open(ctx, "restore")
	defer a.Close()

	if err := a.svc.RestoreSnapshot(ctx, currentUser(), snapshotID); err != nil {
		fail("restore", err)
	}
	fmt.Printf("Restored %s\n", snapshotID)
}

func cmdSnapshots(ctx context.Context) {
	a := open(ctx, "snapshots")
	defer a.Close()

	snaps, err := a.svc.Snapshots(currentUser())
	if err != nil {
		fail("snapshots", err)
	}
	if len(snaps) == 0 {
		fmt.Println("(no snapshots)")
		return
	}
	for _, s := range snaps {
		created := time.Unix(int64(s.CreatedAt), 0).UTC().Format(time.RFC3339)
		fmt.Printf("%-50s %s  %s\n", s.ID, created, s.FolderPath)
	}
}

func cmdStatus() {
	cfg, err := config.Load()
	if err != nil {
		fail("status", err)
	}
	fmt.Printf("fv status\n")
	fmt.Printf("  user:      %s\n", currentUser())
	fmt.Printf("  bucket:    %s\n", cfg.Bucket)
	if cfg.Endpoint != "" {
		fmt.Printf("  endpoint:  %s\n", cfg.Endpoint)
	}
	fmt.Printf("  db:        %s\n", cfg.DbPath)
	fmt.Printf("  retention: %d months\n", cfg.RetentionSnapshotMonths)
	encrypted := "off"
	if cfg.MasterKeyHex != "" {
		encrypted = "on"
	}
	fmt.Printf("  manifests: encryption %s\n", encrypted)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("fv: versioned file vault")
		fmt.Println("Usage: fv <init|mkdir|ls|upload|download|rm|mv|snapshot|restore|snapshots|status>")
		os.Exit(0)
	}
	ctx := context.Background()
	arg := func(i int) string {
		if len(os.Args) > i {
			return os.Args[i]
		}
		return ""
	}
	switch os.Args[1] {
	case "init":
		cmdInit(ctx)
	case "mkdir":
		cmdMkdir(ctx, arg(2))
	case "ls":
		cmdLs(ctx, arg(2))
	case "upload":
		cmdUpload(ctx, arg(2), arg(3))
	case "download":
		cmdDownload(ctx, arg(2), arg(3))
	case "rm":
		cmdRm(ctx, os.Args[2:])
	case "mv":
		cmdMv(ctx, arg(2), arg(3))
	case "snapshot":
		cmdSnapshot(ctx, arg(2))
	case "restore":
		cmdRestore(ctx, arg(2))
	case "snapshots":
		cmdSnapshots(ctx)
	case "status":
		cmdStatus()
	default:
		fmt.Fprintf(os.Stderr, "fv: unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}
