// Package backup writes snapshots of users and groups, optionally
// encrypted with OpenPGP, to a directory and/or an S3 bucket.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ratticdb/rattic/internal/model"
)

// ErrNoDestination is returned when neither a directory nor a bucket is
// configured.
var ErrNoDestination = errors.New("backup: no destination, set BACKUP_DIR or BACKUP_S3_BUCKET")

const snapshotVersion = 1

// Source lists what goes into a snapshot.
type Source interface {
	ListUsers(ctx context.Context) ([]*model.User, error)
	ListGroups(ctx context.Context) ([]*model.Group, error)
}

// Uploader stores a finished backup remotely.
type Uploader interface {
	Upload(ctx context.Context, name string, body []byte) (string, error)
}

// Snapshot is the backup document. Password hashes are never included.
type Snapshot struct {
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Users     []*model.User  `json:"users"`
	Groups    []*model.Group `json:"groups"`
}

// Result describes where a backup went.
type Result struct {
	Name      string
	Encrypted bool
	Size      int
	Path      string
	Location  string
}

// Runner takes backups.
type Runner struct {
	source    Source
	encrypter *Encrypter
	dir       string
	uploader  Uploader
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithDir writes backups to dir.
func WithDir(dir string) Option {
	return func(r *Runner) { r.dir = dir }
}

// WithUploader uploads backups with u.
func WithUploader(u Uploader) Option {
	return func(r *Runner) { r.uploader = u }
}

// WithEncrypter encrypts backups before they are written.
func WithEncrypter(e *Encrypter) Option {
	return func(r *Runner) { r.encrypter = e }
}

// NewRunner creates a backup runner.
func NewRunner(source Source, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		source: source,
		logger: logger.With("component", "backup"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run takes one backup.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.dir == "" && r.uploader == nil {
		return nil, ErrNoDestination
	}

	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	res := &Result{Name: "rattic-" + snap.CreatedAt.Format("20060102-150405") + ".json"}
	if r.encrypter != nil {
		var buf bytes.Buffer
		if err := r.encrypter.Encrypt(&buf, res.Name, data); err != nil {
			return nil, err
		}
		data = buf.Bytes()
		res.Name += ".gpg"
		res.Encrypted = true
	}
	res.Size = len(data)

	if r.dir != "" {
		res.Path = filepath.Join(r.dir, res.Name)
		if err := writeFileAtomic(res.Path, data); err != nil {
			return nil, err
		}
	}
	if r.uploader != nil {
		loc, err := r.uploader.Upload(ctx, res.Name, data)
		if err != nil {
			return nil, err
		}
		res.Location = loc
	}

	r.logger.Info("backup written",
		"name", res.Name,
		"users", len(snap.Users),
		"groups", len(snap.Groups),
		"bytes", res.Size,
		"encrypted", res.Encrypted,
		"path", res.Path,
		"location", res.Location,
	)
	return res, nil
}

func (r *Runner) snapshot(ctx context.Context) (*Snapshot, error) {
	users, err := r.source.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	groups, err := r.source.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return &Snapshot{
		Version:   snapshotVersion,
		CreatedAt: r.now().UTC(),
		Users:     users,
		Groups:    groups,
	}, nil
}

// writeFileAtomic writes through a temp file so a partial backup never
// carries the final name.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write backup: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename backup: %w", err)
	}
	return nil
}
