// Command ratticctl runs maintenance tasks against a RatticWeb database:
// schema migrations, staff account bootstrap and backups.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/ratticdb/rattic/internal/auth"
	"github.com/ratticdb/rattic/internal/backup"
	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/logging"
	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository"
)

const usage = `usage: ratticctl <command> [flags]

commands:
  migrate       apply pending schema migrations
  createstaff   create an active staff account
  backup        write a snapshot of users and groups
`

type command func(ctx context.Context, args []string, stdout io.Writer) error

var commands = map[string]command{
	"migrate":     runMigrate,
	"createstaff": runCreateStaff,
	"backup":      runBackup,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := cmd(ctx, os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ratticctl:", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, databaseURL string) (*repository.Repository, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	repo, err := repository.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %s", logging.SanitizeError(err, databaseURL))
	}
	return repo, nil
}

func runMigrate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	databaseURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	if err := fs.Parse(args); err != nil {
		return err
	}

	repo, err := connect(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "migrations applied")
	return nil
}

type staffOutput struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func runCreateStaff(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("createstaff", flag.ContinueOnError)
	var (
		databaseURL = fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
		username    = fs.String("username", "admin", "Username of the new account")
		email       = fs.String("email", "", "Email address")
		password    = fs.String("password", os.Getenv("RATTIC_STAFF_PASSWORD"), "Initial password")
		format      = fs.String("format", "plain", "Output format: plain or json")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := model.UserRequest{
		Username:  *username,
		Email:     *email,
		Password:  *password,
		Password2: *password,
	}
	req.Normalize()
	if errs := req.Validate(true); len(errs) > 0 {
		return fieldErrors(errs)
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	repo, err := connect(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	now := time.Now().UTC()
	user := &model.User{
		Username:          req.Username,
		Email:             req.Email,
		IsStaff:           true,
		IsActive:          true,
		PasswordHash:      hash,
		PasswordChangedAt: &now,
	}
	if err := repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUsernameExists) {
			return fmt.Errorf("user %s already exists", req.Username)
		}
		return fmt.Errorf("create user: %w", err)
	}

	out := staffOutput{ID: user.ID, Username: user.Username, Email: user.Email}
	switch strings.ToLower(*format) {
	case "plain":
		fmt.Fprintf(stdout, "created staff user %s (id %d)\n", out.Username, out.ID)
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	default:
		return errors.New("invalid format; use plain or json")
	}
	return nil
}

func fieldErrors(errs map[string]string) error {
	parts := make([]string, 0, len(errs))
	for _, field := range []string{"username", "email", "password", "password2"} {
		if msg, ok := errs[field]; ok {
			parts = append(parts, field+": "+msg)
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func runBackup(ctx context.Context, args []string, stdout io.Writer) error {
	var cfg config.BackupConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse backup config: %w", err)
	}

	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	databaseURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Directory to write the backup to")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "S3 bucket to upload the backup to")
	fs.StringVar(&cfg.Recipients, "recipients", cfg.Recipients, "Comma separated GPG recipients")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, "text", slog.LevelInfo)

	var opts []backup.Option
	if cfg.Dir != "" {
		opts = append(opts, backup.WithDir(cfg.Dir))
	}
	if cfg.S3Bucket != "" {
		uploader, err := backup.NewS3Uploader(ctx, cfg)
		if err != nil {
			return err
		}
		opts = append(opts, backup.WithUploader(uploader))
	}
	if recipients := splitList(cfg.Recipients); len(recipients) > 0 {
		enc, err := backup.LoadEncrypter(cfg.GPGHome, recipients)
		if err != nil {
			return err
		}
		opts = append(opts, backup.WithEncrypter(enc))
	}

	repo, err := connect(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	res, err := backup.NewRunner(repo, logger, opts...).Run(ctx)
	if err != nil {
		return err
	}
	if res.Path != "" {
		fmt.Fprintln(stdout, res.Path)
	}
	if res.Location != "" {
		fmt.Fprintln(stdout, res.Location)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
