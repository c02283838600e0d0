// Package build serializes a successful BuiltCatalog into a
// content-addressed sqlite artifact and uploads it under the builds
// root, keyed by build id. The artifact is self-contained and
// immutable once uploaded.
package build

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	_ "github.com/mattn/go-sqlite3"

	"github.com/estuary/flow/go/agent/catalog"
	"github.com/estuary/flow/go/agent/ids"
)

const schema = `
CREATE TABLE built_specs (
	catalog_name TEXT NOT NULL PRIMARY KEY,
	spec_type    TEXT NOT NULL,
	model        BLOB NOT NULL,
	built        BLOB NOT NULL
);
CREATE TABLE errors (
	scope        TEXT NOT NULL,
	catalog_name TEXT NOT NULL,
	detail       TEXT NOT NULL
);
`

// Uploader persists a completed artifact file to durable storage,
// keyed by build_id. LocalUploader copies to a local builds root;
// GCSUploader is substituted when the root is a gs:// URL.
type Uploader interface {
	Upload(ctx context.Context, buildID ids.ID, path string) error
}

// LocalUploader copies the artifact under root/<build_id>, used for
// local/test deployments where builds_root is a plain filesystem path.
type LocalUploader struct {
	Root string
}

func (u *LocalUploader) Upload(ctx context.Context, buildID ids.ID, path string) error {
	var dst = filepath.Join(u.Root, buildID.String())
	var src, err = os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	var out *os.File
	if out, err = os.Create(dst); err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

// GCSUploader uploads the artifact to a gs:// builds root, used in
// production deployments.
type GCSUploader struct {
	Client *storage.Client
	Root   string // gs://bucket[/prefix]
}

// NewGCSUploader builds a GCSUploader for root, a "gs://bucket/prefix"
// URL, resolving application default credentials.
func NewGCSUploader(ctx context.Context, root string) (*GCSUploader, error) {
	var parsed, err = url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("parsing builds root %q: %w", root, err)
	} else if parsed.Scheme != "gs" {
		return nil, fmt.Errorf("builds root %q is not a gs:// URL", root)
	}

	var client *storage.Client
	if client, err = storage.NewClient(ctx); err != nil {
		return nil, fmt.Errorf("building google storage client: %w", err)
	}
	return &GCSUploader{Client: client, Root: root}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, buildID ids.ID, path string) error {
	var parsed, err = url.Parse(u.Root)
	if err != nil {
		return fmt.Errorf("parsing builds root %q: %w", u.Root, err)
	}
	var object = strings.TrimPrefix(parsed.Path, "/")
	if object != "" {
		object = object + "/"
	}
	object += buildID.String()

	var src *os.File
	if src, err = os.Open(path); err != nil {
		return err
	}
	defer src.Close()

	var w = u.Client.Bucket(parsed.Host).Object(object).NewWriter(ctx)
	if _, err = io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("uploading to gs://%s/%s: %w", parsed.Host, object, err)
	}
	return w.Close()
}

// NewUploader selects a LocalUploader or GCSUploader based on root's
// URL scheme: "file" (or none) is a plain copy, "gs" goes through the
// storage client.
func NewUploader(ctx context.Context, root string) (Uploader, error) {
	var parsed, err = url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("parsing builds root %q: %w", root, err)
	}
	switch parsed.Scheme {
	case "", "file":
		return &LocalUploader{Root: parsed.Path}, nil
	case "gs":
		return NewGCSUploader(ctx, root)
	default:
		return nil, fmt.Errorf("unsupported builds root scheme: %s", parsed.Scheme)
	}
}

// Builder persists a BuiltCatalog to the content-addressed sqlite
// artifact format and uploads it.
type Builder struct {
	Uploader Uploader
	// TempDir is where the sqlite file is staged before upload; defaults
	// to os.TempDir() if empty.
	TempDir string
}

// Persist writes built to a fresh sqlite database keyed by buildID and
// uploads it, returning the local staged path (useful for a subsequent
// Test stage that wants to open the same file read-only).
func (b *Builder) Persist(ctx context.Context, buildID ids.ID, built *catalog.BuiltCatalog) (string, error) {
	var dir = b.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	var path = filepath.Join(dir, buildID.String()+".sqlite")
	_ = os.Remove(path)

	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return "", fmt.Errorf("opening build artifact: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return "", fmt.Errorf("creating build artifact schema: %w", err)
	}

	var tx *sql.Tx
	if tx, err = db.BeginTx(ctx, nil); err != nil {
		return "", err
	}

	for _, spec := range built.Specs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO built_specs (catalog_name, spec_type, model, built) VALUES (?, ?, ?, ?)`,
			spec.CatalogName, spec.SpecType, []byte(spec.Model), []byte(spec.Built),
		); err != nil {
			tx.Rollback()
			return "", fmt.Errorf("writing built spec %s: %w", spec.CatalogName, err)
		}
	}
	for _, e := range built.Errors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO errors (scope, catalog_name, detail) VALUES (?, ?, ?)`,
			e.Scope, e.CatalogName, e.Error.Error(),
		); err != nil {
			tx.Rollback()
			return "", fmt.Errorf("writing build error: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing build artifact: %w", err)
	}

	if err := b.Uploader.Upload(ctx, buildID, path); err != nil {
		return "", fmt.Errorf("uploading build artifact %s: %w", buildID, err)
	}
	return path, nil
}

// Open loads a previously persisted build artifact's rows back, used by
// the Test stage and by an Activator verifying what it's about to apply.
func Open(ctx context.Context, path string) ([]catalog.BuiltSpec, error) {
	var db, err = sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening build artifact: %w", err)
	}
	defer db.Close()

	var rows *sql.Rows
	if rows, err = db.QueryContext(ctx, `SELECT catalog_name, spec_type, model, built FROM built_specs`); err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []catalog.BuiltSpec
	for rows.Next() {
		var s catalog.BuiltSpec
		var model, built []byte
		if err := rows.Scan(&s.CatalogName, &s.SpecType, &model, &built); err != nil {
			return nil, err
		}
		s.Model = json.RawMessage(model)
		s.Built = json.RawMessage(built)
		out = append(out, s)
	}
	return out, rows.Err()
}
