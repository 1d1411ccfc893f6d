package policy

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// Source is somewhere policy documents are published.
type Source interface {
	Kind() SourceKind
	// Current returns the version currently published. Cheap; the watcher
	// calls it every poll.
	Current(ctx context.Context) (string, error)
	// Load fetches and parses the document for version. Implementations
	// verify that what they fetched matches version.
	Load(ctx context.Context, version string) (*Document, error)
}

// Notifier is implemented by sources that can push change notifications.
// The watcher polls immediately when the channel fires.
type Notifier interface {
	Notify(ctx context.Context) <-chan struct{}
}

// LoadSnapshot fetches the current document from src and compiles it.
func LoadSnapshot(ctx context.Context, src Source, fallback ratelimit.Policy) (*Snapshot, error) {
	version, err := src.Current(ctx)
	if err != nil {
		return nil, err
	}
	return loadVersion(ctx, src, version, fallback)
}

func loadVersion(ctx context.Context, src Source, version string, fallback ratelimit.Policy) (*Snapshot, error) {
	doc, err := src.Load(ctx, version)
	if err != nil {
		return nil, err
	}
	snap, err := Compile(doc, fallback, Meta{
		Version:  version,
		Source:   src.Kind(),
		LoadedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "compile %s policy %s", src.Kind(), truncHash(version))
	}
	return snap, nil
}

// StaticSnapshot is the snapshot used when no source is configured, or
// before the first successful load: only the configured default applies.
func StaticSnapshot(fallback ratelimit.Policy) (*Snapshot, error) {
	return Compile(nil, fallback, Meta{Version: "static", Source: SourceStatic})
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
