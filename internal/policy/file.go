package policy

import (
	"context"
	"io"
	"os"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// FileSource reads a YAML or JSON document from local disk. The version is
// the SHA-256 of the file contents, so edits are picked up by the watcher.
type FileSource struct {
	path   string
	format Format
}

func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, xerrors.New("policy file path is required")
	}
	return &FileSource{path: path, format: FormatFromPath(path)}, nil
}

func (f *FileSource) Kind() SourceKind { return SourceFile }

func (f *FileSource) Path() string { return f.path }

func (f *FileSource) read() ([]byte, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open policy file %s", f.path)
	}
	defer fh.Close()
	data, err := io.ReadAll(io.LimitReader(fh, MaxDocumentSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", f.path)
	}
	return data, nil
}

func (f *FileSource) Current(ctx context.Context) (string, error) {
	data, err := f.read()
	if err != nil {
		return "", err
	}
	return cryptoutil.SHA256Hex(data), nil
}

func (f *FileSource) Load(ctx context.Context, version string) (*Document, error) {
	data, err := f.read()
	if err != nil {
		return nil, err
	}
	// file changed between Current and Load, the next poll will catch up
	if actual := cryptoutil.SHA256Hex(data); !cryptoutil.HashEqual(actual, version) {
		return nil, xerrors.Newf("policy file %s changed while loading: expected %s, got %s", f.path, truncHash(version), truncHash(actual))
	}
	return ParseDocument(data, f.format)
}
