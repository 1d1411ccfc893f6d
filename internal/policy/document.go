package policy

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// MaxDocumentSize bounds how much a source will read for one document.
const MaxDocumentSize = 1 << 20

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format by file extension. Anything that isn't
// .json is treated as YAML, which is a superset of JSON anyway.
func FormatFromPath(p string) Format {
	if strings.EqualFold(filepath.Ext(p), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Document is the on-disk policy set.
//
//	default:
//	  limit: 100
//	  window: 1m
//	rules:
//	  - endpoint: /api/v1/process
//	    limit: 5
//	    window: 1s
//	  - endpoint: /api/*
//	    algorithm: token_bucket
//	    limit: 50
//	    window: 10s
//	    burst: 10
type Document struct {
	Default *ratelimit.PolicySpec  `yaml:"default,omitempty" json:"default,omitempty"`
	Rules   []ratelimit.PolicySpec `yaml:"rules" json:"rules"`
}

// ParseDocument decodes data in the given format. Unknown fields are
// rejected so a typo in a rule doesn't silently fall back to defaults.
func ParseDocument(data []byte, f Format) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, xerrors.New("policy document is empty")
	}
	if len(data) > MaxDocumentSize {
		return nil, xerrors.Newf("policy document is %d bytes, max %d", len(data), MaxDocumentSize)
	}
	var doc Document
	switch f {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, xerrors.Wrap(err, "parse policy json")
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, xerrors.Wrap(err, "parse policy yaml")
		}
	}
	return &doc, nil
}
