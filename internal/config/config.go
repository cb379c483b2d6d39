// Package config loads the blobdb configuration from a YAML or JSON file and
// the environment.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maruel/blobdb/internal/auth"
	"github.com/maruel/blobdb/internal/blobrepo"
	"github.com/maruel/blobdb/internal/codec"
	"github.com/maruel/blobdb/internal/docstore"
	"github.com/maruel/blobdb/internal/email"
)

// Backends accepted in Config.Backend.
const (
	BackendGitHub = "github"
	BackendGit    = "git"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Config is the whole blobdb configuration.
type Config struct {
	// Owner of the GitHub repository.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty" jsonschema:"description=GitHub repository owner"`
	// Repo is the GitHub repository name.
	Repo string `json:"repo,omitempty" yaml:"repo,omitempty" jsonschema:"description=GitHub repository name"`
	// Token is the bearer credential. Prefer BLOBDB_TOKEN over writing it in
	// the file.
	Token string `json:"token,omitempty" yaml:"token,omitempty" jsonschema:"description=GitHub bearer token"`
	// Branch defaults to "main".
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty" jsonschema:"default=main"`
	// BasePath holds collection blobs. Defaults to "db".
	BasePath string `json:"basePath,omitempty" yaml:"basePath,omitempty" jsonschema:"default=db"`
	// MediaPath holds uploaded media. Defaults to "media".
	MediaPath string `json:"mediaPath,omitempty" yaml:"mediaPath,omitempty" jsonschema:"default=media"`
	// Format is the blob encoding and file extension. Defaults to "json".
	Format string `json:"format,omitempty" yaml:"format,omitempty" jsonschema:"enum=json,enum=yaml,enum=msgpack,default=json"`

	// Schemas maps collection names to their insert rules.
	Schemas map[string]docstore.SchemaDefinition `json:"schemas,omitempty" yaml:"schemas,omitempty"`
	// Auth is the session and passcode policy.
	Auth auth.Config `json:"auth,omitzero" yaml:"auth,omitempty"`

	// Backend selects the repository implementation. Defaults to "github".
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty" jsonschema:"enum=github,enum=git,enum=bolt,enum=memory,default=github"`
	// GitDir is the working copy used by the git backend.
	GitDir string `json:"gitDir,omitempty" yaml:"gitDir,omitempty"`
	// BoltPath is the database file used by the bolt backend.
	BoltPath string `json:"boltPath,omitempty" yaml:"boltPath,omitempty"`
	// APIURL defaults to https://api.github.com.
	APIURL string `json:"apiURL,omitempty" yaml:"apiURL,omitempty"`
	// RequestsPerSecond paces GitHub API calls. Defaults to 10. 0 means
	// unlimited.
	RequestsPerSecond *float64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`

	// SMTP delivers passcodes. Empty host logs them instead.
	SMTP email.Config `json:"smtp,omitzero" yaml:"smtp,omitempty"`

	// WriteRatePerMin limits REST writes per client. 0 means unlimited.
	// Defaults to 60.
	WriteRatePerMin *int `json:"writeRatePerMin,omitempty" yaml:"writeRatePerMin,omitempty"`
}

// ApplyDefaults fills in the zero fields.
func (c *Config) ApplyDefaults() {
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.BasePath == "" {
		c.BasePath = "db"
	}
	if c.MediaPath == "" {
		c.MediaPath = "media"
	}
	if c.Format == "" {
		c.Format = codec.JSON
	}
	if c.Backend == "" {
		c.Backend = BackendGitHub
	}
	if c.APIURL == "" {
		c.APIURL = blobrepo.DefaultGitHubAPI
	}
	if c.RequestsPerSecond == nil {
		rps := 10.0
		c.RequestsPerSecond = &rps
	}
	if c.WriteRatePerMin == nil {
		w := 60
		c.WriteRatePerMin = &w
	}
	c.Auth.ApplyDefaults()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGitHub:
		if c.Owner == "" || c.Repo == "" {
			return errors.New("owner and repo are required for the github backend")
		}
	case BackendGit:
		if c.GitDir == "" {
			return errors.New("gitDir is required for the git backend")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("boltPath is required for the bolt backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if !slices.Contains(codec.Formats(), c.Format) {
		return fmt.Errorf("unknown format %q", c.Format)
	}
	if c.RequestsPerSecond != nil && *c.RequestsPerSecond < 0 {
		return errors.New("requestsPerSecond must be non-negative")
	}
	if c.WriteRatePerMin != nil && *c.WriteRatePerMin < 0 {
		return errors.New("writeRatePerMin must be non-negative")
	}
	for name := range c.Schemas {
		if _, err := blobrepo.Path(c.BasePath, name, c.Format); err != nil {
			return fmt.Errorf("schemas: %w", err)
		}
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if c.SMTP.Enabled() {
		if err := c.SMTP.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads path, applies environment overrides and defaults, then
// validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		f, err := os.Open(path) //nolint:gosec // G304: path is chosen by the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		defer func() { _ = f.Close() }()
		if err := c.decode(f); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	LoadEnv(c)
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// decode parses YAML, which includes JSON. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Environment variables overriding the file.
const (
	EnvToken  = "BLOBDB_TOKEN"
	EnvOwner  = "BLOBDB_OWNER"
	EnvRepo   = "BLOBDB_REPO"
	EnvBranch = "BLOBDB_BRANCH"
)

// LoadEnv loads .env and .env.local from the working directory when present,
// then copies the BLOBDB_* variables that are set into c.
func LoadEnv(c *Config) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
	for env, dst := range map[string]*string{
		EnvToken:  &c.Token,
		EnvOwner:  &c.Owner,
		EnvRepo:   &c.Repo,
		EnvBranch: &c.Branch,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// JSONSchema returns the JSON Schema of the configuration file.
func JSONSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true, AllowAdditionalProperties: false}
	s := r.Reflect(&Config{})
	s.Title = "blobdb configuration"
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// OpenRepository returns the configured backend, instrumented with metrics.
// The returned close function releases backend resources.
func (c *Config) OpenRepository(ctx context.Context) (blobrepo.Repository, func() error, error) {
	noop := func() error { return nil }
	var repo blobrepo.Repository
	closeFn := noop
	switch c.Backend {
	case BackendGitHub:
		rps := 0.0
		if c.RequestsPerSecond != nil {
			rps = *c.RequestsPerSecond
		}
		g, err := blobrepo.NewGitHubRepository(ctx, blobrepo.GitHubConfig{
			APIURL:            c.APIURL,
			Owner:             c.Owner,
			Repo:              c.Repo,
			Branch:            c.Branch,
			Token:             c.Token,
			RequestsPerSecond: rps,
		})
		if err != nil {
			return nil, nil, err
		}
		repo = g
	case BackendGit:
		g, err := blobrepo.OpenGitRepository(c.GitDir, c.Branch, "", "")
		if err != nil {
			return nil, nil, err
		}
		repo = g
	case BackendBolt:
		b, err := blobrepo.OpenBoltRepository(c.BoltPath, c.Branch)
		if err != nil {
			return nil, nil, err
		}
		repo, closeFn = b, b.Close
	case BackendMemory:
		repo = blobrepo.NewMemoryRepository()
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
	return blobrepo.Instrument(c.Backend, repo), closeFn, nil
}

// StoreOptions returns the docstore options matching the configuration.
func (c *Config) StoreOptions() ([]docstore.Option, error) {
	cd, err := codec.ForFormat(c.Format)
	if err != nil {
		return nil, err
	}
	return []docstore.Option{
		docstore.WithBasePath(c.BasePath),
		docstore.WithMediaPath(c.MediaPath),
		docstore.WithCodec(cd),
		docstore.WithSchemas(c.Schemas),
	}, nil
}

// Sender returns the SMTP sender when configured, else a LogSender.
func (c *Config) Sender() email.Sender {
	if c.SMTP.Enabled() {
		return &email.Service{Config: c.SMTP}
	}
	return &email.LogSender{}
}
