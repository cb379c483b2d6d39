package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/blobdb/internal/docstore"
	"github.com/maruel/blobdb/internal/email"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "blobdb.yaml", `
owner: acme
repo: shop
format: yaml
requestsPerSecond: 0
schemas:
  users:
    required: [email]
    defaults:
      role: customer
auth:
  requireEmailVerification: true
  otpTriggers: [register]
`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.Branch != "main" || c.BasePath != "db" || c.MediaPath != "media" || c.Backend != BackendGitHub {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.Format != "yaml" || *c.RequestsPerSecond != 0 || *c.WriteRatePerMin != 60 {
		t.Fatalf("unexpected values: %+v", c)
	}
	if s := c.Schemas["users"]; len(s.Required) != 1 || s.Defaults["role"] != "customer" {
		t.Fatalf("schemas = %+v", c.Schemas)
	}
	if !c.Auth.RequireEmailVerification || c.Auth.IdentityField != "email" {
		t.Fatalf("auth = %+v", c.Auth)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, "blobdb.json", `{"backend": "memory", "schemas": {"products": {"required": ["name", "price"]}}}`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.Backend != BackendMemory || len(c.Schemas["products"].Required) != 2 {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":     "backend: memory\nowner_typo: x\n",
		"github no repo":  "owner: acme\n",
		"unknown backend": "backend: s3\n",
		"unknown format":  "backend: memory\nformat: xml\n",
		"bad schema name": "backend: memory\nschemas:\n  ../x: {}\n",
		"negative rate":   "backend: memory\nwriteRatePerMin: -1\n",
		"bad trigger":     "backend: memory\nauth:\n  otpTriggers: [checkout]\n",
		"git no dir":      "backend: git\n",
		"bolt no path":    "backend: bolt\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "c.yaml", content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvOwner, "env-owner")
	t.Setenv(EnvRepo, "env-repo")
	t.Setenv(EnvToken, "ghp_env")
	t.Setenv(EnvBranch, "")
	c, err := Load(writeFile(t, "c.yaml", "owner: file-owner\nbranch: data\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Owner != "env-owner" || c.Repo != "env-repo" || c.Token != "ghp_env" || c.Branch != "data" {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestJSONSchema(t *testing.T) {
	raw, err := JSONSchema()
	if err != nil {
		t.Fatal(err)
	}
	var s map[string]any
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatal(err)
	}
	props, _ := s["properties"].(map[string]any)
	for _, k := range []string{"owner", "repo", "basePath", "schemas", "auth", "backend"} {
		if _, ok := props[k]; !ok {
			t.Errorf("schema lacks %q", k)
		}
	}
	if !strings.Contains(string(raw), "msgpack") {
		t.Error("format enum missing")
	}
}

func TestOpenRepositoryAndStore(t *testing.T) {
	for _, c := range []*Config{
		{Backend: BackendMemory},
		{Backend: BackendGit, GitDir: filepath.Join(t.TempDir(), "git")},
		{Backend: BackendBolt, BoltPath: filepath.Join(t.TempDir(), "db.bolt"), Format: "msgpack"},
	} {
		t.Run(c.Backend, func(t *testing.T) {
			c.ApplyDefaults()
			if err := c.Validate(); err != nil {
				t.Fatal(err)
			}
			repo, closeFn, err := c.OpenRepository(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			defer func() {
				if err := closeFn(); err != nil {
					t.Error(err)
				}
			}()
			opts, err := c.StoreOptions()
			if err != nil {
				t.Fatal(err)
			}
			s := docstore.Open(repo, opts...)
			if _, err := s.Insert(t.Context(), "products", docstore.Document{"name": "Mug"}); err != nil {
				t.Fatal(err)
			}
			docs, err := s.Get(t.Context(), "products")
			if err != nil || len(docs) != 1 {
				t.Fatalf("Get() = %v, %v", docs, err)
			}
		})
	}
}

func TestSender(t *testing.T) {
	c := &Config{}
	if _, ok := c.Sender().(*email.LogSender); !ok {
		t.Fatalf("expected LogSender, got %T", c.Sender())
	}
	c.SMTP.Host = "smtp.example.com"
	if _, ok := c.Sender().(*email.Service); !ok {
		t.Fatalf("expected SMTP service, got %T", c.Sender())
	}
}
