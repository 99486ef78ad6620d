package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/viper"

	"github.com/jacentio/lattice/stream"
)

const testSchemas = `- name: Trainer
  fields:
    name: {type: String}
- name: Pokemon
  fields:
    name: {type: String}
    trainer: {type: Ref, target: Trainer, null: true}
`

// setupWorkspace writes a config and schema file into a temp dir and
// returns the config path.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	schemasPath := filepath.Join(dir, "schemas.yaml")
	if err := os.WriteFile(schemasPath, []byte(testSchemas), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "lattice.yaml")
	config := "backend: sqlite\nlocation: " + filepath.Join(dir, "data.db") + "\nschemas: " + schemasPath + "\n"
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

// run executes the CLI with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { flagConfig = "" })
	err := rootCmd.Execute()
	return out.String(), err
}

// --- Config Tests ---

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	s, err := resolveSettings(v)
	if err != nil {
		t.Fatalf("resolveSettings failed: %v", err)
	}
	if s.Backend != backendSQLite || s.Location != "lattice.db" || s.Schemas != "schemas.yaml" {
		t.Errorf("unexpected defaults %+v", s)
	}
	if s.Shards != 1 || s.MaxRetries != 3 || s.CreateTables {
		t.Errorf("unexpected defaults %+v", s)
	}
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lattice.yaml")
	content := `backend: dynamodb
location: pokedex
endpoint: http://localhost:8000
region: eu-west-1
shards: 8
create_tables: true
max_retries: 5
nats_url: nats://localhost:4222
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	s, err := resolveSettings(v)
	if err != nil {
		t.Fatalf("resolveSettings failed: %v", err)
	}
	want := settings{
		Backend:      backendDynamoDB,
		Location:     "pokedex",
		Schemas:      "schemas.yaml",
		Endpoint:     "http://localhost:8000",
		Region:       "eu-west-1",
		Shards:       8,
		CreateTables: true,
		MaxRetries:   5,
		NATSURL:      "nats://localhost:4222",
	}
	if s != want {
		t.Errorf("expected %+v, got %+v", want, s)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LATTICE_LOCATION", "from-env")
	t.Setenv("LATTICE_SHARDS", "4")

	v, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	s, err := resolveSettings(v)
	if err != nil {
		t.Fatalf("resolveSettings failed: %v", err)
	}
	if s.Location != "from-env" || s.Shards != 4 {
		t.Errorf("expected env overrides, got %+v", s)
	}
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestResolveSettings_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"unknown backend", cfgKeyBackend, "postgres"},
		{"empty location", cfgKeyLocation, ""},
		{"empty schemas", cfgKeySchemas, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(cfgKeyBackend, backendSQLite)
			v.Set(cfgKeyLocation, "db")
			v.Set(cfgKeySchemas, "schemas.yaml")
			v.Set(tt.key, tt.val)
			if _, err := resolveSettings(v); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// --- Helper Tests ---

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument([]byte(`{"name":"Pikachu","level":5}`))
	if err != nil {
		t.Fatalf("parseDocument failed: %v", err)
	}
	if doc["name"] != "Pikachu" || doc["level"] != 5.0 {
		t.Errorf("unexpected document %v", doc)
	}

	for _, bad := range []string{`null`, `[1]`, `{`} {
		if _, err := parseDocument([]byte(bad)); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}

// --- Command Tests ---

func TestCommands_Indexes(t *testing.T) {
	configPath := setupWorkspace(t)

	out, err := run(t, "--config", configPath, "indexes")
	if err != nil {
		t.Fatalf("indexes failed: %v", err)
	}
	if !strings.Contains(out, "Pokemon_by_trainer\tPokemon.trainer\tone") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCommands_Validate(t *testing.T) {
	configPath := setupWorkspace(t)
	dir := filepath.Dir(configPath)

	good := filepath.Join(dir, "good.json")
	os.WriteFile(good, []byte(`{"id":"p1","type":"Pokemon","name":"Pikachu","trainer":null}`), 0o644)
	if out, err := run(t, "--config", configPath, "validate", "Pokemon", good); err != nil {
		t.Fatalf("validate failed: %v (%s)", err, out)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"id":"p1","type":"Pokemon","name":7,"trainer":null,"color":"yellow"}`), 0o644)
	out, err := run(t, "--config", configPath, "validate", "Pokemon", bad)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out, "color") || !strings.Contains(out, "name") {
		t.Errorf("expected every violation reported, got %q", out)
	}
}

func TestCommands_DocumentLifecycle(t *testing.T) {
	configPath := setupWorkspace(t)

	out, err := run(t, "--config", configPath, "create", "Trainer", `{"id":"ash","name":"Ash"}`)
	if err != nil {
		t.Fatalf("create Trainer failed: %v (%s)", err, out)
	}

	out, err = run(t, "--config", configPath, "create", "Pokemon", `{"id":"pika","name":"Pikachu","trainer":"ash"}`)
	if err != nil {
		t.Fatalf("create Pokemon failed: %v (%s)", err, out)
	}
	var created map[string]any
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decoding create output: %v", err)
	}
	rev, _ := created["_rev"].(string)
	if rev == "" {
		t.Fatalf("expected revision in output %q", out)
	}

	out, err = run(t, "--config", configPath, "refs", "Pokemon", "trainer", "ash")
	if err != nil {
		t.Fatalf("refs failed: %v", err)
	}
	if strings.TrimSpace(out) != "pika" {
		t.Errorf("expected pika, got %q", out)
	}

	out, err = run(t, "--config", configPath, "get", "pika", "missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var batch []map[string]any
	if err := json.Unmarshal([]byte(out), &batch); err != nil {
		t.Fatalf("decoding get output: %v", err)
	}
	if len(batch) != 2 || batch[0]["name"] != "Pikachu" || batch[1] != nil {
		t.Errorf("unexpected batch %v", batch)
	}

	out, err = run(t, "--config", configPath, "update", "Pokemon", "pika", rev, `{"name":"Raichu","trainer":null}`)
	if err != nil {
		t.Fatalf("update failed: %v (%s)", err, out)
	}
	if _, err := run(t, "--config", configPath, "update", "Pokemon", "pika", rev, `{"name":"Pichu","trainer":null}`); err == nil {
		t.Error("expected stale revision to fail")
	}

	var updated map[string]any
	json.Unmarshal([]byte(out), &updated)
	if _, err := run(t, "--config", configPath, "delete", "pika", updated["_rev"].(string)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := run(t, "--config", configPath, "get", "pika"); err == nil {
		t.Error("expected get after delete to fail")
	}
}

func TestCommands_Sync(t *testing.T) {
	configPath := setupWorkspace(t)

	out, err := run(t, "--config", configPath, "sync")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !strings.Contains(out, "1 indexes in sync") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCommands_WatchErrors(t *testing.T) {
	configPath := setupWorkspace(t)

	if _, err := run(t, "--config", configPath, "watch", "Gym"); err == nil || !strings.Contains(err.Error(), "Gym") {
		t.Errorf("expected unknown kind error, got %v", err)
	}
	if _, err := run(t, "--config", configPath, "watch", "Pokemon"); err == nil || !strings.Contains(err.Error(), cfgKeyNATSURL) {
		t.Errorf("expected missing %s error, got %v", cfgKeyNATSURL, err)
	}
}

func TestPrintChanges(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}

	sub, err := stream.NewNATSSubscriber(srv.ClientURL(), nil)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()
	feed, err := sub.Subscribe("Pokemon")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer feed.Close()

	pub, err := stream.NewNATSPublisher(srv.ClientURL())
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()
	ctx := context.Background()
	for _, change := range []stream.Change{
		{ID: "pika", Rev: "1-a", Kind: "Pokemon"},
		{ID: "pika", Rev: "1-a", Kind: "Pokemon", Deleted: true},
	} {
		if err := pub.Publish(ctx, change); err != nil {
			t.Fatalf("publishing: %v", err)
		}
	}
	if err := pub.Flush(); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := printChanges(ctx, feed, &out, 2); err != nil {
		t.Fatalf("printChanges failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	var last stream.Change
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("decoding line: %v", err)
	}
	if last.ID != "pika" || !last.Deleted {
		t.Errorf("expected the deletion last, got %+v", last)
	}
}
