package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testConfig writes a config that keeps every file in a temp dir and uses
// the in-process device.
func testConfig(t *testing.T, trace bool) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`log:
  level: error
  outputs: [stderr]
transport:
  kind: mem
host:
  host_name: test
  credential_db: %[1]s/creds.db
  static_key_path: %[1]s/host.key
  ack_timeout: 200ms
device:
  pairing_methods: [skip, code-entry]
  static_key_path: %[1]s/device.key
  secret_path: %[1]s/device.secret
  pairing_code: "424242"
trace:
  enabled: %[2]t
  path: %[1]s/capture.lz4
`, dir, trace)
	path := filepath.Join(dir, "thp.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func executeJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := execute(t, append(args, "-o", "json")...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("%v: bad output %q: %v", args, out, err)
	}
}

func TestVersion(t *testing.T) {
	cfg, _ := testConfig(t, false)
	out, err := execute(t, "--config", cfg, "version")
	if err != nil || !strings.Contains(out, "thpctl version") {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestKeygen(t *testing.T) {
	cfg, dir := testConfig(t, false)
	path := filepath.Join(dir, "keys", "k")
	var first, second, forced keyView
	executeJSON(t, &first, "--config", cfg, "keygen", path)
	executeJSON(t, &second, "--config", cfg, "keygen", path)
	executeJSON(t, &forced, "--config", cfg, "keygen", "--force", path)
	if len(first.ID) != 64 || first != second {
		t.Fatalf("existing key not reused: %+v %+v", first, second)
	}
	if forced.ID == first.ID {
		t.Fatal("--force kept the old key")
	}
}

func TestPairCallAndCredentials(t *testing.T) {
	cfg, _ := testConfig(t, false)

	// Skip pairing opens the channel but earns no credential.
	var conn connView
	executeJSON(t, &conn, "--config", cfg, "pair")
	if conn.State != "unpaired" || conn.Model != "T3W1" || conn.Credential != "" {
		t.Fatalf("skip pair: %+v", conn)
	}

	executeJSON(t, &conn, "--config", cfg, "pair", "--method", "code-entry", "--code", "424242")
	if conn.State != "unpaired" || conn.Credential == "" {
		t.Fatalf("code entry pair: %+v", conn)
	}

	var creds []credentialView
	executeJSON(t, &creds, "--config", cfg, "credentials", "list")
	if len(creds) != 1 {
		t.Fatalf("credentials: %+v", creds)
	}

	var again connView
	executeJSON(t, &again, "--config", cfg, "pair")
	if again.State != "paired" || again.Credential == "" {
		t.Fatalf("pair with stored credential: %+v", again)
	}

	var msg messageView
	executeJSON(t, &msg, "--config", cfg, "call", "--text", "10", "hello")
	if msg.Session != 1 || msg.Type != 11 || msg.Payload != "hello" {
		t.Fatalf("call: %+v", msg)
	}

	if _, err := execute(t, "--config", cfg, "credentials", "forget", creds[0].Device); err != nil {
		t.Fatal(err)
	}
	executeJSON(t, &creds, "--config", cfg, "credentials", "list")
	if len(creds) != 0 {
		t.Fatalf("credentials after forget: %+v", creds)
	}
}

func TestCodeEntryPairing(t *testing.T) {
	cfg, _ := testConfig(t, false)
	if _, err := execute(t, "--config", cfg, "pair", "--method", "code-entry"); err == nil {
		t.Fatal("code entry without --code succeeded")
	}
	if _, err := execute(t, "--config", cfg, "pair", "--method", "code-entry", "--code", "000000"); err == nil {
		t.Fatal("wrong code accepted")
	}
	var conn connView
	executeJSON(t, &conn, "--config", cfg, "pair", "--method", "code-entry", "--code", "424242")
	if conn.Credential == "" {
		t.Fatalf("no credential: %+v", conn)
	}
}

func TestTraceCapture(t *testing.T) {
	cfg, _ := testConfig(t, true)
	if _, err := execute(t, "--config", cfg, "ping"); err != nil {
		t.Fatal(err)
	}
	var packets []packetView
	executeJSON(t, &packets, "--config", cfg, "trace")
	if len(packets) < 2 {
		t.Fatalf("capture has %d packets", len(packets))
	}
	if packets[0].Kind != "PING" || packets[0].Dir != "->" || packets[1].Kind != "PONG" {
		t.Fatalf("unexpected capture: %+v", packets)
	}
	if _, err := execute(t, "--config", cfg, "trace", "--role", "nobody"); err == nil {
		t.Fatal("bad role accepted")
	}
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	rows := []credentialView{{Device: "abc", Autoconnect: true, Issued: "now"}}
	if err := newFormatter("").Format(&buf, rows); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "DEVICE") || !strings.Contains(buf.String(), "abc") {
		t.Fatalf("table output %q", buf.String())
	}
	buf.Reset()
	if err := newFormatter("yaml").Format(&buf, pingView{Pong: true, RTT: "1ms"}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "pong: true\nrtt: 1ms\n" {
		t.Fatalf("yaml output %q", buf.String())
	}
}
