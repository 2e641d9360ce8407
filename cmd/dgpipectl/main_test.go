package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/dgpipe/internal/logging"
	"github.com/danmuck/dgpipe/internal/pipeline"
	"github.com/danmuck/dgpipe/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSendScriptOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "burst.toml", `
to = "10.0.0.5:7000"
linger = "500ms"
count = 3
`)
	plan, err := loadSendScript(path, defaultSendPlan())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if plan.To != "10.0.0.5:7000" || plan.Linger != 500*time.Millisecond {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if strings.Join(plan.Messages, ",") != "0,1,2" {
		t.Fatalf("unexpected messages: %v", plan.Messages)
	}
	if plan.Interval != 0 || plan.Compress {
		t.Fatalf("undefined keys changed the plan: %+v", plan)
	}
}

func TestLoadSendScriptRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"both lists":   "messages = [\"a\"]\ncount = 2\n",
		"bad linger":   "linger = \"later\"\n",
		"unknown key":  "target = \"x\"\n",
		"negative":     "count = -1\n",
		"not toml":     "to = \n",
		"bad interval": "interval = \"5\"\n",
	}
	for name, body := range cases {
		if _, err := loadSendScript(writeFile(t, "s.toml", body), defaultSendPlan()); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestDefaultPlanSendsDigits(t *testing.T) {
	testlog.Start(t)
	if got := strings.Join(defaultSendPlan().Messages, ""); got != "0123456789" {
		t.Fatalf("unexpected default messages %q", got)
	}
}

func TestSplitHostPort(t *testing.T) {
	testlog.Start(t)
	host, port, err := splitHostPort(":9000")
	if err != nil || host != "127.0.0.1" || port != 9000 {
		t.Fatalf("got %q %d %v", host, port, err)
	}
	for _, bad := range []string{"9000", "host:0", "host:x", "host:65536"} {
		if _, _, err := splitHostPort(bad); err == nil {
			t.Fatalf("%q: expected an error", bad)
		}
	}
}

// startEchoNode runs a loopback pipeline that echoes everything it receives.
func startEchoNode(t *testing.T) (*pipeline.Coordinator, chan error) {
	t.Helper()
	cfg := pipeline.DefaultConfig()
	cfg.Name = "cmd-echo"
	cfg.LocalHost = "127.0.0.1"
	cfg.PollInterval = 50 * time.Millisecond
	node, err := pipeline.New(cfg, logging.Component("pipeline"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- receiveLoop(context.Background(), node, true, nil, logging.Component("echo"))
	}()
	t.Cleanup(func() { _ = node.Shutdown() })
	return node, done
}

func TestSendCommandPrintsEchoes(t *testing.T) {
	testlog.Start(t)
	node, loopDone := startEchoNode(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(node.LocalAddr().(*net.UDPAddr).Port))

	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"send", "--to", addr, "--linger", "500ms", "alpha", "beta"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "\talpha") || !strings.HasSuffix(lines[1], "\tbeta") {
		t.Fatalf("unexpected echoes: %q", out.String())
	}
	if !strings.Contains(errOut.String(), "sent=2 received=2") {
		t.Fatalf("unexpected summary: %q", errOut.String())
	}

	if err := node.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-loopDone; err != nil {
		t.Fatalf("echo loop: %v", err)
	}
	if s := node.Stats(); s.Received != 2 || s.Sent != 2 {
		t.Fatalf("unexpected node stats: %+v", s)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}

	root = newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "validate", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "ok: dgpipe-node") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestResolveNodeConfigFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.toml", "[pipeline]\nname = \"file-node\"\nlocal_port = 9100\n")
	cmd := newNodeCommand()
	if err := cmd.ParseFlags([]string{"--config", path, "--port", "9200", "--no-echo", "--no-status"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	f := nodeFlags{configPath: path, port: 9200, noEcho: true, noStatus: true}
	cfg, err := resolveNodeConfig(cmd, f)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Pipeline.Name != "file-node" || cfg.Pipeline.LocalPort != 9200 {
		t.Fatalf("unexpected pipeline: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Echo || cfg.Status.Enabled {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestUnknownLogLevelIsIgnored(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--log-level", "loud", "config", "init", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("unknown level must not fail the command: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
}
