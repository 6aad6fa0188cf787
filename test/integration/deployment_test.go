package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slipway/internal/classify"
	"slipway/internal/config"
	"slipway/internal/events"
	"slipway/internal/platform"
	"slipway/internal/recovery"
	"slipway/internal/server"
	"slipway/internal/store"
	"slipway/internal/supervise"
	"slipway/internal/task"
	"slipway/internal/workflow"
	"slipway/pkg/fileutil"
)

// testEnv wires a real engine, store, event mirror and HTTP server
// around the local platform adapter. Runs started through it execute
// real commands and produce real releases on disk.
type testEnv struct {
	srv    *server.Server
	store  *store.Store
	engine *workflow.Engine
}

func newTestEnv(t *testing.T, projects ...*config.Project) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewStore(filepath.Join(t.TempDir(), "slipway.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	platforms := platform.NewRegistry()
	platforms.Register(platform.NewLocal(logger))

	reg := make(map[string]*config.Project, len(projects))
	for _, p := range projects {
		reg[p.Name] = p
	}
	registry := config.NewRegistry(reg)

	bus := events.NewBus(logger)

	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	t.Cleanup(stopMirror)
	go store.NewMirror(st, bus, logger).Run(mirrorCtx)

	engine := workflow.NewEngine(workflow.Deps{
		Store:      st,
		Bus:        bus,
		Supervisor: supervise.New(logger),
		Classifier: classify.New(),
		Recovery:   recovery.New(),
		Platforms:  platforms,
		Projects:   registry,
		Logger:     logger,
	})
	engine.PollInterval = 2 * time.Millisecond
	t.Cleanup(engine.WaitForRuns)

	srv := server.NewServer(registry, st, engine, bus, logger, true)
	return &testEnv{srv: srv, store: st, engine: engine}
}

// runDeploy starts a deploy through the engine and blocks until it
// finishes, returning the persisted task.
func (env *testEnv) runDeploy(t *testing.T, project string) *task.Task {
	t.Helper()

	tk, err := env.engine.Start(context.Background(), project, workflow.StartOptions{Type: task.TypeDeploy})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	env.engine.WaitForRuns()

	final, err := env.store.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	return final
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func writeScript(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("Failed to write script %s: %v", path, err)
	}
}

// siteProject builds a project tree whose build step copies
// src/version.txt into dist/index.html, so each deployment's artifact
// is controlled by what the test writes to version.txt.
func siteProject(t *testing.T, name string) *config.Project {
	t.Helper()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0755); err != nil {
		t.Fatalf("Failed to create src dir: %v", err)
	}
	writeFile(t, filepath.Join(root, "src", "version.txt"), "v1")

	script := filepath.Join(root, "build.sh")
	writeScript(t, script, "#!/bin/sh\nmkdir -p dist\ncp src/version.txt dist/index.html\n")

	return &config.Project{
		Name:           name,
		Path:           root,
		Platform:       "local",
		Branch:         "main",
		Secret:         "integration-secret-at-least-32-chars-long-here",
		BuildCommand:   script,
		OutputDir:      "dist",
		InstallTimeout: 60,
		BuildTimeout:   60,
		DeployTimeout:  60,
	}
}

// TestEndToEndDeployment drives the full pipeline against the local
// adapter: detect, build, release directory, current symlink cutover,
// shared overlay, rollback and release pruning.
func TestEndToEndDeployment(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	proj := siteProject(t, "site")
	env := newTestEnv(t, proj)

	releasesDir := filepath.Join(proj.Path, "releases")
	currentLink := filepath.Join(proj.Path, "current")

	var firstDeployID, secondDeployID string

	t.Run("FirstDeployment", func(t *testing.T) {
		tk := env.runDeploy(t, "site")

		if tk.Status != task.StatusSuccess {
			errMsg := ""
			if tk.Error != nil {
				errMsg = *tk.Error
			}
			t.Fatalf("Expected status success, got %s (error: %s)", tk.Status, errMsg)
		}
		if tk.Progress != 100 {
			t.Errorf("Expected progress 100, got %d", tk.Progress)
		}

		firstDeployID = tk.Result["deploy_id"]
		if firstDeployID == "" {
			t.Fatal("Expected deploy_id in task result")
		}
		if !strings.HasPrefix(tk.Result["url"], "file://") {
			t.Errorf("Expected file:// URL, got %q", tk.Result["url"])
		}

		releases, err := os.ReadDir(releasesDir)
		if err != nil {
			t.Fatalf("Failed to read releases dir: %v", err)
		}
		if len(releases) != 1 {
			t.Fatalf("Expected exactly one release, got %d", len(releases))
		}
		if releases[0].Name() != firstDeployID {
			t.Errorf("Expected release %s, got %s", firstDeployID, releases[0].Name())
		}

		target, err := fileutil.ResolveSymlink(currentLink)
		if err != nil {
			t.Fatalf("Failed to resolve current symlink: %v", err)
		}
		if !strings.HasSuffix(target, filepath.Join("releases", firstDeployID)) {
			t.Errorf("Current symlink points at %s, expected release %s", target, firstDeployID)
		}

		content, err := os.ReadFile(filepath.Join(currentLink, "index.html"))
		if err != nil {
			t.Fatalf("Failed to read deployed artifact: %v", err)
		}
		if string(content) != "v1" {
			t.Errorf("Expected deployed content 'v1', got %q", content)
		}
	})

	t.Run("SecondDeploymentRotatesRelease", func(t *testing.T) {
		writeFile(t, filepath.Join(proj.Path, "src", "version.txt"), "v2")

		// Shared files are overlaid into every new release
		sharedDir := filepath.Join(proj.Path, "shared")
		if err := os.MkdirAll(sharedDir, 0755); err != nil {
			t.Fatalf("Failed to create shared dir: %v", err)
		}
		writeFile(t, filepath.Join(sharedDir, "config.txt"), "shared content")

		tk := env.runDeploy(t, "site")
		if tk.Status != task.StatusSuccess {
			t.Fatalf("Expected status success, got %s", tk.Status)
		}

		secondDeployID = tk.Result["deploy_id"]
		if secondDeployID == "" || secondDeployID == firstDeployID {
			t.Fatalf("Expected a fresh deploy_id, got %q (first was %q)", secondDeployID, firstDeployID)
		}

		content, err := os.ReadFile(filepath.Join(currentLink, "index.html"))
		if err != nil {
			t.Fatalf("Failed to read deployed artifact: %v", err)
		}
		if string(content) != "v2" {
			t.Errorf("Expected deployed content 'v2', got %q", content)
		}

		overlay, err := os.ReadFile(filepath.Join(releasesDir, secondDeployID, "config.txt"))
		if err != nil {
			t.Fatalf("Shared file was not overlaid into release: %v", err)
		}
		if string(overlay) != "shared content" {
			t.Errorf("Shared overlay content changed, got %q", overlay)
		}

		// The overlay source must survive the deployment
		if _, err := os.Stat(filepath.Join(sharedDir, "config.txt")); err != nil {
			t.Errorf("Shared source file missing after deployment: %v", err)
		}
	})

	t.Run("RollbackRestoresPreviousRelease", func(t *testing.T) {
		adapter, err := env.engine.Platform("local")
		if err != nil {
			t.Fatalf("Platform() error = %v", err)
		}

		if err := adapter.Rollback(context.Background(), proj, firstDeployID); err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}

		content, err := os.ReadFile(filepath.Join(currentLink, "index.html"))
		if err != nil {
			t.Fatalf("Failed to read artifact after rollback: %v", err)
		}
		if string(content) != "v1" {
			t.Errorf("Expected rolled back content 'v1', got %q", content)
		}

		status := adapter.Status(context.Background(), proj, firstDeployID)
		if status.Status != platform.StatusLive {
			t.Errorf("Expected rolled back release to be live, got %s", status.Status)
		}
	})

	t.Run("OldReleasesPruned", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			tk := env.runDeploy(t, "site")
			if tk.Status != task.StatusSuccess {
				t.Fatalf("Deployment %d failed with status %s", i+1, tk.Status)
			}
			secondDeployID = tk.Result["deploy_id"]
		}

		releases, err := os.ReadDir(releasesDir)
		if err != nil {
			t.Fatalf("Failed to read releases dir: %v", err)
		}
		if len(releases) > platform.DefaultKeepReleases {
			t.Errorf("Expected at most %d releases, got %d", platform.DefaultKeepReleases, len(releases))
		}

		target, err := fileutil.ResolveSymlink(currentLink)
		if err != nil {
			t.Fatalf("Failed to resolve current symlink: %v", err)
		}
		if !strings.HasSuffix(target, filepath.Join("releases", secondDeployID)) {
			t.Errorf("Current symlink points at %s, expected latest release %s", target, secondDeployID)
		}
	})
}

// TestConcurrentDeployments ensures a project only runs one deployment
// at a time: a webhook landing while a run is active is rejected.
func TestConcurrentDeployments(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	proj := siteProject(t, "busy-site")
	proj.BuildCommand = "sleep 30"
	env := newTestEnv(t, proj)

	payload := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	signature := server.MakeTestSignature(payload, proj.Secret)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/in/busy-site", strings.NewReader(string(payload)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", signature)
		rr := httptest.NewRecorder()
		env.srv.Router().ServeHTTP(rr, req)
		return rr
	}

	first := post()
	if first.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", first.Code, first.Body.String())
	}

	var accepted map[string]string
	if err := json.Unmarshal(first.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("Failed to decode webhook response: %v", err)
	}
	taskID := accepted["task_id"]
	if taskID == "" {
		t.Fatal("Expected task_id in webhook response")
	}

	second := post()
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", second.Code)
	}

	var rejected map[string]string
	json.Unmarshal(second.Body.Bytes(), &rejected)
	if rejected["error"] != "Deployment already in progress" {
		t.Errorf("Expected 'Deployment already in progress' error, got %v", rejected)
	}

	if !env.engine.Cancel(taskID) {
		t.Error("Expected to cancel the running deployment")
	}
	env.engine.WaitForRuns()
}
