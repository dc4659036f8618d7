package toolfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/johnlindquist/lootbox/internal/logger"
)

func discardLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(new(bytes.Buffer)), func(int) {})
}

const sampleToolSrc = `package main

import "github.com/johnlindquist/lootbox/lootbox"

var Functions = lootbox.Table{
	"run": func(ctx lootbox.CallContext, args []byte) (any, error) {
		return nil, nil
	},
}
`

func writeTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".go")
	if err := os.WriteFile(path, []byte(sampleToolSrc), 0o644); err != nil {
		t.Fatalf("writing tool file: %v", err)
	}
	return path
}

func TestOverlay_ProjectShadowsGlobalByName(t *testing.T) {
	global := t.TempDir()
	project := t.TempDir()

	writeTool(t, global, "echo")
	projectPath := writeTool(t, project, "echo")

	m := NewManager(discardLogger(), project, global, FunctionNames)
	if err := m.RefreshCache(); err != nil {
		t.Fatalf("RefreshCache() = %v", err)
	}

	files := m.GetUniqueFiles()
	got, ok := files["echo"]
	if !ok {
		t.Fatal("expected echo namespace to be present")
	}
	if got.Path != projectPath {
		t.Errorf("echo path = %s, want project path %s", got.Path, projectPath)
	}
}

func TestRefreshCache_FiresObserversExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "alpha")

	m := NewManager(discardLogger(), dir, "", FunctionNames)

	calls := 0
	var lastNames []string
	m.OnCacheRefreshed(func(names []string) {
		calls++
		lastNames = names
	})

	if err := m.RefreshCache(); err != nil {
		t.Fatalf("RefreshCache() = %v", err)
	}

	if calls != 1 {
		t.Fatalf("observer called %d times, want 1", calls)
	}
	if len(lastNames) != 1 || lastNames[0] != "alpha.run" {
		t.Fatalf("names = %v, want [alpha.run]", lastNames)
	}
}

func TestScan_ExcludesTestFiles(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "alpha")
	if err := os.WriteFile(filepath.Join(dir, "alpha_test.go"), []byte(sampleToolSrc), 0o644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}

	m := NewManager(discardLogger(), dir, "", FunctionNames)
	if err := m.RefreshCache(); err != nil {
		t.Fatalf("RefreshCache() = %v", err)
	}

	files := m.GetUniqueFiles()
	if _, ok := files["alpha_test"]; ok {
		t.Fatal("expected alpha_test.go to be excluded from discovery")
	}
}

func TestFunctionNames_ReadsFunctionsTableKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeTool(t, dir, "echo")

	names, err := FunctionNames(File{Name: "echo", Path: path})
	if err != nil {
		t.Fatalf("FunctionNames() = %v", err)
	}
	if len(names) != 1 || names[0] != "run" {
		t.Fatalf("names = %v, want [run]", names)
	}
}
