// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/tombee/stagehand/internal/cache"
	"github.com/tombee/stagehand/internal/config"
	pkgerrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

func TestRunContextFlags_Register(t *testing.T) {
	var f RunContextFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.Register(fs)

	if err := fs.Parse([]string{"--event", "tag", "-w", "/src", "--secret", "A", "--secret", "B"}); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if f.Event != "tag" || f.Workspace != "/src" {
		t.Errorf("unexpected flags: %+v", f)
	}
	if len(f.Secrets) != 2 {
		t.Errorf("expected 2 secrets, got %v", f.Secrets)
	}
}

func TestRunContextFlags_Build(t *testing.T) {
	environ := []string{
		"STAGEHAND_EVENT=pull_request",
		"STAGEHAND_REF=refs/heads/feature",
		"GITHUB_SHA=abc123",
		"STAGEHAND_SECRET_API_KEY=k3y",
		"NPM_TOKEN=npm-s3cret",
	}
	f := RunContextFlags{
		Event:     "push",
		Workspace: "/src",
		Secrets:   []string{"NPM_TOKEN"},
	}

	rc, err := f.Build(environ)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if rc.Event() != "push" {
		t.Errorf("flag should override env event, got %q", rc.Event())
	}
	if rc.Ref() != "refs/heads/feature" {
		t.Errorf("expected ref from env, got %q", rc.Ref())
	}
	if rc.SHA() != "abc123" {
		t.Errorf("expected sha from GITHUB_SHA, got %q", rc.SHA())
	}
	if rc.Workspace() != "/src" {
		t.Errorf("expected workspace /src, got %q", rc.Workspace())
	}
	if v, ok := rc.Secret("API_KEY"); !ok || v != "k3y" {
		t.Errorf("expected API_KEY secret from prefix, got %q %v", v, ok)
	}
	if v, ok := rc.Secret("NPM_TOKEN"); !ok || v != "npm-s3cret" {
		t.Errorf("expected NPM_TOKEN secret from --secret, got %q %v", v, ok)
	}
}

func TestRunContextFlags_BuildDefaultsWorkspace(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	rc, err := RunContextFlags{}.Build([]string{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if rc.Workspace() != wd {
		t.Errorf("expected workspace %q, got %q", wd, rc.Workspace())
	}
}

func TestRunContextFlags_BuildMissingSecret(t *testing.T) {
	_, err := RunContextFlags{Secrets: []string{"MISSING"}}.Build([]string{})
	if err == nil {
		t.Fatal("expected error for unset secret")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitConfigError {
		t.Errorf("expected config exit error, got %v", err)
	}
	if !strings.Contains(err.Error(), "MISSING") {
		t.Errorf("expected error to name the secret, got %q", err.Error())
	}
}

func TestDefinitionJSONErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantJob  string
		wantLine int
	}{
		{
			name:     "unknown need",
			err:      &pkgerrors.DefinitionError{Job: "test", Field: "needs", Message: "unknown job", Line: 7},
			wantCode: ErrorCodeInvalidReference,
			wantJob:  "test",
			wantLine: 7,
		},
		{
			name:     "bad predicate",
			err:      &pkgerrors.DefinitionError{Job: "docs", Field: "if", Message: "bad", Cause: errors.New("unexpected token")},
			wantCode: ErrorCodeInvalidPredicate,
			wantJob:  "docs",
		},
		{
			name:     "yaml syntax",
			err:      &pkgerrors.DefinitionError{Message: "invalid yaml", Line: 3, Cause: errors.New("mapping values")},
			wantCode: ErrorCodeInvalidYAML,
			wantLine: 3,
		},
		{
			name:     "field constraint",
			err:      &pkgerrors.DefinitionError{Job: "build", Field: "timeout", Message: "must be positive"},
			wantCode: ErrorCodeInvalidField,
			wantJob:  "build",
		},
		{
			name:     "plain error",
			err:      errors.New("something else"),
			wantCode: ErrorCodeInvalidField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefinitionJSONErrors([]error{tt.err})
			if len(got) != 1 {
				t.Fatalf("expected 1 error, got %d", len(got))
			}
			je := got[0]
			if je.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", je.Code, tt.wantCode)
			}
			if je.Job != tt.wantJob {
				t.Errorf("job = %q, want %q", je.Job, tt.wantJob)
			}
			if tt.wantLine == 0 && je.Location != nil {
				t.Errorf("expected no location, got %+v", je.Location)
			}
			if tt.wantLine > 0 && (je.Location == nil || je.Location.Line != tt.wantLine) {
				t.Errorf("location = %+v, want line %d", je.Location, tt.wantLine)
			}
		})
	}
}

func TestPrintDefinitionErrors(t *testing.T) {
	var buf bytes.Buffer
	PrintDefinitionErrors(&buf, "ci.yaml", []error{
		&pkgerrors.DefinitionError{Job: "test", Field: "needs", Message: "unknown job \"lint\"", Line: 12},
		errors.New("no jobs defined"),
	})

	out := buf.String()
	if !strings.Contains(out, "ci.yaml:12:") {
		t.Errorf("expected line-qualified location, got %q", out)
	}
	if !strings.Contains(out, "ci.yaml: ") || !strings.Contains(out, "no jobs defined") {
		t.Errorf("expected unqualified location, got %q", out)
	}
}

func TestLoadDefinition(t *testing.T) {
	ResetFlagsForTest()
	t.Cleanup(ResetFlagsForTest)
	dir := t.TempDir()
	eval := expression.New()

	valid := filepath.Join(dir, "valid.yaml")
	if err := os.WriteFile(valid, []byte("name: ci\njobs:\n  build:\n    steps:\n      - run: make\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	def, err := LoadDefinition(&buf, "validate", valid, eval)
	if err != nil {
		t.Fatalf("expected valid definition, got %v (%s)", err, buf.String())
	}
	if def.Name != "ci" {
		t.Errorf("expected name ci, got %q", def.Name)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("name: ci\njobs:\n  build:\n    needs: missing\n    steps:\n      - run: make\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	_, err = LoadDefinition(&buf, "validate", invalid, eval)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitInvalidDefinition {
		t.Fatalf("expected invalid definition exit error, got %v", err)
	}
	if exitErr.Message != "" {
		t.Errorf("expected silent exit error, got message %q", exitErr.Message)
	}
	if !strings.Contains(buf.String(), "missing") {
		t.Errorf("expected problem to be reported, got %q", buf.String())
	}

	_, err = LoadDefinition(&buf, "validate", filepath.Join(dir, "nope.yaml"), eval)
	if !errors.As(err, &exitErr) || exitErr.Code != ExitInvalidDefinition {
		t.Errorf("expected invalid definition exit error for missing file, got %v", err)
	}
}

func TestOpenCacheStore(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")

	store, err := OpenCacheStore(cfg)
	if err != nil {
		t.Fatalf("OpenCacheStore failed: %v", err)
	}
	if _, ok := store.(*cache.FSStore); !ok {
		t.Errorf("expected filesystem store, got %T", store)
	}

	cfg.Cache.Backend = config.CacheBackendS3
	cfg.Cache.S3.Bucket = ""
	if _, err := OpenCacheStore(cfg); err == nil {
		t.Error("expected error for S3 backend without bucket")
	}
}
