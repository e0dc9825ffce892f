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

package run

import (
	"io"
	"log/slog"

	"github.com/tombee/stagehand/internal/cache"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/gate"
	"github.com/tombee/stagehand/internal/runner"
	"github.com/tombee/stagehand/internal/shell"
	"github.com/tombee/stagehand/pkg/httpclient"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
	"github.com/tombee/stagehand/pkg/secrets"
)

// engine bundles the components one run needs.
type engine struct {
	runner     *runner.Runner
	executor   shell.Executor
	cache      *cache.Manager
	publisher  gate.Publisher
	dispatcher gate.Dispatcher
}

// newEngine wires the step executor, cache, publish and dispatch boundaries
// into a step runner according to cfg.
func newEngine(cfg *config.Config, runCtx pipeline.RunContext, eval *expression.Evaluator, masker *secrets.Masker, stream io.Writer, logger *slog.Logger) (*engine, error) {
	e := &engine{
		executor: shell.New(shell.Config{
			MaxOutput: cfg.Runner.MaxOutputBytes,
			KillGrace: cfg.Scheduler.KillGrace,
		}),
	}

	if cfg.Cache.Enabled {
		store, err := shared.OpenCacheStore(cfg)
		if err != nil {
			return nil, err
		}
		e.cache = cache.NewManager(cache.ManagerConfig{
			Store:     store,
			Evaluator: eval,
			Force:     cfg.Cache.ForceRestore,
			Logger:    logger,
		})
	}

	if cfg.Publish.Command != "" {
		e.publisher = &gate.HookPublisher{
			Command:  cfg.Publish.Command,
			Shell:    cfg.Runner.Shell,
			Executor: e.executor,
		}
	}

	switch {
	case cfg.Dispatch.Command != "":
		e.dispatcher = &gate.HookDispatcher{
			Command:  cfg.Dispatch.Command,
			Shell:    cfg.Runner.Shell,
			Executor: e.executor,
		}
	case cfg.Dispatch.APIURL != "":
		// A missing token surfaces as a failed dispatch step, not a startup error.
		token, _ := runCtx.Secret(cfg.Dispatch.TokenSecret)
		hc := httpclient.DefaultConfig()
		version, _, _ := shared.GetVersion()
		hc.UserAgent = "stagehand/" + version
		hc.Logger = logger
		client, err := httpclient.New(hc)
		if err != nil {
			return nil, shared.NewConfigError("failed to create dispatch client", err)
		}
		e.dispatcher = gate.NewHTTPDispatcher(cfg.Dispatch.APIURL, token, cfg.Dispatch.RatePerSecond, client)
	}

	e.runner = runner.New(runner.Config{
		Executor:    e.executor,
		Shell:       cfg.Runner.Shell,
		InheritEnv:  cfg.Runner.InheritEnv,
		TempDir:     cfg.Runner.TempDir,

		SecretsByReference: cfg.Runner.SecretsByReference,
		Cache:       e.cache,
		Publisher:   e.publisher,
		Dispatcher:  e.dispatcher,
		PublishGate: gate.PublishGate{TagPattern: cfg.Publish.TagPattern},
		Masker:      masker,
		Output:      stream,
		Logger:      logger,
	}, eval)

	return e, nil
}
