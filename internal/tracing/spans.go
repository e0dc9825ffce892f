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

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tombee/stagehand"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartRun creates the root span for a pipeline run.
func StartRun(ctx context.Context, runID, pipelineName string) (context.Context, trace.Span) {
	return tracer().Start(ctx, fmt.Sprintf("pipeline.run: %s", pipelineName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("pipeline.name", pipelineName),
			attribute.String("pipeline.run_id", runID),
			attribute.String("span.type", "pipeline.run"),
		),
	)
}

// StartInstance creates a span for one job instance.
func StartInstance(ctx context.Context, instanceID, jobID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, fmt.Sprintf("instance: %s", instanceID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("instance.id", instanceID),
			attribute.String("span.type", "pipeline.instance"),
		),
	)
}

// StartStep creates a span for one step.
func StartStep(ctx context.Context, stepName, kind string) (context.Context, trace.Span) {
	return tracer().Start(ctx, fmt.Sprintf("step: %s", stepName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("step.name", stepName),
			attribute.String("step.kind", kind),
			attribute.String("span.type", "pipeline.step"),
		),
	)
}

// EndRun records the overall outcome and ends the run span.
func EndRun(span trace.Span, outcome string) {
	end(span, outcome, nil)
}

// EndInstance records the instance outcome and ends its span.
func EndInstance(span trace.Span, outcome string) {
	end(span, outcome, nil)
}

// EndStep records the step outcome and error and ends its span.
func EndStep(span trace.Span, outcome string, err error) {
	end(span, outcome, err)
}

func end(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case outcome == "failed" || outcome == "cancelled":
		span.SetStatus(codes.Error, outcome)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
