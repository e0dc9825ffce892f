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

import "github.com/tombee/stagehand/internal/report"

// Command output uses the report palette so summaries and command
// messages look alike.
var (
	StatusOK    = report.StyleOK
	StatusError = report.StyleError
	Muted       = report.StyleMuted
	Header      = report.StyleHeader
)

const (
	SymbolOK    = report.SymbolOK
	SymbolError = report.SymbolFail
	SymbolSkip  = report.SymbolSkip
)

// RenderError renders an error message with a red cross.
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderLabel renders a dim label (for key: value pairs)
func RenderLabel(label string) string {
	return Muted.Render(label)
}
