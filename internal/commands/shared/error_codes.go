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

// Error codes for structured JSON output
const (
	// Definition errors (E001-E099)
	ErrorCodeInvalidYAML      = "E002" // Invalid YAML syntax
	ErrorCodeInvalidField     = "E003" // Field constraint violation
	ErrorCodeInvalidReference = "E004" // Unknown or cyclic needs
	ErrorCodeInvalidPredicate = "E005" // Predicate or template does not compile

	// Execution errors (E100-E199)
	ErrorCodeRunFailed = "E103" // Run outcome failed
	ErrorCodeCancelled = "E105" // Run cancelled

	// Configuration errors (E200-E299)
	ErrorCodeInvalidConfig = "E202"

	// Input errors (E300-E399)
	ErrorCodeFileNotFound = "E303"

	// Resource errors (E400-E499)
	ErrorCodeNotFound = "E401"
	ErrorCodeInternal = "E402"
)

// ErrorCodeForExit maps an exit code to a JSON error code
func ErrorCodeForExit(code int) string {
	switch code {
	case ExitInvalidDefinition:
		return ErrorCodeInvalidField
	case ExitConfigError:
		return ErrorCodeInvalidConfig
	case ExitCancelled:
		return ErrorCodeCancelled
	default:
		return ErrorCodeRunFailed
	}
}
