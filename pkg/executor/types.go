/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package executor defines the identifiers and exit-attribution types shared
// by every collaborator of the scheduling core: the cluster client, the pod
// factory, the parent scheduler, and the core itself.
package executor

import "fmt"

// ID identifies an executor for the lifetime of the owning process. Ids are
// assigned from a monotonic counter and are never reused.
type ID string

// ExitReason attributes a terminal executor exit to either the user's
// application or the scheduling framework.
type ExitReason struct {
	ExitCode    int
	CausedByApp bool
	Message     string
}

func (r ExitReason) String() string {
	return fmt.Sprintf("exitCode=%d causedByApp=%t: %s", r.ExitCode, r.CausedByApp, r.Message)
}

const (
	// MaxReasonChecks bounds how many ticks the allocator waits for a known
	// exit reason to show up for a pending-removal executor before giving up
	// and reporting it lost for unknown reasons.
	MaxReasonChecks = 10

	// UnknownExitCode is used when a pod's terminated container state does
	// not report an exit code.
	UnknownExitCode = -1

	// DefaultContainerFailureExitStatus is the exit status attributed to a
	// container that failed without the cluster reporting one.
	DefaultContainerFailureExitStatus = -1

	// AppIDLabelKey labels every pod created for an application and is the
	// selector the watch stream filters on.
	AppIDLabelKey = "app-id"
)
