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

package scheduler

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// terminalEventTTL bounds how long the watcher remembers a pod name and
// terminal action (ERROR or DELETED) it has already attributed an exit
// reason for. client-go watches redeliver events
// at-least-once across a reconnect; without this, a replayed DELETED/ERROR
// event for a pod already resolved would overwrite knownExitReasons with a
// second, possibly different-looking reason for the same terminal exit.
const terminalEventTTL = 2 * time.Minute

// terminalEventDedup suppresses reprocessing of a terminal pod event the
// watch stream redelivers within the TTL. Keys combine pod name and action,
// so a different terminal event for the same pod is still recorded.
type terminalEventDedup struct {
	c *gocache.Cache
}

func newTerminalEventDedup() *terminalEventDedup {
	return &terminalEventDedup{c: gocache.New(terminalEventTTL, terminalEventTTL/2)}
}

func (d *terminalEventDedup) seenRecently(podName string) bool {
	_, found := d.c.Get(podName)
	return found
}

func (d *terminalEventDedup) mark(podName string) {
	d.c.SetDefault(podName, struct{}{})
}
