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
	"context"
	"net"
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// dnsLookupTimeout bounds the reverse lookup used to resolve a pod's host
// canonical hostname. Locality is a scheduling preference, not a
// correctness requirement, so a slow or failing lookup must never stall a
// tick; it simply leaves that node's occupancy unresolved by hostname (the
// nodeName/hostIP checks still apply).
const dnsLookupTimeout = 200 * time.Millisecond

// computeNodeLocality starts from base (the parent's hostToLocalTaskCount
// snapshot) and removes any node already occupied by one of occupiedPods,
// matching on three signals: spec.nodeName, status.hostIP, and the
// canonical hostname of status.hostIP. The result is a preference, not a
// constraint: PodFactory is free to ignore it.
func computeNodeLocality(ctx context.Context, base map[string]int, occupiedPods []*corev1.Pod) map[string]int {
	var occupiedKeys []string
	for _, pod := range occupiedPods {
		if pod.Spec.NodeName != "" {
			occupiedKeys = append(occupiedKeys, pod.Spec.NodeName)
		}
		hostIP := pod.Status.HostIP
		if hostIP == "" {
			continue
		}
		occupiedKeys = append(occupiedKeys, hostIP)
		if hostname, ok := canonicalHostname(ctx, hostIP); ok {
			occupiedKeys = append(occupiedKeys, hostname)
		}
	}

	return lo.OmitByKeys(base, lo.Uniq(occupiedKeys))
}

func canonicalHostname(ctx context.Context, ip string) (string, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, dnsLookupTimeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(lookupCtx, ip)
	if err != nil || len(names) == 0 {
		log.FromContext(ctx).V(1).Info("could not resolve canonical hostname for node locality", "hostIP", ip, "error", err)
		return "", false
	}
	return names[0], true
}
