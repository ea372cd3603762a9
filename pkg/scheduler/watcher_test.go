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

package scheduler_test

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karpenter-sh/executor-scheduler/pkg/cloudprovider"
	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
	"github.com/karpenter-sh/executor-scheduler/pkg/faketest"
	"github.com/karpenter-sh/executor-scheduler/pkg/scheduler"
)

var _ = Describe("Watcher", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		state   *scheduler.State
		cluster *faketest.ClusterClient
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		state = scheduler.New()
		cluster = faketest.NewClusterClient()

		watcher := scheduler.NewWatcher(state, cluster, "app-1")
		go watcher.Run(ctx) //nolint:errcheck
	})

	AfterEach(func() {
		cancel()
	})

	executorPod := func(name string) *corev1.Pod {
		return &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:   name,
				Labels: map[string]string{executor.AppIDLabelKey: "app-1"},
			},
		}
	}

	It("records a running pod's IP", func() {
		pod, err := cluster.CreatePod(ctx, executorPod("executor-1"))
		Expect(err).NotTo(HaveOccurred())

		cluster.TransitionPod(pod.Name, cloudprovider.PodModified, func(p *corev1.Pod) {
			p.Status.Phase = corev1.PodRunning
			p.Status.PodIP = "10.0.0.5"
		})

		Eventually(func() bool {
			_, ok := state.PodByIP("10.0.0.5")
			return ok
		}, time.Second).Should(BeTrue())
	})

	It("attributes an ERROR event as application-caused when the executor is still live", func() {
		pod, err := cluster.CreatePod(ctx, executorPod("executor-2"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.InsertAllocated(executor.ID("2"), pod)).To(Succeed())

		cluster.TransitionPod(pod.Name, cloudprovider.PodError, func(p *corev1.Pod) {
			p.Status.ContainerStatuses = []corev1.ContainerStatus{{
				State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 137}},
			}}
		})

		var reason executor.ExitReason
		Eventually(func() bool {
			r, ok := state.TakeKnownExitReason(pod.Name)
			reason = r
			return ok
		}, time.Second).Should(BeTrue())
		Expect(reason.CausedByApp).To(BeTrue())
		Expect(reason.ExitCode).To(Equal(137))
	})

	It("attributes a DELETE event for an already-released executor as an explicit termination", func() {
		pod, err := cluster.CreatePod(ctx, executorPod("executor-3"))
		Expect(err).NotTo(HaveOccurred())
		// No InsertAllocated: the executor is already released from the
		// scheduler's point of view (e.g. killExecutors already ran).

		cluster.TransitionPod(pod.Name, cloudprovider.PodDeleted, func(*corev1.Pod) {})

		var reason executor.ExitReason
		Eventually(func() bool {
			r, ok := state.TakeKnownExitReason(pod.Name)
			reason = r
			return ok
		}, time.Second).Should(BeTrue())
		Expect(reason.CausedByApp).To(BeFalse())
		Expect(reason.Message).To(Equal("Pod already released, explicit termination request."))
	})
})
