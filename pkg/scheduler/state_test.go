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
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
	"github.com/karpenter-sh/executor-scheduler/pkg/scheduler"
)

func testPod(name string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

var _ = Describe("State", func() {
	var state *scheduler.State

	BeforeEach(func() {
		state = scheduler.New()
	})

	It("assigns monotonically increasing executor ids that are never reused", func() {
		first := state.NextExecutorID()
		second := state.NextExecutorID()
		Expect(first).NotTo(Equal(second))
		Expect(string(first)).To(Equal("1"))
		Expect(string(second)).To(Equal("2"))
	})

	It("rejects inserting an executor id that is already allocated", func() {
		id := state.NextExecutorID()
		Expect(state.InsertAllocated(id, testPod("a"))).To(Succeed())
		Expect(state.InsertAllocated(id, testPod("b"))).To(HaveOccurred())
	})

	It("moves a killed executor out of the live indexes and into pendingRemoval", func() {
		id := state.NextExecutorID()
		pod := testPod("executor-1")
		Expect(state.InsertAllocated(id, pod)).To(Succeed())
		Expect(state.ExecutorCount()).To(Equal(1))

		killed, ok := state.KillExecutor(id)
		Expect(ok).To(BeTrue())
		Expect(killed.Name).To(Equal(pod.Name))
		Expect(state.ExecutorCount()).To(Equal(0))
		Expect(state.IsReleased(pod.Name)).To(BeTrue())

		drained := state.DrainPendingRemovals()
		Expect(drained).To(HaveLen(1))
		Expect(drained[0].ID).To(Equal(id))
	})

	It("reports killing an unknown executor id as a no-op", func() {
		_, ok := state.KillExecutor(executor.ID("missing"))
		Expect(ok).To(BeFalse())
	})

	It("consumes a known exit reason at most once", func() {
		reason := executor.ExitReason{ExitCode: 1, CausedByApp: true, Message: "boom"}
		state.PutKnownExitReason("pod-a", reason)

		got, ok := state.TakeKnownExitReason("pod-a")
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(reason))

		_, ok = state.TakeKnownExitReason("pod-a")
		Expect(ok).To(BeFalse())
	})

	It("lets a later exit reason write replace an earlier one", func() {
		state.PutKnownExitReason("pod-a", executor.ExitReason{ExitCode: 1})
		state.PutKnownExitReason("pod-a", executor.ExitReason{ExitCode: 2})
		got, ok := state.TakeKnownExitReason("pod-a")
		Expect(ok).To(BeTrue())
		Expect(got.ExitCode).To(Equal(2))
	})

	It("erases every trace of a reaped executor", func() {
		id := state.NextExecutorID()
		pod := testPod("executor-1")
		Expect(state.InsertAllocated(id, pod)).To(Succeed())
		state.PutKnownExitReason(pod.Name, executor.ExitReason{})
		state.IncrementReasonCheck(id)

		state.EraseExecutor(id, pod.Name)

		Expect(state.ExecutorCount()).To(Equal(0))
		_, ok := state.TakeKnownExitReason(pod.Name)
		Expect(ok).To(BeFalse())
	})

	It("records, serves and removes podsByIP entries by IP", func() {
		pod := testPod("executor-1")
		state.UpsertPodByIP("10.0.0.1", pod)

		got, ok := state.PodByIP("10.0.0.1")
		Expect(ok).To(BeTrue())
		Expect(got.Name).To(Equal(pod.Name))

		state.RemovePodByIP("10.0.0.1")
		_, ok = state.PodByIP("10.0.0.1")
		Expect(ok).To(BeFalse())
	})

	It("marks an allocated executor for pending removal but ignores an unknown one", func() {
		id := state.NextExecutorID()
		pod := testPod("executor-1")
		Expect(state.InsertAllocated(id, pod)).To(Succeed())

		Expect(state.MarkPendingRemoval(id)).To(BeTrue())
		Expect(state.MarkPendingRemoval(executor.ID("missing"))).To(BeFalse())
	})

	It("drains and clears every allocated executor at shutdown", func() {
		idA := state.NextExecutorID()
		idB := state.NextExecutorID()
		Expect(state.InsertAllocated(idA, testPod("a"))).To(Succeed())
		Expect(state.InsertAllocated(idB, testPod("b"))).To(Succeed())

		drained := state.DrainAllocated()
		Expect(drained).To(HaveLen(2))
		Expect(state.ExecutorCount()).To(Equal(0))
	})
})
