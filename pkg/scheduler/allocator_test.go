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

	"github.com/karpenter-sh/executor-scheduler/pkg/executor"
	"github.com/karpenter-sh/executor-scheduler/pkg/faketest"
	"github.com/karpenter-sh/executor-scheduler/pkg/scheduler"
)

var _ = Describe("Allocator", func() {
	var (
		ctx     context.Context
		state   *scheduler.State
		cluster *faketest.ClusterClient
		factory *faketest.PodFactory
		p       *faketest.Parent
		owner   *corev1.Pod
	)

	BeforeEach(func() {
		ctx = context.Background()
		state = scheduler.New()
		cluster = faketest.NewClusterClient()
		factory = faketest.NewPodFactory()
		p = faketest.NewParent("app-1")

		owner = &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "driver", UID: "driver-uid"}}
		cluster.SetOwnerPod(owner)
	})

	newAllocator := func(batchSize int) *scheduler.Allocator {
		return scheduler.NewAllocator(scheduler.AllocatorConfig{
			TickInterval: time.Second,
			BatchSize:    batchSize,
			AppID:        "app-1",
			DriverURL:    "spark://driver:7078",
		}, state, cluster, factory, p, owner)
	}

	It("does nothing when no executors are expected", func() {
		alloc := newAllocator(5)
		alloc.Tick(ctx)
		Expect(state.ExecutorCount()).To(Equal(0))
	})

	It("scales up to the requested total, clamped by batch size", func() {
		state.SetTotalExpected(10)
		// registered must not lag running: seed enough registrations so the
		// gate never blocks scale-up in this single-tick test.
		for i := 0; i < 10; i++ {
			p.Register(string(rune('a'+i))+"-addr", executor.ID(""))
		}
		alloc := newAllocator(3)
		alloc.Tick(ctx)
		Expect(state.ExecutorCount()).To(Equal(3))
	})

	It("creates nothing in a tick where registered lags the already-running count", func() {
		// Seed one already-running executor with no matching registration,
		// so registered (0) < running (1) and scale-up must no-op.
		id := state.NextExecutorID()
		Expect(state.InsertAllocated(id, &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "executor-0"}})).To(Succeed())
		state.SetTotalExpected(5)

		alloc := newAllocator(5)
		alloc.Tick(ctx)
		Expect(state.ExecutorCount()).To(Equal(1))
	})

	It("abandons an executor id whose pod creation fails without retrying it", func() {
		state.SetTotalExpected(2)
		for i := 0; i < 2; i++ {
			p.Register(string(rune('a'+i))+"-addr", executor.ID(""))
		}
		factory.FailNextN = 1
		alloc := newAllocator(2)
		alloc.Tick(ctx)
		Expect(state.ExecutorCount()).To(Equal(1))
	})

	It("computes node locality once and reuses it for every pod in the batch", func() {
		state.SetTotalExpected(3)
		for i := 0; i < 3; i++ {
			p.Register(string(rune('a'+i))+"-addr", executor.ID(""))
		}
		p.SetHostToLocalTaskCount(map[string]int{"node-a": 4})
		alloc := newAllocator(3)
		alloc.Tick(ctx)

		calls := factory.Calls()
		Expect(calls).To(HaveLen(3))
		for _, c := range calls {
			Expect(c).To(HaveKeyWithValue("node-a", 4))
		}
	})

	It("resolves a pending removal once its exit reason is known and deletes the pod unless app-caused", func() {
		id := state.NextExecutorID()
		pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "executor-1"}}
		Expect(state.InsertAllocated(id, pod)).To(Succeed())
		cluster.SetOwnerPod(pod)
		state.MarkPendingRemoval(id)
		state.PutKnownExitReason(pod.Name, executor.ExitReason{ExitCode: 1, CausedByApp: false, Message: "lost"})

		alloc := newAllocator(5)
		alloc.Tick(ctx)

		removed := p.Removed()
		Expect(removed).To(HaveLen(1))
		Expect(removed[0].ID).To(Equal(id))
		_, err := cluster.PodByName(ctx, "", pod.Name)
		Expect(err).To(HaveOccurred())
	})

	It("keeps an application-caused exit's pod alone and only erases bookkeeping", func() {
		id := state.NextExecutorID()
		pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "executor-2"}}
		Expect(state.InsertAllocated(id, pod)).To(Succeed())
		cluster.SetOwnerPod(pod)
		state.MarkPendingRemoval(id)
		state.PutKnownExitReason(pod.Name, executor.ExitReason{ExitCode: 0, CausedByApp: true, Message: "completed"})

		alloc := newAllocator(5)
		alloc.Tick(ctx)

		got, err := cluster.PodByName(ctx, "", pod.Name)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Name).To(Equal(pod.Name))
	})

	It("gives up with an unknown-reason removal after MaxReasonChecks ticks", func() {
		id := state.NextExecutorID()
		pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "executor-3"}}
		Expect(state.InsertAllocated(id, pod)).To(Succeed())
		cluster.SetOwnerPod(pod)
		state.MarkPendingRemoval(id)

		alloc := newAllocator(5)
		for i := 0; i < executor.MaxReasonChecks; i++ {
			alloc.Tick(ctx)
		}

		removed := p.Removed()
		Expect(removed).To(HaveLen(1))
		Expect(removed[0].Reason.Message).To(Equal("Executor lost for unknown reasons."))
	})
})
