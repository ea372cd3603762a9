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

var _ = Describe("Backend", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		cluster *faketest.ClusterClient
		factory *faketest.PodFactory
		p       *faketest.Parent
		backend *scheduler.Backend
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		cluster = faketest.NewClusterClient()
		factory = faketest.NewPodFactory()
		p = faketest.NewParent("app-1")

		cluster.SetOwnerPod(&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "driver", UID: "driver-uid"}})

		backend = scheduler.NewBackend(scheduler.Config{
			Namespace:          "default",
			DriverPodName:      "driver",
			AppID:              "app-1",
			DriverURL:          "spark://driver:7078",
			InitialExecutors:   2,
			DynamicAllocation:  false,
			TickInterval:       20 * time.Millisecond,
			BatchSize:          5,
			MinRegisteredRatio: 0.5,
		}, cluster, factory, p)
	})

	AfterEach(func() {
		cancel()
	})

	It("starts the parent and requests the initial executor count when dynamic allocation is off", func() {
		Expect(backend.Start(ctx)).To(Succeed())
		Expect(p.Started()).To(BeTrue())

		Eventually(func() int {
			return len(factory.Calls())
		}, time.Second).Should(BeNumerically(">=", 2))

		for i := 0; i < 2; i++ {
			p.Register(string(rune('a'+i))+"-addr", executor.ID(""))
		}

		Eventually(func() bool {
			return backend.SufficientResourcesRegistered()
		}, time.Second).Should(BeTrue())
	})

	It("deletes every live pod and stops the parent on shutdown, idempotently", func() {
		Expect(backend.Start(ctx)).To(Succeed())
		for i := 0; i < 2; i++ {
			p.Register(string(rune('a'+i))+"-addr", executor.ID(""))
		}
		time.Sleep(100 * time.Millisecond)

		stopCtx := context.Background()
		Expect(backend.Stop(stopCtx)).To(Succeed())
		Expect(p.Stopped()).To(BeTrue())

		// A second Stop must not panic or double-run teardown.
		Expect(backend.Stop(stopCtx)).To(Succeed())
	})

	It("kills a named executor and leaves unknown ids as a no-op", func() {
		Expect(backend.Start(ctx)).To(Succeed())
		for i := 0; i < 2; i++ {
			p.Register(string(rune('a'+i))+"-addr", executor.ID(""))
		}

		Eventually(func() int {
			return len(factory.Calls())
		}, time.Second).Should(BeNumerically(">=", 2))

		ok := backend.KillExecutors(ctx, []executor.ID{executor.ID("1"), executor.ID("missing")})
		Expect(ok).To(BeTrue())
	})
})
