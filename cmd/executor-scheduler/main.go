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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/karpenter-sh/executor-scheduler/internal/env"
	"github.com/karpenter-sh/executor-scheduler/pkg/cloudprovider"
	"github.com/karpenter-sh/executor-scheduler/pkg/config"
	"github.com/karpenter-sh/executor-scheduler/pkg/parent"
	"github.com/karpenter-sh/executor-scheduler/pkg/podfactory"
	"github.com/karpenter-sh/executor-scheduler/pkg/scheduler"
)

func main() {
	cfg := config.FromEnv()

	flag.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "namespace executor pods are created in")
	flag.StringVar(&cfg.DriverPodName, "driver-pod-name", cfg.DriverPodName, "name of the driver pod that owns created executors")
	flag.StringVar(&cfg.AppID, "app-id", cfg.AppID, "application id labelled on every executor pod")
	flag.StringVar(&cfg.DriverURL, "driver-url", cfg.DriverURL, "RPC endpoint executors connect back to")
	flag.Int64Var(&cfg.InitialExecutors, "initial-executors", cfg.InitialExecutors, "executor count requested at startup")
	flag.BoolVar(&cfg.DynamicAllocation, "dynamic-allocation", cfg.DynamicAllocation, "whether the caller drives RequestTotal itself instead of a fixed initial count")
	flag.Int64Var(&cfg.DynamicAllocationMin, "dynamic-allocation-min", cfg.DynamicAllocationMin, "lower bound a dynamic-allocation caller should clamp RequestTotal to")
	flag.Int64Var(&cfg.DynamicAllocationMax, "dynamic-allocation-max", cfg.DynamicAllocationMax, "upper bound a dynamic-allocation caller should clamp RequestTotal to")
	flag.Int64Var(&cfg.DynamicAllocationInitial, "dynamic-allocation-initial", cfg.DynamicAllocationInitial, "initial RequestTotal a dynamic-allocation caller should request before its own signal arrives")
	flag.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "allocator reconcile cadence")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "maximum executor pods created per reconcile tick")
	image := flag.String("executor-image", env.WithDefaultString("EXECUTOR_SCHEDULER_IMAGE", ""), "container image run by each executor pod")
	podFactoryTimeout := flag.Duration("pod-factory-timeout", env.WithDefaultDuration("EXECUTOR_SCHEDULER_STARTUP_TIMEOUT", 30*time.Second), "timeout waiting for the driver pod to resolve at startup")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %s", err.Error()))
	}

	zapLog, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("building logger: %s", err.Error()))
	}
	defer zapLog.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLog)
	log.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = log.IntoContext(ctx, logger)

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		logger.Error(err, "failed to load in-cluster kubeconfig")
		os.Exit(1)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		logger.Error(err, "failed to build kubernetes clientset")
		os.Exit(1)
	}

	cluster := cloudprovider.NewKubeClusterClient(clientset, cfg.Namespace)
	factory := podfactory.NewDefaultFactory(cfg.Namespace, *image)
	p := parent.NewStandalone(cfg.AppID)

	backend := scheduler.NewBackend(scheduler.Config{
		Namespace:                cfg.Namespace,
		DriverPodName:            cfg.DriverPodName,
		AppID:                    cfg.AppID,
		DriverURL:                cfg.DriverURL,
		InitialExecutors:         cfg.InitialExecutors,
		DynamicAllocation:        cfg.DynamicAllocation,
		DynamicAllocationMin:     cfg.DynamicAllocationMin,
		DynamicAllocationMax:     cfg.DynamicAllocationMax,
		DynamicAllocationInitial: cfg.DynamicAllocationInitial,
		TickInterval:             cfg.TickInterval,
		BatchSize:                cfg.BatchSize,
		MinRegisteredRatio:       cfg.MinRegisteredRatio,
	}, cluster, factory, p)

	startCtx, cancelStart := context.WithTimeout(ctx, *podFactoryTimeout)
	err = backend.Start(startCtx)
	cancelStart()
	if err != nil {
		logger.Error(err, "failed to start scheduler core")
		os.Exit(1)
	}
	logger.Info("executor scheduler started", "appID", cfg.AppID, "namespace", cfg.Namespace)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining executors")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if err := backend.Stop(stopCtx); err != nil {
		logger.Error(err, "errors during shutdown")
	}
}
