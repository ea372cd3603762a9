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

// Package config resolves and validates the operator-tunable values the
// executor scheduler core needs at startup: namespace and driver pod
// identity, batch sizing, tick cadence, and the registration ratio used to
// decide whether enough executors are up before the application proceeds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/karpenter-sh/executor-scheduler/internal/env"
)

// defaultMinRegisteredRatio is applied only when the caller has not set
// MinRegisteredRatio at all: an explicit value always wins over the default,
// including an explicit zero — so ApplyDefaults takes a pointer-free struct
// plus a separate "was it set" flag rather than treating zero as "unset".
const defaultMinRegisteredRatio = 0.8

const (
	defaultTickInterval = time.Second
	defaultBatchSize    = 5
)

// Config holds every value the scheduler core needs beyond its collaborator
// interfaces.
type Config struct {
	Namespace     string `validate:"required"`
	DriverPodName string `validate:"required"`
	AppID         string `validate:"required"`
	DriverURL     string `validate:"required"`

	InitialExecutors  int64 `validate:"gte=0"`
	DynamicAllocation bool

	// DynamicAllocationInitial is the initial requestTotal when
	// DynamicAllocation is set. DynamicAllocationMin/Max are validated and
	// passed through, but nothing applies them as a floor/ceiling: RequestTotal
	// is not clamped to this range.
	DynamicAllocationMin     int64 `validate:"gte=0"`
	DynamicAllocationMax     int64 `validate:"gte=0"`
	DynamicAllocationInitial int64 `validate:"gte=0"`

	TickInterval time.Duration `validate:"gt=0"`
	BatchSize    int           `validate:"gt=0"`

	// MinRegisteredRatioSet distinguishes an explicit zero from "not
	// configured"; ApplyDefaults only substitutes defaultMinRegisteredRatio
	// when this is false.
	MinRegisteredRatioSet bool
	MinRegisteredRatio    float64 `validate:"gte=0,lte=1"`
}

// FromEnv resolves a Config from environment variables, applying defaults
// for anything unset before returning. It never errors; call Validate
// separately once flags (if any) have also been layered on top.
func FromEnv() Config {
	ratio, ratioSet := lookupRatio()
	cfg := Config{
		Namespace:                env.WithDefaultString("EXECUTOR_SCHEDULER_NAMESPACE", "default"),
		DriverPodName:            env.WithDefaultString("EXECUTOR_SCHEDULER_DRIVER_POD_NAME", ""),
		AppID:                    env.WithDefaultString("EXECUTOR_SCHEDULER_APP_ID", ""),
		DriverURL:                env.WithDefaultString("EXECUTOR_SCHEDULER_DRIVER_URL", ""),
		InitialExecutors:         env.WithDefaultInt64("EXECUTOR_SCHEDULER_INITIAL_EXECUTORS", 0),
		DynamicAllocation:        env.WithDefaultBool("EXECUTOR_SCHEDULER_DYNAMIC_ALLOCATION", false),
		DynamicAllocationMin:     env.WithDefaultInt64("EXECUTOR_SCHEDULER_DYNAMIC_ALLOCATION_MIN", 0),
		DynamicAllocationMax:     env.WithDefaultInt64("EXECUTOR_SCHEDULER_DYNAMIC_ALLOCATION_MAX", 0),
		DynamicAllocationInitial: env.WithDefaultInt64("EXECUTOR_SCHEDULER_DYNAMIC_ALLOCATION_INITIAL", 0),
		TickInterval:             env.WithDefaultDuration("EXECUTOR_SCHEDULER_TICK_INTERVAL", defaultTickInterval),
		BatchSize:                env.WithDefaultInt("EXECUTOR_SCHEDULER_BATCH_SIZE", defaultBatchSize),
		MinRegisteredRatioSet:    ratioSet,
		MinRegisteredRatio:       ratio,
	}
	return cfg.ApplyDefaults()
}

// lookupRatio reads EXECUTOR_SCHEDULER_MIN_REGISTERED_RATIO directly as a
// float, since the typed env helpers in internal/env don't cover
// float64 — this is the one setting that needs fractional precision.
func lookupRatio() (float64, bool) {
	val, ok := os.LookupEnv("EXECUTOR_SCHEDULER_MIN_REGISTERED_RATIO")
	if !ok {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// ApplyDefaults fills in any zero-value fields this process can safely
// default, including the MinRegisteredRatio precedence rule: an
// explicitly-set ratio always wins, otherwise it defaults to 0.8.
func (c Config) ApplyDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if !c.MinRegisteredRatioSet {
		c.MinRegisteredRatio = defaultMinRegisteredRatio
	}
	return c
}

var validate = validator.New()

// Validate runs struct-tag validation and aggregates every violation via
// multierr, rather than stopping at the first, so an operator sees every
// misconfigured field in one error.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var errs error
		for _, fieldErr := range err.(validator.ValidationErrors) {
			errs = multierr.Append(errs, fmt.Errorf("config: field %s failed validation %q", fieldErr.Namespace(), fieldErr.Tag()))
		}
		return errs
	}
	return nil
}
