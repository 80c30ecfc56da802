// Copyright 2025 The Loomtrace Authors
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

package tracing

import (
	"encoding/json"
	"os"
)

// Experiment holds externally-sourced identifiers describing an experiment
// run (A/B test, evaluation harness run, CI experiment). It is detected from
// the environment at tracer start and read-only afterwards.
type Experiment struct {
	ID       string
	Name     string
	Variant  string
	Group    string
	Metadata map[string]string
}

// IsZero reports whether no experiment field was detected.
func (e *Experiment) IsZero() bool {
	return e == nil || (e.ID == "" && e.Name == "" && e.Variant == "" &&
		e.Group == "" && len(e.Metadata) == 0)
}

// experimentAliases maps each experiment field to the environment variables
// that may carry it, in precedence order: the native LOOMTRACE_* names first,
// then MLflow, then Weights & Biases, then the generic names. First match
// wins per field.
//
// The tie-break when two harnesses' variables are simultaneously present is
// first-declared-wins over this table.
var experimentAliases = map[string][]string{
	KeyExperimentID: {
		"LOOMTRACE_EXPERIMENT_ID",
		"MLFLOW_EXPERIMENT_ID",
		"WANDB_RUN_ID",
		"EXPERIMENT_ID",
	},
	KeyExperimentName: {
		"LOOMTRACE_EXPERIMENT_NAME",
		"MLFLOW_EXPERIMENT_NAME",
		"WANDB_NAME",
		"EXPERIMENT_NAME",
	},
	KeyExperimentVariant: {
		"LOOMTRACE_EXPERIMENT_VARIANT",
		"MLFLOW_RUN_NAME",
		"WANDB_JOB_TYPE",
		"EXPERIMENT_VARIANT",
	},
	KeyExperimentGroup: {
		"LOOMTRACE_EXPERIMENT_GROUP",
		"MLFLOW_RUN_ID",
		"WANDB_RUN_GROUP",
		"EXPERIMENT_GROUP",
	},
}

// experimentMetadataVar carries free-form experiment metadata as a JSON
// object of string values.
const experimentMetadataVar = "LOOMTRACE_EXPERIMENT_METADATA"

// detectExperiment resolves the experiment context from the environment via
// lookup (os.LookupEnv in production, a map-backed stub in tests). Returns
// nil when no experiment variable is set.
func detectExperiment(lookup func(string) (string, bool)) *Experiment {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	exp := &Experiment{}
	fields := map[string]*string{
		KeyExperimentID:      &exp.ID,
		KeyExperimentName:    &exp.Name,
		KeyExperimentVariant: &exp.Variant,
		KeyExperimentGroup:   &exp.Group,
	}
	for key, dst := range fields {
		for _, name := range experimentAliases[key] {
			if value, ok := lookup(name); ok && value != "" {
				*dst = value
				break
			}
		}
	}

	if raw, ok := lookup(experimentMetadataVar); ok && raw != "" {
		var metadata map[string]string
		// Malformed metadata is dropped, not fatal; the identifiers above
		// still apply.
		if err := json.Unmarshal([]byte(raw), &metadata); err == nil {
			exp.Metadata = metadata
		}
	}

	if exp.IsZero() {
		return nil
	}
	return exp
}
