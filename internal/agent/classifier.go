package agent

import (
	"bytes"
	"encoding/json"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

// canParallelize decides whether one round's invocations may run
// concurrently. The posture is fail safe: ambiguity of any kind forces
// sequential execution, where a later call can observe an earlier
// call's side effects.
//
// Rules, in order: fewer than two calls never parallelize; a batch of
// pure reads always does; two mutating calls touching the same resource
// never do; a mutating call whose argument payload cannot be parsed
// never does; a single mutating call alongside reads does.
func canParallelize(reg *capability.Registry, calls []model.Invocation) bool {
	if len(calls) < 2 {
		return false
	}
	mutating := 0
	seen := make(map[string]bool)
	for _, call := range calls {
		if !reg.Mutates(call.Name) {
			continue
		}
		mutating++
		if args := bytes.TrimSpace(call.Args); len(args) > 0 && !json.Valid(args) {
			return false
		}
		for _, ref := range capability.ResourceRefs(call.Args) {
			if seen[ref] {
				return false
			}
			seen[ref] = true
		}
	}
	if mutating == 0 {
		return true
	}
	return mutating == 1
}
