// Package params implements ParameterMerger (spec.md §4.2): composing the
// upstream request body from three layers of precedence.
package params

import (
	"github.com/routergate/gateway/internal/config"
	"github.com/routergate/gateway/internal/models"
)

// reservedKeys are handled structurally elsewhere (model identity, message
// list, streaming flag) and are never touched by the generic parameter
// overlay, even if a global/model default happens to name them.
var reservedKeys = map[string]struct{}{
	"model":    {},
	"messages": {},
	"stream":   {},
}

// Compose builds the upstream request body for one candidate model.
//
// Precedence, lowest to highest (spec.md §4.2(a)-(c)):
//  1. clientBody's own top-level keys, where the client actually set a
//     non-nil value
//  2. cfg.GlobalParams — set only where the client left the key absent
//  3. cfg.ModelParams[model] — overwritten unconditionally, model-specific
//     wins over both the global default and the client's own value; a whole
//     key is replaced, never deep-merged into whatever sits beneath it
//
// The returned map always carries "model" rewritten to the bare upstream
// model name and "messages" copied verbatim from the client body.
func Compose(clientBody map[string]interface{}, ref models.ModelRef, ep models.ProviderEndpoint, cfg *config.Config) map[string]interface{} {
	out := make(map[string]interface{}, len(clientBody)+4)

	for k, v := range clientBody {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		if v == nil {
			continue
		}
		out[k] = v
	}

	for k, v := range cfg.GlobalParams {
		if _, present := out[k]; present {
			continue
		}
		out[k] = v
	}

	overlay(out, cfg.ModelParams[ref.String()])
	overlay(out, cfg.ModelParams[ref.Model])

	out["model"] = ref.Model
	if msgs, ok := clientBody["messages"]; ok {
		out["messages"] = msgs
	}

	// "stream" is never copied from the client body: the invoker sets it
	// (false for a buffered call, true for a streaming one). Non-chat
	// protocol flavors cannot stream at all, so they are pinned to false
	// here and the streaming invoker leaves that value in place.
	if ep.Protocol.ForcesNonStreaming() {
		out["stream"] = false
	}

	return out
}

// overlay shallow-copies src's keys into dst, replacing whole values rather
// than merging nested maps, per the Open Question decision in SPEC_FULL.md §10.2.
func overlay(dst map[string]interface{}, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}
