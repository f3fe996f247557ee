// Package policy restricts what an agent-facing deployment may do: which CLI
// commands run and which chains may receive autonomous swaps.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/id"
)

func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		if normalize(allowed) == normPath {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// Chains is a set of CAIP-2 chain ids allowed for autonomous execution. An
// empty set allows every supported chain.
type Chains struct {
	allowed map[string]struct{}
}

// NewChains parses a list of chain names, ids or CAIP-2 identifiers.
func NewChains(inputs []string) (Chains, error) {
	if len(inputs) == 0 {
		return Chains{}, nil
	}
	allowed := make(map[string]struct{}, len(inputs))
	for _, input := range inputs {
		chain, err := id.ParseChain(input)
		if err != nil {
			return Chains{}, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("allowed chain %q", input), err)
		}
		allowed[chain.CAIP2] = struct{}{}
	}
	return Chains{allowed: allowed}, nil
}

// Check returns a CodeBlocked error when caip2 is outside the allowlist.
func (c Chains) Check(caip2 string) error {
	if len(c.allowed) == 0 {
		return nil
	}
	if _, ok := c.allowed[caip2]; ok {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("chain %s is not allowed for autonomous execution", caip2))
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
