// Package executor applies remediation commands under an allow-list
// policy. The policy is the last line of defense between a decision and
// the cluster: anything it does not explicitly permit is refused.
package executor

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// Policy is the allow-list a command must clear before execution.
type Policy struct {
	AllowedVerbs      []string `yaml:"allowedVerbs"`
	ForbiddenPatterns []string `yaml:"forbiddenPatterns"`

	verbs map[string]struct{}
}

// NewPolicy builds a policy from explicit verb and pattern lists.
func NewPolicy(allowedVerbs, forbiddenPatterns []string) (*Policy, error) {
	p := &Policy{AllowedVerbs: allowedVerbs, ForbiddenPatterns: forbiddenPatterns}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPolicy reads a policy document from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.E("executor.LoadPolicy", utils.KindConfiguration,
			fmt.Sprintf("read policy file %s", path), err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, utils.E("executor.LoadPolicy", utils.KindConfiguration,
			fmt.Sprintf("parse policy file %s", path), err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) compile() error {
	if len(p.AllowedVerbs) == 0 {
		return utils.E("executor.Policy", utils.KindConfiguration, "policy has no allowed verbs", nil)
	}
	p.verbs = make(map[string]struct{}, len(p.AllowedVerbs))
	for _, verb := range p.AllowedVerbs {
		verb = strings.ToLower(strings.TrimSpace(verb))
		if verb == "" {
			continue
		}
		p.verbs[verb] = struct{}{}
	}
	return nil
}

// Check decides whether the command may run. The first token after an
// optional kubectl prefix is the verb; it must be on the allow-list, and
// no forbidden pattern may appear anywhere in the command.
func (p *Policy) Check(commandText string) error {
	fields := strings.Fields(commandText)
	if len(fields) == 0 {
		return utils.E("executor.Check", utils.KindPolicy, "empty command", nil)
	}
	if strings.EqualFold(fields[0], "kubectl") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return utils.E("executor.Check", utils.KindPolicy, "command has no verb", nil)
	}

	verb := strings.ToLower(fields[0])
	if _, ok := p.verbs[verb]; !ok {
		return utils.E("executor.Check", utils.KindPolicy,
			fmt.Sprintf("verb %q is not on the allow-list", verb), nil)
	}

	lowered := strings.ToLower(commandText)
	for _, pattern := range p.ForbiddenPatterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if strings.Contains(lowered, pattern) {
			return utils.E("executor.Check", utils.KindPolicy,
				fmt.Sprintf("command touches forbidden pattern %q", pattern), nil)
		}
	}
	return nil
}
