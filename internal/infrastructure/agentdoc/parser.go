// Package agentdoc parses agent definition documents: a structured metadata
// header followed by a free-form prose body (the system prompt). The header
// is hand-parsed line-by-line rather than run through a full YAML library,
// matching the style internal/infrastructure/prompt/prompt_loader.go uses
// for its own (smaller) frontmatter schema, even though gopkg.in/yaml.v3 is
// available elsewhere in this module.
package agentdoc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/convergio/maoc/internal/domain/agent"
)

// ParseFile reads path and returns the raw header fields plus body. Callers
// run the result through Definition.Validate (which also defaults optional
// fields and fills ContentHash) — this function only parses syntax.
func ParseFile(path string) (*agent.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent definition: %w", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "---") {
		return nil, fmt.Errorf("%s: missing metadata header", path)
	}

	lines := strings.Split(content, "\n")
	closingIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closingIdx = i
			break
		}
	}
	if closingIdx == -1 {
		return nil, fmt.Errorf("%s: unclosed metadata header", path)
	}

	header := strings.Join(lines[1:closingIdx], "\n")
	body := strings.TrimSpace(strings.Join(lines[closingIdx+1:], "\n"))

	def := &agent.Definition{SystemPrompt: body}
	if err := parseHeader(header, def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = fileBaseName(path)
	}
	return def, nil
}

func parseHeader(header string, def *agent.Definition) error {
	scanner := bufio.NewScanner(strings.NewReader(header))
	var section string

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			parts := strings.SplitN(trimmed, ":", 2)
			key := strings.TrimSpace(parts[0])
			val := ""
			if len(parts) == 2 {
				val = strings.TrimSpace(parts[1])
			}
			section = ""

			switch key {
			case "agent_id":
				def.ID = val
			case "name":
				def.Name = val
			case "role":
				def.Role = val
			case "tier":
				def.Tier = agent.Tier(val)
			case "category":
				def.Category = val
			case "version":
				def.Version = val
			case "status":
				def.Status = agent.DefinitionStatus(val)
			case "model_preference":
				def.ModelPreference = val
			case "temperature":
				if f, err := strconv.ParseFloat(val, 64); err == nil {
					def.Temperature = f
				}
			case "max_context_tokens":
				if n, err := strconv.Atoi(val); err == nil {
					def.MaxContextTokens = n
				}
			case "cost_per_interaction":
				if f, err := strconv.ParseFloat(val, 64); err == nil {
					def.CostPerInteraction = f
				}
			case "capabilities":
				def.Capabilities = parseList(val)
			case "tags":
				def.Tags = parseList(val)
			case "dependencies":
				def.Dependencies = parseList(val)
			case "tools":
				section = "tools"
			}
			continue
		}

		// Indented continuation lines. The only multi-line section we
		// support is "tools:", one entry per line as "name | description | required".
		if section == "tools" {
			parts := strings.SplitN(trimmed, "|", 3)
			t := agent.Tool{Name: strings.TrimSpace(parts[0])}
			if len(parts) > 1 {
				t.Description = strings.TrimSpace(parts[1])
			}
			if len(parts) > 2 {
				t.Required = strings.TrimSpace(parts[2]) == "true"
			}
			if t.Name != "" {
				def.Tools = append(def.Tools, t)
			}
		}
	}
	return nil
}

func parseList(val string) []string {
	val = strings.TrimPrefix(val, "[")
	val = strings.TrimSuffix(val, "]")
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fileBaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
