// Package prompt assembles the agent prompt from a fixed template and
// screens operator/caller text for prompt-injection patterns.
package prompt

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// AppendMaxBytes bounds the operator-supplied append text.
const AppendMaxBytes = 2048

// baseTemplate has three substitution slots. Changing it changes the
// recorded template digest, which is how past sessions are tied to the
// prompt wording they actually saw.
const baseTemplate = `You are an autonomous coding agent operating inside a supervised workspace.

Goal:
%s

Workspace root (do not read or write outside it):
%s

Constraints:
%s

Work toward the goal, then summarize what you changed and anything still blocking completion as file:line references.`

const defaultConstraints = `- Modify files only under the workspace root.
- Place deliverable files in .agent-firewall/artifacts/ under the workspace root.
- Do not read credentials, keys, or environment files.`

// injectionPatterns reject text that tries to override the template or
// direct the agent at sensitive host paths.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+previous`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?instructions`),
	regexp.MustCompile(`(?i)(read|cat|open|dump)\s+(/etc/|/proc/|/sys/|/root/|~/\.ssh)`),
	regexp.MustCompile(`(?i)exfiltrate`),
}

// InjectionError marks a goal or append rejected by the injection screen.
type InjectionError struct {
	Field   string
	Pattern string
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("%s rejected: matches injection pattern %q", e.Field, e.Pattern)
}

// Builder renders prompts from the base template plus an optional
// operator-configured append.
type Builder struct {
	appendText string
	digest     string
}

// NewBuilder validates the operator append and returns a ready builder.
func NewBuilder(appendText string) (*Builder, error) {
	if len(appendText) > AppendMaxBytes {
		return nil, fmt.Errorf("prompt append exceeds %d bytes", AppendMaxBytes)
	}
	if err := screen("prompt_append", appendText); err != nil {
		return nil, err
	}
	return &Builder{
		appendText: appendText,
		digest:     TemplateDigest(),
	}, nil
}

// TemplateDigest returns the first 16 hex characters of the blake3 sum of
// the base template, recorded in task.json for deployment forensics.
func TemplateDigest() string {
	sum := blake3.Sum256([]byte(baseTemplate))
	return hex.EncodeToString(sum[:])[:16]
}

// Digest returns the digest of the template this builder renders.
func (b *Builder) Digest() string { return b.digest }

// Build renders the prompt for a goal and workspace. The goal is screened
// here so a hostile submission cannot rewrite the template's framing.
func (b *Builder) Build(goal, workspaceRoot string) (string, error) {
	if err := screen("goal", goal); err != nil {
		return "", err
	}
	constraints := defaultConstraints
	if strings.TrimSpace(b.appendText) != "" {
		constraints += "\n" + strings.TrimSpace(b.appendText)
	}
	return fmt.Sprintf(baseTemplate, goal, workspaceRoot, constraints), nil
}

func screen(field, text string) error {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return &InjectionError{Field: field, Pattern: re.String()}
		}
	}
	return nil
}
