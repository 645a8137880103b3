package phasedapp

import (
	"sort"
	"strings"

	"github.com/BrianJOC/gameserver-installer/phases"
)

const secretMask = "[secret]"

// redactor masks secrets the operator typed wherever they could be echoed
// back: status line, phase logs, copied errors.
type redactor struct {
	secrets []string
}

func (r *redactor) add(secret string) {
	if strings.TrimSpace(secret) == "" {
		return
	}
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
	// longest first so a secret containing another is masked whole
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

func (r *redactor) apply(text string) string {
	for _, s := range r.secrets {
		text = strings.ReplaceAll(text, s, secretMask)
	}
	return text
}

// promptReason keeps sudo's wording about a rejected password off the screen.
func promptReason(def phases.InputDefinition, reason string) string {
	if def.Secret && strings.Contains(reason, "rejected") {
		return "Previous entry was rejected; please provide a new value."
	}
	return reason
}
