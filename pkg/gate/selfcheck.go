package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SelfCheck validates the gate's own deny posture against synthetic
// fixtures: a clean case must pass, and the known denial cases must each
// block. CI runs this before trusting the gate with real intents.
func (g *Gate) SelfCheck() error {
	dir, err := os.MkdirTemp("", "gate-self-check-")
	if err != nil {
		return fmt.Errorf("self-check workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	write := func(name string, v interface{}) (string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		path := filepath.Join(dir, name)
		return path, os.WriteFile(path, data, 0o600)
	}

	intent, err := write("intent_packet.json", map[string]interface{}{
		"intent_statement": "apply patch",
		"scope":            "pilot",
		"success_criteria": "ci>=90",
		"ttl_expires_at":   "2099-01-01T00:00:00Z",
		"author":           map[string]string{"id": "ops"},
		"authority":        map[string]string{"id": "dri"},
		"intent_hash":      "abc",
	})
	if err != nil {
		return err
	}
	authority, err := write("authority_contract.json", map[string]interface{}{
		"allow_execution": true,
		"signer":          "dri",
	})
	if err != nil {
		return err
	}
	snapshot, err := write("input_snapshot.json", map[string]string{"snapshot_id": "s1"})
	if err != nil {
		return err
	}
	decision, err := write("decision_record.json", map[string]interface{}{
		"claims":         []map[string]string{{"id": "c1"}},
		"evidence":       []map[string]string{{"id": "e1"}},
		"authority_refs": []map[string]string{{"id": "a1"}},
	})
	if err != nil {
		return err
	}

	paths := Paths{Intent: intent, Authority: authority, Snapshot: snapshot, Decision: decision}
	if _, err := g.Run(paths); err != nil {
		return fmt.Errorf("self-check clean case was denied: %w", err)
	}

	denied, err := write("authority_denied.json", map[string]interface{}{"allow_execution": false})
	if err != nil {
		return err
	}
	paths.Authority = denied
	if _, err := g.Run(paths); err == nil {
		return fmt.Errorf("self-check failed: allow_execution=false was not blocked")
	}

	conflict, err := write("authority_conflict.json", map[string]interface{}{
		"allow_execution": true,
		"signer":          "a",
		"signer_conflict": "b",
	})
	if err != nil {
		return err
	}
	paths.Authority = conflict
	if _, err := g.Run(paths); err == nil {
		return fmt.Errorf("self-check failed: conflicting authority claims were not blocked")
	}

	ambiguous, err := write("authority_ambiguous.json", map[string]interface{}{
		"allow_execution": "yes",
	})
	if err != nil {
		return err
	}
	paths.Authority = ambiguous
	if _, err := g.Run(paths); err == nil {
		return fmt.Errorf("self-check failed: non-boolean allow_execution was not blocked")
	}
	return nil
}
