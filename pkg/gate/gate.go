// Package gate implements the pre-execution accountability boundary. The
// posture is default deny: every check that cannot be answered positively
// blocks execution, and ambiguity is treated the same as refusal.
package gate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/decigov/disr/core/pkg/contracts"
)

// Gate evaluates intent packets against the authority contract and optional
// deny rules before a privileged action may run.
type Gate struct {
	// DenyRules are CEL expressions over the intent packet (bound as
	// "intent"). Any rule evaluating true, or failing to evaluate, denies.
	DenyRules []string
	// Refusals are the ledger refusal slices matched against the decision
	// record's claimed actions.
	Refusals []contracts.RefusalEntry

	Logger *slog.Logger
	Clock  func() time.Time
}

// Paths names the gate's input files. Decision is optional.
type Paths struct {
	Intent    string
	Authority string
	Snapshot  string
	Decision  string
}

// Receipt records one gate evaluation.
type Receipt struct {
	ReceiptID string `json:"receipt_id"`
	CheckedAt string `json:"checked_at"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
}

func (g *Gate) clock() func() time.Time {
	if g.Clock != nil {
		return g.Clock
	}
	return time.Now
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Run evaluates the gate. A nil error means execution is allowed; every
// other outcome returns the denial reason alongside a deny receipt.
func (g *Gate) Run(paths Paths) (Receipt, error) {
	receipt := Receipt{
		ReceiptID: uuid.NewString(),
		CheckedAt: g.clock()().UTC().Format(time.RFC3339),
	}

	deny := func(err error) (Receipt, error) {
		receipt.Allowed = false
		receipt.Reason = err.Error()
		g.logger().Warn("gate denied execution", "receipt_id", receipt.ReceiptID, "reason", receipt.Reason)
		return receipt, err
	}

	intent, err := g.validateIntent(paths.Intent)
	if err != nil {
		return deny(err)
	}
	if err := g.checkIntentExpiry(intent); err != nil {
		return deny(err)
	}
	if err := g.applyDenyRules(intent); err != nil {
		return deny(err)
	}
	if _, err := os.Stat(paths.Snapshot); err != nil {
		return deny(fmt.Errorf("input snapshot %s missing", paths.Snapshot))
	}
	if err := g.checkAuthorityContract(paths.Authority); err != nil {
		return deny(err)
	}
	if paths.Decision != "" {
		if err := g.checkDecisionRecord(paths.Decision); err != nil {
			return deny(err)
		}
	}

	receipt.Allowed = true
	receipt.Reason = "pre-exec gate satisfied (default deny posture enforced)"
	g.logger().Info("gate allowed execution", "receipt_id", receipt.ReceiptID)
	return receipt, nil
}

func (g *Gate) validateIntent(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intent packet %s unreadable: %w", path, err)
	}
	var intent map[string]interface{}
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("intent packet %s is not valid JSON: %w", path, err)
	}

	schema, err := jsonschema.CompileString("intent_packet.json", intentSchema)
	if err != nil {
		return nil, fmt.Errorf("compile intent schema: %w", err)
	}
	if err := schema.Validate(intent); err != nil {
		return nil, fmt.Errorf("intent validation failed: %v", err)
	}
	return intent, nil
}

func (g *Gate) checkIntentExpiry(intent map[string]interface{}) error {
	ttlRaw, _ := intent["ttl_expires_at"].(string)
	expires, err := time.Parse(time.RFC3339, ttlRaw)
	if err != nil {
		return fmt.Errorf("intent ttl_expires_at %q unparseable: %w", ttlRaw, err)
	}
	if !g.clock()().Before(expires) {
		return fmt.Errorf("intent packet expired at %s", ttlRaw)
	}
	return nil
}

// applyDenyRules evaluates each CEL deny rule; evaluation failure denies.
func (g *Gate) applyDenyRules(intent map[string]interface{}) error {
	if len(g.DenyRules) == 0 {
		return nil
	}
	env, err := cel.NewEnv(cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return fmt.Errorf("init deny rule environment: %w", err)
	}
	for _, rule := range g.DenyRules {
		ast, issues := env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("deny rule %q does not compile: %w", rule, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("deny rule %q: %w", rule, err)
		}
		out, _, err := program.Eval(map[string]interface{}{"intent": intent})
		if err != nil {
			return fmt.Errorf("deny rule %q failed to evaluate: %w", rule, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("deny rule %q did not yield a boolean", rule)
		}
		if matched {
			return fmt.Errorf("intent blocked by deny rule: %s", rule)
		}
	}
	return nil
}

// checkAuthorityContract requires allow_execution to be the JSON boolean
// true. Any other value, type, or absence blocks.
func (g *Gate) checkAuthorityContract(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("authority contract %s missing", path)
	}
	var contract map[string]interface{}
	if err := json.Unmarshal(raw, &contract); err != nil {
		return fmt.Errorf("authority contract %s is not valid JSON: %w", path, err)
	}

	allow, present := contract["allow_execution"]
	if !present {
		return fmt.Errorf("authority_contract missing allow_execution=true (default deny)")
	}
	allowed, isBool := allow.(bool)
	if !isBool {
		return fmt.Errorf("ambiguous allow_execution value %v (default deny)", allow)
	}
	if !allowed {
		return fmt.Errorf("authority_contract missing allow_execution=true (default deny)")
	}

	signer, _ := contract["signer"].(string)
	if conflict, ok := contract["signer_conflict"].(string); ok && conflict != "" && conflict != signer {
		return fmt.Errorf("conflicting authority claims detected")
	}
	return nil
}

// checkDecisionRecord requires non-empty claims, evidence, and
// authority_refs bindings, and matches claimed actions against refusals.
func (g *Gate) checkDecisionRecord(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("decision record %s unreadable: %w", path, err)
	}
	var decision struct {
		DecisionID    string                   `json:"decision_id"`
		Claims        []map[string]interface{} `json:"claims"`
		Evidence      []map[string]interface{} `json:"evidence"`
		AuthorityRefs []map[string]interface{} `json:"authority_refs"`
	}
	if err := json.Unmarshal(raw, &decision); err != nil {
		return fmt.Errorf("decision record %s is not valid JSON: %w", path, err)
	}
	if len(decision.Claims) == 0 || len(decision.Evidence) == 0 || len(decision.AuthorityRefs) == 0 {
		return fmt.Errorf("decision_record incomplete (claims/evidence/authority_refs required)")
	}

	if len(g.Refusals) > 0 {
		var claimed []string
		for _, claim := range decision.Claims {
			if action, ok := claim["action"].(string); ok && action != "" {
				claimed = append(claimed, action)
			}
		}
		consumer := contracts.AuthorityGateConsumer{}
		if signal := consumer.CheckRefusals(decision.DecisionID, claimed, g.Refusals); signal != nil {
			return fmt.Errorf("decision claims refused action %s (drift severity %s)",
				signal.ActionType, signal.Severity)
		}
	}
	return nil
}

// FormatResult renders the CI contract line for a gate outcome.
func FormatResult(receipt Receipt, err error) string {
	if err != nil {
		return "FAIL: " + err.Error()
	}
	return "PASS: " + receipt.Reason
}
