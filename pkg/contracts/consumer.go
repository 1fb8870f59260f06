package contracts

// RefusalEntry is the slice of a ledger entry the gate consumer needs.
type RefusalEntry struct {
	EntryType         string `json:"entry_type"`
	RefusedActionType string `json:"refused_action_type"`
}

// DriftSignal reports that a decision record claims an action the authority
// ledger has structurally refused.
type DriftSignal struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	DecisionID string `json:"decision_id"`
	ActionType string `json:"action_type"`
}

// AuthorityGateConsumer matches decision-record action claims against
// refusal entries.
type AuthorityGateConsumer struct{}

// CheckRefusals returns a red drift signal when any claimed action matches a
// refusal entry, nil otherwise. A nil result is not an allow; allow/deny is
// decided by the pre-execution gate.
func (AuthorityGateConsumer) CheckRefusals(decisionID string, claimedActions []string, refusals []RefusalEntry) *DriftSignal {
	refused := make(map[string]bool, len(refusals))
	for _, r := range refusals {
		if r.EntryType == "AUTHORITY_REFUSAL" && r.RefusedActionType != "" {
			refused[r.RefusedActionType] = true
		}
	}
	for _, action := range claimedActions {
		if refused[action] {
			return &DriftSignal{
				Type:       "authority_refused",
				Severity:   "red",
				DecisionID: decisionID,
				ActionType: action,
			}
		}
	}
	return nil
}
