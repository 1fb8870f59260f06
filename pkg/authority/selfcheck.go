package authority

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// SelfCheck proves the ledger's tamper evidence against a synthetic chain:
// a clean two-entry chain must verify, a mutated entry must be detected,
// and a wrong signing key must fail signature verification. CI runs this
// before trusting the verifier with real ledgers.
func SelfCheck(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "ledger-self-check-")
	if err != nil {
		return fmt.Errorf("self-check workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	const signingKey = "self-check-key"
	ledger := New(NewFileStore(filepath.Join(dir, "ledger.json")))

	for i := 1; i <= 2; i++ {
		_, err := ledger.AppendAction(ctx, ActionParams{
			AuthorityEvent: Event{
				EventID:    fmt.Sprintf("evt-%d", i),
				EventHash:  fmt.Sprintf("%064d", i),
				TenantID:   "self-check",
				OccurredAt: "2026-01-01T00:00:00Z",
			},
			AuthorityDRI:    "self-check-dri",
			AuthorityRole:   "dri",
			AuthorityReason: "self-check fixture",
			SigningKey:      signingKey,
			ActionType:      "SELF_CHECK",
		})
		if err != nil {
			return fmt.Errorf("self-check append %d: %w", i, err)
		}
	}

	entries, err := ledger.Entries(ctx)
	if err != nil {
		return err
	}
	snapshot, err := ledger.Snapshot(ctx)
	if err != nil {
		return err
	}
	if diags := VerifyChain(entries); len(diags) > 0 {
		return fmt.Errorf("self-check clean chain did not verify: %s", diags[0])
	}
	if diags := VerifySignatures(entries, signingKey); len(diags) > 0 {
		return fmt.Errorf("self-check clean signatures did not verify: %s", diags[0])
	}
	if diags := VerifySnapshot(entries, snapshot); len(diags) > 0 {
		return fmt.Errorf("self-check clean snapshot did not verify: %s", diags[0])
	}

	tampered := make([]Entry, len(entries))
	copy(tampered, entries)
	tampered[0].AuthorityReason = "rewritten after the fact"
	if diags := VerifyChain(tampered); len(diags) == 0 {
		return fmt.Errorf("self-check failed: mutated entry was not detected")
	}
	if diags := VerifySignatures(entries, "wrong-key"); len(diags) == 0 {
		return fmt.Errorf("self-check failed: wrong signing key was not detected")
	}
	return nil
}
