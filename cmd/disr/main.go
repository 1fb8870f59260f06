// Command disr is the operational surface for the security subsystem: key
// rotation, tenant re-encryption, ledger verification and export, keyring
// administration, and the pre-execution gate. Every subcommand prints a
// PASS/FAIL line as its CI contract and exits non-zero on failure.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/decigov/disr/core/pkg/authority"
	"github.com/decigov/disr/core/pkg/canonicalize"
	"github.com/decigov/disr/core/pkg/config"
	"github.com/decigov/disr/core/pkg/contracts"
	"github.com/decigov/disr/core/pkg/events"
	"github.com/decigov/disr/core/pkg/gate"
	"github.com/decigov/disr/core/pkg/idempotency"
	"github.com/decigov/disr/core/pkg/keyring"
	"github.com/decigov/disr/core/pkg/policy"
	"github.com/decigov/disr/core/pkg/reencrypt"
	"github.com/decigov/disr/core/pkg/rotation"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

const usage = `usage: disr <command> [flags]

commands:
  rotate-keys     mint a new key version with authority approval
  reencrypt       re-encrypt tenant records [--dry-run|--resume]
  verify-ledger   audit the authority ledger chain, signatures, and snapshot [--self-check]
  export-ledger   serialize the ledger to json or ndjson
  refuse          append a structural refusal entry
  gate            run the pre-execution gate [--self-check]
  keyring         keyring administration (create|list|current|disable|expire)
`

// Run dispatches a subcommand; exported for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[1] {
	case "rotate-keys":
		return runRotateKeys(args[2:], stdout, stderr)
	case "reencrypt":
		return runReencrypt(args[2:], stdout, stderr)
	case "verify-ledger":
		return runVerifyLedger(args[2:], stdout, stderr)
	case "export-ledger":
		return runExportLedger(args[2:], stdout, stderr)
	case "refuse":
		return runRefuse(args[2:], stdout, stderr)
	case "gate":
		return runGate(args[2:], stdout, stderr)
	case "keyring":
		return runKeyring(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		fmt.Fprint(stderr, usage)
		return 2
	}
}

func fail(w io.Writer, err error) int {
	fmt.Fprintf(w, "FAIL: %v\n", err)
	return 2
}

func pass(w io.Writer, format string, args ...interface{}) int {
	fmt.Fprintf(w, "PASS: "+format+"\n", args...)
	return 0
}

func newLogger(level string, stderr io.Writer) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lv}))
}

// loadPolicyIfPresent turns an absent default policy file into a nil policy
// rather than an error. A policy named explicitly, by flag or by environment,
// must load or the command fails.
func loadPolicyIfPresent(path string) (*policy.CryptoPolicy, error) {
	if path == "" && os.Getenv(policy.EnvPolicyPath) == "" {
		if _, err := os.Stat(policy.DefaultPolicyPath); os.IsNotExist(err) {
			return nil, nil
		}
	}
	return policy.Load(path)
}

// openLedgerStore picks the ledger backend from the configured database URL.
func openLedgerStore(ctx context.Context, cfg *config.Config) (authority.Store, func() error, error) {
	closeNoop := func() error { return nil }
	switch {
	case cfg.DatabaseURL == "":
		return authority.NewFileStore(cfg.LedgerPath()), closeNoop, nil
	case strings.HasPrefix(cfg.DatabaseURL, "postgres://"):
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		store := authority.NewPostgresStore(db)
		if err := store.Init(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("init postgres ledger: %w", err)
		}
		return store, db.Close, nil
	default:
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		store := authority.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("init sqlite ledger: %w", err)
		}
		return store, db.Close, nil
	}
}

func runRotateKeys(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rotate-keys", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenantID := fs.String("tenant", "", "tenant identifier")
	keyID := fs.String("key-id", "", "logical key identifier")
	ttlDays := fs.Int("ttl-days", 30, "new key version lifetime in days")
	actorUser := fs.String("actor-user", "", "requesting identity")
	actorRole := fs.String("actor-role", "operator", "requesting role")
	dri := fs.String("authority-dri", "", "approving DRI")
	role := fs.String("authority-role", "dri_approver", "approving role")
	reason := fs.String("authority-reason", "", "approval reason")
	policyPath := fs.String("policy", "", "crypto policy path")
	idemKey := fs.String("idempotency-key", "", "request deduplication key")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stdout, err)
	}
	logger := newLogger(cfg.LogLevel, stderr)

	p, err := loadPolicyIfPresent(*policyPath)
	if err != nil {
		return fail(stdout, err)
	}

	registry := keyring.NewRegistry()
	providerName := registry.ResolveProviderName(p)
	provider, err := registry.Create(providerName, keyring.ProviderOptions{Path: cfg.KeystorePath()})
	if err != nil {
		return fail(stdout, err)
	}

	ctx := context.Background()
	store, closeStore, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return fail(stdout, err)
	}
	defer closeStore()

	var dedup idempotency.Store = idempotency.NewFileStore(cfg.IdempotencyPath())
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		dedup = idempotency.NewRedisStore(client, "disr:rotation:", idempotency.DefaultReservationTTL)
	}

	orchestrator := &rotation.Orchestrator{
		Policy:   p,
		Provider: provider,
		Events:   events.NewLog(cfg.EventsPath()),
		Ledger:   authority.New(store),
		Dedup:    dedup,
		Logger:   logger,
	}
	// A provider switch between invocations is itself a security event.
	if previous, changed := recordProviderName(cfg, providerName); changed && previous != "" {
		if _, err := orchestrator.RecordProviderChange(*tenantID, previous, providerName, *actorUser, config.SigningKey()); err != nil {
			return fail(stdout, err)
		}
	}

	result, err := orchestrator.Rotate(ctx, rotation.Params{
		TenantID:            *tenantID,
		KeyID:               *keyID,
		TTLDays:             *ttlDays,
		ActorUser:           *actorUser,
		ActorRole:           *actorRole,
		AuthorityDRI:        *dri,
		AuthorityRole:       *role,
		AuthorityReason:     *reason,
		AuthoritySigningKey: config.SigningKey(),
		IdempotencyKey:      *idemKey,
	})
	if err != nil {
		return fail(stdout, err)
	}
	return pass(stdout, "rotated %s to v%d for %s (entry %s)",
		result.KeyID, result.KeyVersion, result.TenantID, result.AuthorityEntryID)
}

// recordProviderName persists the resolved provider name next to the
// keystore and reports whether it differs from the previous invocation.
func recordProviderName(cfg *config.Config, name string) (previous string, changed bool) {
	markerPath := filepath.Join(cfg.DataDir, "crypto_provider")
	raw, err := os.ReadFile(markerPath)
	if err == nil {
		previous = strings.TrimSpace(string(raw))
	}
	if previous == name {
		return previous, false
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return previous, previous != ""
	}
	_ = os.WriteFile(markerPath, []byte(name+"\n"), 0o600)
	return previous, true
}

func runReencrypt(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reencrypt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenantID := fs.String("tenant", "", "tenant identifier")
	dataDir := fs.String("data-dir", "", "tenant record directory")
	keyID := fs.String("key-id", "", "key identifier stamped on rewritten records")
	keyVersion := fs.Int("key-version", 0, "key version stamped on rewritten records")
	dryRun := fs.Bool("dry-run", false, "report targets without writing")
	resume := fs.Bool("resume", false, "resume from the existing checkpoint")
	policyPath := fs.String("policy", "", "crypto policy path")
	perSecond := fs.Float64("files-per-second", 0, "file rewrite throttle, 0 disables")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stdout, err)
	}
	p, err := loadPolicyIfPresent(*policyPath)
	if err != nil {
		return fail(stdout, err)
	}

	job := &reencrypt.Job{
		TenantID:       *tenantID,
		DataDir:        *dataDir,
		CheckpointPath: cfg.CheckpointPath(),
		CurrentKey:     os.Getenv(reencrypt.EnvMasterKey),
		PreviousKey:    os.Getenv(reencrypt.EnvPreviousMasterKey),
		KeyID:          *keyID,
		KeyVersion:     *keyVersion,
		Policy:         p,
		Events:         events.NewLog(cfg.EventsPath()),
		SigningKey:     config.SigningKey(),
		Logger:         newLogger(cfg.LogLevel, stderr),
	}
	if *perSecond > 0 {
		job.Limiter = rate.NewLimiter(rate.Limit(*perSecond), 1)
	}
	summary, err := job.Run(context.Background(), reencrypt.Options{DryRun: *dryRun, Resume: *resume})
	if err != nil {
		return fail(stdout, err)
	}
	return pass(stdout, "reencrypt %s status=%s files=%d records=%d resumed=%v",
		summary.TenantID, summary.Status, summary.FilesRewritten, summary.RecordsReencrypted, summary.Resumed)
}

func runVerifyLedger(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-ledger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	selfCheck := fs.Bool("self-check", false, "validate the verifier's own tamper evidence")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	if *selfCheck {
		if err := authority.SelfCheck(ctx); err != nil {
			return fail(stdout, err)
		}
		return pass(stdout, "ledger self-check passed")
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stdout, err)
	}
	store, closeStore, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return fail(stdout, err)
	}
	defer closeStore()

	ledger := authority.New(store)
	entries, err := ledger.Entries(ctx)
	if err != nil {
		return fail(stdout, err)
	}
	snapshot, err := ledger.Snapshot(ctx)
	if err != nil {
		return fail(stdout, err)
	}

	var diags []string
	diags = append(diags, authority.VerifyChain(entries)...)
	diags = append(diags, authority.VerifySnapshot(entries, snapshot)...)
	if key := config.SigningKey(); key != "" {
		diags = append(diags, authority.VerifySignatures(entries, key)...)
	}
	for _, finding := range authority.DetectReplay(entries) {
		diags = append(diags, fmt.Sprintf("replayed authority event %s (first seen at %d, again at %d)",
			finding.EventID, finding.FirstSeenIndex, finding.DuplicateIndex))
	}

	if len(diags) > 0 {
		for _, d := range diags {
			fmt.Fprintln(stdout, d)
		}
		return fail(stdout, fmt.Errorf("ledger audit found %d problem(s)", len(diags)))
	}
	return pass(stdout, "ledger verified: %d entries, chain and snapshot intact", len(entries))
}

func runExportLedger(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export-ledger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", authority.FormatJSON, "json or ndjson")
	outPath := fs.String("out", "", "output file, defaults to stdout")
	upload := fs.Bool("upload", false, "upload the export to the configured evidence bucket")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stdout, err)
	}
	ctx := context.Background()
	store, closeStore, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return fail(stdout, err)
	}
	defer closeStore()

	entries, err := authority.New(store).Entries(ctx)
	if err != nil {
		return fail(stdout, err)
	}

	var buf strings.Builder
	result, err := authority.Export(entries, &buf, *format)
	if err != nil {
		return fail(stdout, err)
	}
	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(buf.String()), 0o600); err != nil {
			return fail(stdout, fmt.Errorf("write export: %w", err))
		}
	} else {
		fmt.Fprint(stdout, buf.String())
	}

	if *upload {
		if cfg.ExportBucket == "" {
			return fail(stdout, fmt.Errorf("export upload requested but %s is not set", config.EnvExportBucket))
		}
		uploader, err := authority.NewS3Uploader(ctx, authority.S3UploaderConfig{
			Bucket:   cfg.ExportBucket,
			Region:   cfg.ExportRegion,
			Endpoint: cfg.ExportEndpoint,
			Prefix:   "authority-ledger/",
		})
		if err != nil {
			return fail(stdout, err)
		}
		key := fmt.Sprintf("export-%s.%s", time.Now().UTC().Format("20060102T150405Z"), *format)
		ref, err := uploader.Upload(ctx, key, []byte(buf.String()))
		if err != nil {
			return fail(stdout, err)
		}
		return pass(stdout, "exported %d entries as %s, uploaded as %s (%s)",
			result.EntryCount, result.Format, key, ref)
	}
	return pass(stdout, "exported %d entries as %s", result.EntryCount, result.Format)
}

func runRefuse(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("refuse", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenantID := fs.String("tenant", "", "tenant identifier")
	actionType := fs.String("action-type", "", "action type being refused")
	refusedBy := fs.String("refused-by", "", "refusing identity")
	reason := fs.String("reason", "", "refusal reason")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stdout, err)
	}
	signingKey := config.SigningKey()
	if signingKey == "" {
		return fail(stdout, fmt.Errorf("refusal requires %s", config.EnvSigningKey))
	}

	ctx := context.Background()
	store, closeStore, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return fail(stdout, err)
	}
	defer closeStore()

	refusal, err := contracts.CreateRefusal(*actionType, *refusedBy, *reason, *refusedBy, signingKey, nil)
	if err != nil {
		return fail(stdout, err)
	}
	refusalHash, err := canonicalize.CanonicalHash(refusal)
	if err != nil {
		return fail(stdout, err)
	}

	// The refusal contract is its own authority event: the entry chains the
	// contract's canonical hash, not a security event from the log.
	entry, err := authority.New(store).AppendRefusal(ctx, authority.RefusalParams{
		AuthorityEvent: authority.Event{
			EventID:    refusal.ActionID,
			EventHash:  refusalHash,
			TenantID:   *tenantID,
			OccurredAt: refusal.Timestamp,
			Payload:    map[string]interface{}{"refusal_contract_id": refusal.ActionID},
		},
		RefusedBy:         *refusedBy,
		RefusedActionType: *actionType,
		RefusalReason:     *reason,
		SigningKey:        signingKey,
	})
	if err != nil {
		return fail(stdout, err)
	}
	return pass(stdout, "refusal recorded for %s (entry %s)", *actionType, entry.EntryID)
}

func runGate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	intent := fs.String("intent", "runs/intent_packet.json", "intent packet path")
	authorityPath := fs.String("authority-contract", "runs/authority_contract.json", "authority contract path")
	snapshot := fs.String("snapshot", "runs/input_snapshot.json", "input snapshot path")
	decision := fs.String("decision-record", "runs/decision_record.json", "decision record path")
	denyRulesPath := fs.String("deny-rules", "", "file of CEL deny rules, one per line")
	selfCheck := fs.Bool("self-check", false, "validate the gate's own deny posture")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stdout, err)
	}
	logger := newLogger(cfg.LogLevel, stderr)

	g := &gate.Gate{Logger: logger}
	if *denyRulesPath != "" {
		rules, err := readDenyRules(*denyRulesPath)
		if err != nil {
			return fail(stdout, err)
		}
		g.DenyRules = rules
	}

	if *selfCheck {
		if err := g.SelfCheck(); err != nil {
			return fail(stdout, err)
		}
		return pass(stdout, "pre-exec self-check passed")
	}

	// Feed the ledger's refusals into the gate so structurally refused
	// actions cannot pass on a stale decision record.
	ctx := context.Background()
	store, closeStore, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return fail(stdout, err)
	}
	defer closeStore()
	refusals, err := authority.New(store).Refusals(ctx)
	if err != nil {
		return fail(stdout, err)
	}
	g.Refusals = refusals

	receipt, err := g.Run(gate.Paths{
		Intent:    *intent,
		Authority: *authorityPath,
		Snapshot:  *snapshot,
		Decision:  *decision,
	})
	fmt.Fprintln(stdout, gate.FormatResult(receipt, err))
	if err != nil {
		return 2
	}
	return 0
}

func readDenyRules(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deny rules: %w", err)
	}
	var rules []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules = append(rules, line)
	}
	return rules, nil
}

func runKeyring(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: disr keyring <create|list|current|disable|expire> [flags]")
		return 2
	}
	verb := args[0]

	fs := flag.NewFlagSet("keyring "+verb, flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyID := fs.String("key-id", "", "logical key identifier")
	keyVersion := fs.Int("key-version", 0, "key version, 0 targets the latest")
	ttlDays := fs.Int("ttl-days", 0, "lifetime in days, 0 for no expiry")
	tenantID := fs.String("tenant", "", "tenant recorded on lifecycle events")
	policyPath := fs.String("policy", "", "crypto policy path")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stdout, err)
	}
	p, err := loadPolicyIfPresent(*policyPath)
	if err != nil {
		return fail(stdout, err)
	}

	registry := keyring.NewRegistry()
	provider, err := registry.Create(registry.ResolveProviderName(p), keyring.ProviderOptions{Path: cfg.KeystorePath()})
	if err != nil {
		return fail(stdout, err)
	}

	switch verb {
	case "create":
		var expires *time.Time
		if *ttlDays > 0 {
			t := time.Now().UTC().Add(time.Duration(*ttlDays) * 24 * time.Hour)
			expires = &t
		}
		record, err := provider.CreateKeyVersion(*keyID, expires)
		if err != nil {
			return fail(stdout, err)
		}
		return pass(stdout, "created %s@v%d", record.KeyID, record.KeyVersion)
	case "list":
		records, err := provider.ListKeyVersions(*keyID)
		if err != nil {
			return fail(stdout, err)
		}
		for _, r := range records {
			expiry := "never"
			if r.ExpiresAt != nil {
				expiry = r.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(stdout, "%s@v%d status=%s expires=%s\n", r.KeyID, r.KeyVersion, r.Status, expiry)
		}
		return pass(stdout, "%d record(s)", len(records))
	case "current":
		record, err := provider.CurrentKeyVersion(*keyID)
		if err != nil {
			return fail(stdout, err)
		}
		if record == nil {
			return fail(stdout, fmt.Errorf("no active key version for %s", *keyID))
		}
		return pass(stdout, "current %s@v%d", record.KeyID, record.KeyVersion)
	case "disable":
		record, err := provider.DisableKeyVersion(*keyID, *keyVersion)
		if err != nil {
			return fail(stdout, err)
		}
		log := events.NewLog(cfg.EventsPath())
		_, err = log.Append(events.TypeKeyDisabled, *tenantID, map[string]interface{}{
			"key_id":      record.KeyID,
			"key_version": record.KeyVersion,
		}, events.AppendOptions{SigningKey: config.SigningKey()})
		if err != nil {
			return fail(stdout, err)
		}
		return pass(stdout, "disabled %s@v%d", record.KeyID, record.KeyVersion)
	case "expire":
		changed, err := provider.ExpireKeys(time.Now().UTC())
		if err != nil {
			return fail(stdout, err)
		}
		if changed > 0 {
			log := events.NewLog(cfg.EventsPath())
			_, err = log.Append(events.TypeKeyExpired, *tenantID, map[string]interface{}{
				"expired_count": changed,
			}, events.AppendOptions{SigningKey: config.SigningKey()})
			if err != nil {
				return fail(stdout, err)
			}
		}
		return pass(stdout, "expired %d key version(s)", changed)
	default:
		fmt.Fprintf(stderr, "unknown keyring verb %q\n", verb)
		return 2
	}
}
