// cloudflock-migrate drives a single host migration end to end (C10):
// connect to a source host, profile it, recommend a destination shape,
// provision or reuse a destination, transfer the filesystem, clean up, and
// remediate hardcoded source IPs -- then signs and submits the migration
// evidence record.
//
// Usage:
//
//	cloudflock-migrate --source-host src.example.com --source-key ~/.ssh/id_rsa \
//		--provision-endpoint https://provisioner.internal --provision-api-key $KEY \
//		--provision-name dst1 --provision-region ord
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wuest/cloudflock/internal/config"
	"github.com/wuest/cloudflock/internal/evidence"
	"github.com/wuest/cloudflock/internal/orchestrator"
	"github.com/wuest/cloudflock/internal/provision"
	"github.com/wuest/cloudflock/internal/runstore"
)

var (
	flagConfigPath = flag.String("config", "", "path to a YAML config file (optional; flags override file values)")

	flagSourceHost     = flag.String("source-host", "", "source hostname or address (required)")
	flagSourceUser     = flag.String("source-user", "root", "source login user")
	flagSourceKey      = flag.String("source-key", "", "path to source private key PEM")
	flagSourcePassword = flag.String("source-password", "", "source password (if not using a key)")

	flagDestHost     = flag.String("dest-host", "", "destination hostname or address (required unless provisioning)")
	flagDestUser     = flag.String("dest-user", "root", "destination login user")
	flagDestKey      = flag.String("dest-key", "", "path to destination private key PEM")
	flagDestPassword = flag.String("dest-password", "", "destination password (if not using a key)")

	flagResume = flag.Bool("resume", false, "skip provisioning and connect directly to --dest-host")

	flagProvisionEndpoint = flag.String("provision-endpoint", "", "provisioner API base URL (enables provisioning)")
	flagProvisionAPIKey   = flag.String("provision-api-key", "", "provisioner API key")
	flagProvisionName     = flag.String("provision-name", "", "name for the provisioned instance")
	flagProvisionRegion   = flag.String("provision-region", "", "region for the provisioned instance")
	flagManagedAccount    = flag.Bool("managed-account", false, "destination account class runs post-boot automation")

	flagTargetDirs  = flag.String("remediate-dirs", "", "comma-separated IP remediation scan roots (default /etc)")
	flagOverrideIPs = flag.String("remediate-source-ips", "", "comma-separated source IPs to remediate (default: derived from profile)")

	flagAuditEndpoint = flag.String("audit-endpoint", "", "HTTP endpoint receiving the signed migration evidence record")
	flagRunStoreDSN   = flag.String("run-store-dsn", "", "Postgres connection string for run persistence (default: file-backed)")
	flagRunStorePath  = flag.String("run-store-path", filepath.Join(config.Paths.DataDir, "runs.json"), "file path for run persistence when --run-store-dsn is unset")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *flagConfigPath != "" {
		cfg, err := loadFileConfig(*flagConfigPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		applyFileDefaults(cfg)
	}

	if *flagSourceHost == "" {
		log.Fatal("--source-host is required")
	}

	req := config.MigrationRequest{
		Source: hostEndpoint(*flagSourceHost, *flagSourceUser, *flagSourceKey, *flagSourcePassword),
		Resume: *flagResume,
	}
	if *flagDestHost != "" {
		dest := hostEndpoint(*flagDestHost, *flagDestUser, *flagDestKey, *flagDestPassword)
		req.Destination = &dest
	}
	if *flagTargetDirs != "" {
		req.TargetDirectories = splitCSV(*flagTargetDirs)
	}
	if *flagOverrideIPs != "" {
		req.OverrideSourceIPs = splitCSV(*flagOverrideIPs)
	}
	req.AuditEndpoint = *flagAuditEndpoint
	req.RunStoreDSN = *flagRunStoreDSN

	if !req.Resume {
		if *flagProvisionEndpoint == "" {
			log.Fatal("--provision-endpoint is required unless --resume is set")
		}
		req.Provision = &config.ProvisionRequest{
			Name:           *flagProvisionName,
			Region:         *flagProvisionRegion,
			ManagedAccount: *flagManagedAccount,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	o := orchestrator.New(buildProvisioner(), buildRunStore(req.RunStoreDSN), buildSubmitter(req.AuditEndpoint))

	run, err := o.Execute(ctx, req)
	if err != nil {
		log.Fatalf("migration failed in state %s: %v", run.State, err)
	}
	log.Printf("migration complete: %d rsync passes, %d IP replacements applied", run.Result.PassesCompleted, run.Remediated)
}

func buildProvisioner() provision.Provisioner {
	if *flagProvisionEndpoint == "" {
		return nil
	}
	return provision.NewHTTPProvisioner(*flagProvisionEndpoint, *flagProvisionAPIKey)
}

func buildRunStore(dsn string) runstore.Store {
	if dsn != "" {
		store, err := runstore.NewPostgresStore(context.Background(), dsn)
		if err != nil {
			log.Fatalf("failed to connect run store: %v", err)
		}
		return store
	}
	return runstore.NewFileStore(*flagRunStorePath)
}

func buildSubmitter(auditEndpoint string) *evidence.Submitter {
	keyPath := filepath.Join(config.Paths.DataDir, "evidence_signing_key")
	key, pubHex, err := evidence.LoadOrCreateSigningKey(keyPath)
	if err != nil {
		log.Fatalf("load evidence signing key: %v", err)
	}
	fallback := filepath.Join(config.Paths.DataDir, "migration_evidence.json")
	return evidence.NewSubmitter(auditEndpoint, key, pubHex, fallback)
}

func hostEndpoint(host, user, keyPath, password string) config.HostEndpoint {
	ep := config.HostEndpoint{Hostname: host, LoginUser: user, Escalation: config.EscalationSudo}
	if user == "root" {
		ep.Escalation = config.EscalationAlreadyRoot
	}
	if keyPath != "" {
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			log.Fatalf("read private key %s: %v", keyPath, err)
		}
		ep.PrivateKeyPEM = string(pem)
	} else {
		ep.Password = password
	}
	return ep
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
