// cloudflock-profile connects to a single host and prints its profile
// (C3) as JSON, without performing any migration. Useful for operators
// sanity-checking what the Orchestrator's Recommend step would see before
// committing to a full migration run.
//
// Usage:
//
//	cloudflock-profile --host src.example.com --key ~/.ssh/id_rsa
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/wuest/cloudflock/internal/config"
	"github.com/wuest/cloudflock/internal/profiler"
	"github.com/wuest/cloudflock/internal/shell"
)

var (
	flagHost     = flag.String("host", "", "hostname or address to profile (required)")
	flagUser     = flag.String("user", "root", "login user")
	flagKey      = flag.String("key", "", "path to a private key PEM")
	flagPassword = flag.String("password", "", "password (if not using a key)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *flagHost == "" {
		log.Fatal("--host is required")
	}

	endpoint := config.HostEndpoint{Hostname: *flagHost, LoginUser: *flagUser, Escalation: config.EscalationSudo}
	if *flagUser == "root" {
		endpoint.Escalation = config.EscalationAlreadyRoot
	}
	if *flagKey != "" {
		pem, err := os.ReadFile(*flagKey)
		if err != nil {
			log.Fatalf("read private key %s: %v", *flagKey, err)
		}
		endpoint.PrivateKeyPEM = string(pem)
	} else {
		endpoint.Password = *flagPassword
	}

	session, err := shell.Open(endpoint)
	if err != nil {
		log.Fatalf("connect to %s: %v", *flagHost, err)
	}
	defer session.Close()

	profile := profiler.Run(session)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(profile); err != nil {
		log.Fatalf("encode profile: %v", err)
	}

	for _, warning := range profile.Warnings {
		log.Printf("warning: %s", warning)
	}
}
