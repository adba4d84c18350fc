// Package orchestrator implements the Orchestrator (C10): the end-to-end
// state machine wiring every other component, from opening the source
// Session through signing the migration's audit record (spec.md section
// 4.9).
//
// The state dispatch loop -- a switch over the current State advancing a
// Run, logging and persisting after every transition -- is grounded on
// orders/processor.go's Process: "dispatch by type, then report completion"
// generalized here from an order queue to the fixed Start..Done/Failed
// chain.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wuest/cloudflock/internal/catalog"
	"github.com/wuest/cloudflock/internal/cleanup"
	"github.com/wuest/cloudflock/internal/config"
	"github.com/wuest/cloudflock/internal/evidence"
	"github.com/wuest/cloudflock/internal/migerr"
	"github.com/wuest/cloudflock/internal/migration"
	"github.com/wuest/cloudflock/internal/platformaction"
	"github.com/wuest/cloudflock/internal/profiler"
	"github.com/wuest/cloudflock/internal/provision"
	"github.com/wuest/cloudflock/internal/remediate"
	"github.com/wuest/cloudflock/internal/runstore"
	"github.com/wuest/cloudflock/internal/shell"
)

// State names the Orchestrator's state machine (spec.md section 4.9).
// Terminal states are Done and Failed.
type State string

const (
	StateStart              State = "Start"
	StateConnectSource      State = "ConnectSource"
	StateProfile            State = "Profile"
	StateRecommend          State = "Recommend"
	StateProvision          State = "Provision"
	StateConnectDestination State = "ConnectDestination"
	StateBuildExclusions    State = "BuildExclusions"
	StateMigrate            State = "Migrate"
	StateCleanup            State = "Cleanup"
	StateRemediate          State = "Remediate"
	StateDone               State = "Done"
	StateFailed             State = "Failed"
)

// Opener abstracts shell.Open so tests can substitute fakes.
type Opener func(config.HostEndpoint) (Session, error)

// Session is the subset of shell.Session the Orchestrator and its
// collaborators need.
type Session interface {
	Query(command string, timeout time.Duration, recoverable bool) (string, error)
	AsRoot(command string, timeout time.Duration, recoverable bool) (string, error)
	Hostname() string
	Close()
}

func defaultOpener(endpoint config.HostEndpoint) (Session, error) {
	return shell.Open(endpoint)
}

// Run carries one migration's mutable progress through the state machine.
type Run struct {
	State       State
	Request     config.MigrationRequest
	Source      Session
	Dest        Session
	Instance    provision.Instance
	Profile     profiler.Profile
	DestProfile profiler.Profile
	Flavor      catalog.FlavorChoice
	ImageID     string
	Exclusions  platformaction.ExclusionList
	Result      migration.Result
	Remediated  int
	Err         error
}

// Orchestrator wires C1..C9 plus the external Provisioner into the fixed
// state chain from spec.md section 4.9.
type Orchestrator struct {
	Open        Opener
	Provisioner provision.Provisioner
	RunStore    runstore.Store
	Evidence    *evidence.Submitter
	Catalog     catalog.Catalog
}

// New builds an Orchestrator with shell.Open as its default Session opener.
func New(provisioner provision.Provisioner, store runstore.Store, submitter *evidence.Submitter) *Orchestrator {
	return &Orchestrator{
		Open:        defaultOpener,
		Provisioner: provisioner,
		RunStore:    store,
		Evidence:    submitter,
		Catalog:     catalog.V2,
	}
}

// Execute drives req through the full state chain to Done or Failed,
// persisting progress after every transition when RunStore is set.
func (o *Orchestrator) Execute(ctx context.Context, req config.MigrationRequest) (*Run, error) {
	run := &Run{State: StateStart, Request: req}

	if req.Resume && o.RunStore != nil {
		if saved, err := o.RunStore.Load(ctx, req.Source.Hostname); err == nil && saved != nil {
			run.State = State(saved.State)
			log.Printf("[orchestrator] resuming %s from state %s", req.Source.Hostname, run.State)
		}
	}

	for run.State != StateDone && run.State != StateFailed {
		next := o.step(ctx, run)
		if next == run.State {
			// No forward progress: treat as a stall, not an infinite loop.
			run.Err = migerr.Newf(migerr.KindSessionLost, "orchestrator", "state %s made no progress", run.State)
			next = StateFailed
		}
		run.State = next
		o.persist(ctx, run)
	}

	o.closeSessions(run)

	if run.State == StateDone {
		o.submitEvidence(ctx, run)
		return run, nil
	}
	return run, run.Err
}

// step executes the current state's action and returns the next state. Any
// unrecoverable error moves to Failed (spec.md 4.9: "any step -> on
// unrecoverable -> Failed").
func (o *Orchestrator) step(ctx context.Context, run *Run) State {
	switch run.State {
	case StateStart:
		return StateConnectSource

	case StateConnectSource:
		src, err := o.Open(run.Request.Source)
		if err != nil {
			run.Err = err
			return StateFailed
		}
		run.Source = src
		return StateProfile

	case StateProfile:
		run.Profile = profiler.Run(run.Source)
		return StateRecommend

	case StateRecommend:
		flavor, err := migration.RecommendFlavor(o.Catalog, run.Profile)
		if err != nil {
			run.Err = err
			return StateFailed
		}
		run.Flavor = flavor
		key := catalog.PlatformKeyFromCPE(run.Profile.CPE.Vendor, run.Profile.CPE.Version)
		managed := run.Request.Provision != nil && run.Request.Provision.ManagedAccount
		imageID, ok := o.Catalog.ImageFor(key, managed)
		if !ok {
			run.Err = migerr.Newf(migerr.KindNoImage, "orchestrator.Recommend", "no image for %s", key)
			return StateFailed
		}
		run.ImageID = imageID
		if run.Request.Resume {
			return StateConnectDestination
		}
		return StateProvision

	case StateProvision:
		if o.Provisioner == nil {
			run.Err = migerr.Newf(migerr.KindPlatformUnresolved, "orchestrator.Provision", "no provisioner configured")
			return StateFailed
		}
		provReq := config.ProvisionRequest{}
		if run.Request.Provision != nil {
			provReq = *run.Request.Provision
		}
		provReq.ImageID = run.ImageID
		provReq.FlavorID = run.Flavor.Spec.ID
		instance, err := o.Provisioner.CreateInstance(ctx, provReq)
		if err != nil {
			run.Err = err
			return StateFailed
		}
		run.Instance = instance
		endpoint, err := o.Provisioner.WaitUntilReady(ctx, instance)
		if err != nil {
			run.Err = err
			return StateFailed
		}
		if instance.Managed {
			if err := o.Provisioner.WaitUntilManagedAutomationDone(ctx, instance); err != nil {
				run.Err = err
				return StateFailed
			}
		}
		run.Request.Destination = &endpoint
		return StateConnectDestination

	case StateConnectDestination:
		if run.Request.Destination == nil {
			run.Err = migerr.Newf(migerr.KindPlatformUnresolved, "orchestrator.ConnectDestination", "no destination endpoint")
			return StateFailed
		}
		dest, err := o.Open(*run.Request.Destination)
		if err != nil {
			run.Err = err
			return StateFailed
		}
		run.Dest = dest
		run.DestProfile = profiler.Run(dest)
		return StateBuildExclusions

	case StateBuildExclusions:
		run.Exclusions = platformaction.BuildExclusions(run.Profile.CPE.Vendor, run.Profile.CPE.Product, run.Profile.CPE.Version, "")
		return StateMigrate

	case StateMigrate:
		engine := &migration.Engine{
			Source:      run.Source,
			Destination: run.Dest,
			Profile:     run.Profile,
			Exclusions:  run.Exclusions,
		}
		result, err := engine.Run()
		if err != nil {
			run.Err = err
			return StateFailed
		}
		run.Result = result
		return StateCleanup

	case StateCleanup:
		if run.Result.PassesCompleted < 1 {
			run.Err = migerr.Newf(migerr.KindRsyncFailed, "orchestrator.Cleanup", "cleanup requires at least one completed rsync pass")
			return StateFailed
		}
		plan := platformaction.BuildCleanupPlan(run.Profile.CPE.Vendor, run.Profile.CPE.Product, run.Profile.CPE.Version, "")
		runner := &cleanup.Runner{Destination: run.Dest, Plan: plan}
		for _, res := range runner.Run() {
			if res.Err != nil {
				log.Printf("[orchestrator] cleanup phase %s failed (continuing): %v", res.Phase, res.Err)
			}
		}
		return StateRemediate

	case StateRemediate:
		// Best-effort: a remediation failure is logged, never fatal
		// (spec.md 4.9: "Remediate is best-effort").
		plan, err := remediate.BuildPlan(run.Profile, run.DestProfile, run.Request.OverrideSourceIPs, run.Request.TargetDirectories)
		if err != nil {
			log.Printf("[orchestrator] remediation plan failed (continuing): %v", err)
			return StateDone
		}
		runner := &remediate.Runner{Destination: run.Dest, Plan: plan}
		errs := runner.Run()
		run.Remediated = len(plan.Replacements)*len(plan.TargetDirs) - len(errs)
		for _, err := range errs {
			log.Printf("[orchestrator] remediation sweep failed (continuing): %v", err)
		}
		return StateDone

	default:
		run.Err = fmt.Errorf("unknown state %q", run.State)
		return StateFailed
	}
}

func (o *Orchestrator) persist(ctx context.Context, run *Run) {
	if o.RunStore == nil {
		return
	}
	now := time.Now().UTC()
	saved := runstore.Run{
		SourceHostname: run.Request.Source.Hostname,
		State:          string(run.State),
		UpdatedAt:      now,
	}
	if existing, err := o.RunStore.Load(ctx, run.Request.Source.Hostname); err == nil && existing != nil {
		saved.StartedAt = existing.StartedAt
	} else {
		saved.StartedAt = now
	}
	if err := o.RunStore.Save(ctx, saved); err != nil {
		log.Printf("[orchestrator] run store save failed: %v", err)
	}
}

func (o *Orchestrator) closeSessions(run *Run) {
	// The engine and watchdogs never close Sessions (spec.md 4.6 step 8);
	// only the Orchestrator does, once the state chain terminates.
	if run.Source != nil {
		run.Source.Close()
	}
	if run.Dest != nil {
		run.Dest.Close()
	}
}

func (o *Orchestrator) submitEvidence(ctx context.Context, run *Run) {
	if o.Evidence == nil {
		return
	}
	summary := evidence.Summary{
		SourceHostname:      run.Request.Source.Hostname,
		DestinationHostname: hostnameOf(run.Request.Destination),
		PlatformCPE:         fmt.Sprintf("cpe:/%s:%s:%s:%s", run.Profile.CPE.Part, run.Profile.CPE.Vendor, run.Profile.CPE.Product, run.Profile.CPE.Version),
		ImageID:             run.ImageID,
		FlavorID:            run.Flavor.Spec.ID,
		RsyncPasses:         run.Result.PassesCompleted,
		IPRemediations:      run.Remediated,
		CompletedAt:         time.Now().UTC().Format(time.RFC3339),
	}
	if err := o.Evidence.Submit(ctx, summary); err != nil {
		log.Printf("[orchestrator] evidence submission failed (non-fatal): %v", err)
	}
}

func hostnameOf(ep *config.HostEndpoint) string {
	if ep == nil {
		return ""
	}
	return ep.Hostname
}
