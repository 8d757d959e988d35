// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine to host runner VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/alvicsam/cidermill/internal/engine"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.  When empty a
	// custom type is derived from the CPU and memory passed to
	// Configure ("custom-<cpus>-<memoryMB>").
	MachineType string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP gives runner VMs an external IP and makes ResolveAddress
	// return it instead of the internal one.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).  If empty, the project's default compute
	// service account is used.
	ServiceAccount string

	// SSHKeys is written to the instance's ssh-keys metadata
	// ("user:ssh-ed25519 AAAA...") so the guest accepts the executor's
	// key.  Optional.
	SSHKeys string

	// PollInterval is how often Run and ResolveAddress poll instance
	// state.  Default: 10s.
	PollInterval time.Duration
}

// operationWaiter is the part of *compute.Operation the engine uses.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the part of *compute.InstancesClient the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// instancesClient adapts *compute.InstancesClient to instancesAPI.
type instancesClient struct {
	c *compute.InstancesClient
}

func (a instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return a.c.Insert(ctx, req)
}

func (a instancesClient) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return a.c.Get(ctx, req)
}

func (a instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return a.c.Delete(ctx, req)
}

func (a instancesClient) Close() error { return a.c.Close() }

// pendingInstance is an instance that has been cloned but not yet
// inserted.
type pendingInstance struct {
	image    string
	cpus     int
	memoryMB int
}

// Engine manages runner VMs on Compute Engine.
//
// Compute Engine has no separate clone step: Clone and Configure record
// the instance spec and Run performs the insert.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingInstance

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
	)

	return newEngine(instancesClient{c: client}, cfg, logger), nil
}

func newEngine(client instancesAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Engine{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*pendingInstance),
		tracer:  otel.Tracer("cidermill/engine/gcp"),
	}
}

// Check confirms the project and zone are reachable with the ambient
// credentials by looking up an instance that cannot exist.  A 404 means
// the API answered.
func (e *Engine) Check(ctx context.Context) error {
	if e.cfg.Project == "" || e.cfg.Zone == "" {
		return errors.New("gcp: project and zone are required")
	}
	_, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: "cidermill-check",
	})
	if err == nil || isNotFound(err) {
		return nil
	}
	return fmt.Errorf("gcp compute API not usable: %w", err)
}

// Clone records a new instance spec booting from image.
func (e *Engine) Clone(_ context.Context, image, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pending[name]; ok {
		return fmt.Errorf("instance %s already cloned", name)
	}
	e.pending[name] = &pendingInstance{image: image}
	return nil
}

// Configure sets the resources used when the instance is inserted.
func (e *Engine) Configure(_ context.Context, name string, cpus, memoryMB int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[name]
	if !ok {
		return fmt.Errorf("instance %s was not cloned", name)
	}
	p.cpus = cpus
	p.memoryMB = memoryMB
	return nil
}

// Run inserts the instance and polls until it stops.
func (e *Engine) Run(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Run")
	defer span.End()

	e.mu.Lock()
	p, ok := e.pending[name]
	delete(e.pending, name)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s was not cloned", name)
	}

	instance := e.buildInstance(name, p)
	span.SetAttributes(
		attribute.String("vm.name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", instance.GetMachineType()),
	)

	e.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", instance.GetMachineType()),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", name, err)
	}

	// Wait for the insert operation to complete.
	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("waiting for instance %s: %w", name, err)
	}
	e.logger.Info("runner VM started", slog.String("name", name))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// The instance keeps running until Delete removes it.
			return ctx.Err()
		case <-ticker.C:
		}

		inst, err := e.get(ctx, name)
		if isNotFound(err) {
			e.logger.Info("runner VM disappeared", slog.String("name", name))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("polling runner VM",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch inst.GetStatus() {
		case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
			e.logger.Info("runner VM stopped",
				slog.String("name", name),
				slog.String("status", inst.GetStatus()),
			)
			return nil
		}
	}
}

// ResolveAddress polls the instance until its network interface reports
// an address.
func (e *Engine) ResolveAddress(ctx context.Context, name string, wait time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	interval := min(e.cfg.PollInterval, time.Second)
	for {
		inst, err := e.get(ctx, name)
		if err == nil {
			if addr := e.address(inst); addr != "" {
				return addr, nil
			}
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return "", fmt.Errorf("instance %s: %w", name, err)
			}
			return "", fmt.Errorf("instance %s has no address yet", name)
		case <-time.After(interval):
		}
	}
}

// Delete permanently deletes the instance.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (e *Engine) Delete(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Delete")
	defer span.End()

	span.SetAttributes(
		attribute.String("vm.name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	// An instance that was cloned but never run exists only locally.
	e.mu.Lock()
	_, wasPending := e.pending[name]
	delete(e.pending, name)
	e.mu.Unlock()
	if wasPending {
		span.AddEvent("instance never inserted")
		return nil
	}

	e.logger.Info("deleting runner VM", slog.String("name", name))

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			e.logger.Info("runner VM already deleted", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", name, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", name, err)
	}

	e.logger.Info("runner VM deleted", slog.String("name", name))
	return nil
}

// Close closes the API client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) get(ctx context.Context, name string) (*computepb.Instance, error) {
	return e.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
}

func (e *Engine) address(inst *computepb.Instance) string {
	nics := inst.GetNetworkInterfaces()
	if len(nics) == 0 {
		return ""
	}
	if e.cfg.PublicIP {
		for _, ac := range nics[0].GetAccessConfigs() {
			if ac.GetNatIP() != "" {
				return ac.GetNatIP()
			}
		}
		return ""
	}
	return nics[0].GetNetworkIP()
}

func (e *Engine) machineType(p *pendingInstance) string {
	mt := e.cfg.MachineType
	if mt == "" {
		mt = fmt.Sprintf("custom-%d-%d", p.cpus, p.memoryMB)
	}
	return fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, mt)
}

func (e *Engine) buildInstance(name string, p *pendingInstance) *computepb.Instance {
	// Boot disk from the runner image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(p.image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	// Network interface.
	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(e.machineType(p)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Labels:            map[string]string{"managed-by": "cidermill"},
	}

	if e.cfg.SSHKeys != "" {
		instance.Metadata = &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String("ssh-keys"),
					Value: proto.String(e.cfg.SSHKeys),
				},
			},
		}
	}

	// Attach a service account if configured.
	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}
	return instance
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	// Errors that crossed an operation or gRPC boundary only keep the text.
	s := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
