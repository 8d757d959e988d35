package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	getCalls    int
	deleteCalls []*computepb.DeleteInstanceRequest
	closed      bool

	insertErr error // returned by Insert
	insertOp  operationWaiter
	deleteErr error // returned by Delete
	deleteOp  operationWaiter

	// getResults is consumed one entry per Get call; the last entry
	// repeats.
	getResults []getResult
}

type getResult struct {
	inst *computepb.Instance
	err  error
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp: &mockOperation{},
		deleteOp: &mockOperation{},
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Get(_ context.Context, _ *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getCalls++
	if len(m.getResults) == 0 {
		return nil, &googleapi.Error{Code: http.StatusNotFound}
	}
	r := m.getResults[0]
	if len(m.getResults) > 1 {
		m.getResults = m.getResults[1:]
	}
	return r.inst, r.err
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func instanceWith(status, networkIP, natIP string) *computepb.Instance {
	nic := &computepb.NetworkInterface{}
	if networkIP != "" {
		nic.NetworkIP = proto.String(networkIP)
	}
	if natIP != "" {
		nic.AccessConfigs = []*computepb.AccessConfig{{NatIP: proto.String(natIP)}}
	}
	return &computepb.Instance{
		Status:            proto.String(status),
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
	}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPEngineSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	logger *slog.Logger
	cfg    Config
}

func (s *GCPEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:      "test-project",
		Zone:         "us-central1-a",
		DiskSizeGB:   50,
		Network:      "default",
		PublicIP:     true,
		PollInterval: time.Millisecond,
	}
}

func (s *GCPEngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.cfg, s.logger)
}

// runOnce clones, configures, and runs name with the instance stopping
// on the first poll.
func (s *GCPEngineSuite) runOnce(e *Engine, name string) {
	s.client.getResults = []getResult{{inst: instanceWith("TERMINATED", "10.0.0.2", "")}}
	require.NoError(s.T(), e.Clone(s.ctx, "projects/test-project/global/images/runner-image", name))
	require.NoError(s.T(), e.Configure(s.ctx, name, 4, 8192))
	require.NoError(s.T(), e.Run(s.ctx, name))
}

func TestGCPEngineSuite(t *testing.T) {
	suite.Run(t, new(GCPEngineSuite))
}

// ---------------------------------------------------------------------------
// Run tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestRun_InsertsConfiguredInstance() {
	e := s.newEngine()
	s.runOnce(e, "runner-abc123")

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), "runner-abc123", inst.GetName())
	assert.Equal(s.T(), "zones/us-central1-a/machineTypes/custom-4-8192", inst.GetMachineType())
	assert.Equal(s.T(), "cidermill", inst.GetLabels()["managed-by"])
}

func (s *GCPEngineSuite) TestRun_ExplicitMachineType() {
	s.cfg.MachineType = "e2-standard-4"
	e := s.newEngine()
	s.runOnce(e, "runner-mt")

	inst := s.client.insertCalls[0].GetInstanceResource()
	assert.Equal(s.T(), "zones/us-central1-a/machineTypes/e2-standard-4", inst.GetMachineType())
}

func (s *GCPEngineSuite) TestRun_DiskConfig() {
	s.cfg.DiskSizeGB = 100
	e := s.newEngine()
	s.runOnce(e, "runner-disk")

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), "projects/test-project/global/images/runner-image", disk.GetInitializeParams().GetSourceImage())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "pd-ssd")
}

func (s *GCPEngineSuite) TestRun_PublicIP() {
	s.cfg.PublicIP = true
	e := s.newEngine()
	s.runOnce(e, "runner-pub")

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Len(s.T(), nic.GetAccessConfigs(), 1, "should have access config for public IP")
}

func (s *GCPEngineSuite) TestRun_NoPublicIP() {
	s.cfg.PublicIP = false
	e := s.newEngine()
	s.runOnce(e, "runner-priv")

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs(), "should have no access configs without public IP")
}

func (s *GCPEngineSuite) TestRun_CustomSubnet() {
	s.cfg.Subnet = "projects/test-project/regions/us-central1/subnetworks/my-subnet"
	e := s.newEngine()
	s.runOnce(e, "runner-subnet")

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Equal(s.T(), s.cfg.Subnet, nic.GetSubnetwork())
}

func (s *GCPEngineSuite) TestRun_ServiceAccount() {
	s.cfg.ServiceAccount = "runner@test-project.iam.gserviceaccount.com"
	e := s.newEngine()
	s.runOnce(e, "runner-sa")

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	sa := inst.GetServiceAccounts()[0]
	assert.Equal(s.T(), "runner@test-project.iam.gserviceaccount.com", sa.GetEmail())
	assert.Contains(s.T(), sa.GetScopes(), "https://www.googleapis.com/auth/cloud-platform")
}

func (s *GCPEngineSuite) TestRun_SSHKeysMetadata() {
	s.cfg.SSHKeys = "admin:ssh-ed25519 AAAAC3Nza test"
	e := s.newEngine()
	s.runOnce(e, "runner-ssh")

	items := s.client.insertCalls[0].GetInstanceResource().GetMetadata().GetItems()
	require.Len(s.T(), items, 1)
	assert.Equal(s.T(), "ssh-keys", items[0].GetKey())
	assert.Equal(s.T(), s.cfg.SSHKeys, items[0].GetValue())
}

func (s *GCPEngineSuite) TestRun_PollsUntilStopped() {
	e := s.newEngine()
	require.NoError(s.T(), e.Clone(s.ctx, "img", "runner-poll"))
	require.NoError(s.T(), e.Configure(s.ctx, "runner-poll", 2, 4096))

	s.client.getResults = []getResult{
		{inst: instanceWith("STAGING", "", "")},
		{err: fmt.Errorf("transient 503")},
		{inst: instanceWith("RUNNING", "10.0.0.2", "")},
		{inst: instanceWith("STOPPED", "10.0.0.2", "")},
	}
	require.NoError(s.T(), e.Run(s.ctx, "runner-poll"))
	assert.Equal(s.T(), 4, s.client.getCalls)
}

func (s *GCPEngineSuite) TestRun_InstanceGoneEndsRun() {
	e := s.newEngine()
	require.NoError(s.T(), e.Clone(s.ctx, "img", "runner-gone"))
	// No get results: every Get is a 404.
	assert.NoError(s.T(), e.Run(s.ctx, "runner-gone"))
}

func (s *GCPEngineSuite) TestRun_Cancelled() {
	e := s.newEngine()
	require.NoError(s.T(), e.Clone(s.ctx, "img", "runner-cancel"))
	s.client.getResults = []getResult{{inst: instanceWith("RUNNING", "10.0.0.2", "")}}

	ctx, cancel := context.WithCancel(s.ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx, "runner-cancel") }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(s.T(), err, context.Canceled)
	case <-time.After(5 * time.Second):
		s.T().Fatal("Run did not return after cancellation")
	}
}

func (s *GCPEngineSuite) TestRun_NotCloned() {
	e := s.newEngine()
	assert.Error(s.T(), e.Run(s.ctx, "runner-unknown"))
	assert.Empty(s.T(), s.client.insertCalls)
}

func (s *GCPEngineSuite) TestConfigure_NotCloned() {
	e := s.newEngine()
	assert.Error(s.T(), e.Configure(s.ctx, "runner-unknown", 1, 1024))
}

func (s *GCPEngineSuite) TestRun_InsertError() {
	s.client.insertErr = fmt.Errorf("quota exceeded")
	e := s.newEngine()
	require.NoError(s.T(), e.Clone(s.ctx, "img", "runner-fail"))

	err := e.Run(s.ctx, "runner-fail")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "quota exceeded")
}

func (s *GCPEngineSuite) TestRun_OperationWaitError() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	e := s.newEngine()
	require.NoError(s.T(), e.Clone(s.ctx, "img", "runner-timeout"))

	err := e.Run(s.ctx, "runner-timeout")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")
}

// ---------------------------------------------------------------------------
// ResolveAddress tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestResolveAddress_PublicIP() {
	s.cfg.PublicIP = true
	e := s.newEngine()
	s.client.getResults = []getResult{
		{inst: instanceWith("STAGING", "10.0.0.2", "")},
		{inst: instanceWith("RUNNING", "10.0.0.2", "34.1.2.3")},
	}

	addr, err := e.ResolveAddress(s.ctx, "runner-ip", time.Second)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "34.1.2.3", addr)
}

func (s *GCPEngineSuite) TestResolveAddress_InternalIP() {
	s.cfg.PublicIP = false
	e := s.newEngine()
	s.client.getResults = []getResult{{inst: instanceWith("RUNNING", "10.0.0.7", "34.1.2.3")}}

	addr, err := e.ResolveAddress(s.ctx, "runner-ip", time.Second)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "10.0.0.7", addr)
}

func (s *GCPEngineSuite) TestResolveAddress_Timeout() {
	e := s.newEngine()
	s.client.getResults = []getResult{{inst: instanceWith("STAGING", "", "")}}

	_, err := e.ResolveAddress(s.ctx, "runner-slow", 50*time.Millisecond)
	assert.ErrorContains(s.T(), err, "no address yet")
}

// ---------------------------------------------------------------------------
// Delete tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestDelete_Success() {
	e := s.newEngine()
	s.runOnce(e, "runner-destroy")

	require.NoError(s.T(), e.Delete(s.ctx, "runner-destroy"))

	// Verify Delete was called with correct params
	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "runner-destroy", req.GetInstance())
}

func (s *GCPEngineSuite) TestDelete_NeverInsertedSkipsAPI() {
	e := s.newEngine()
	require.NoError(s.T(), e.Clone(s.ctx, "img", "runner-local"))

	require.NoError(s.T(), e.Delete(s.ctx, "runner-local"))
	assert.Empty(s.T(), s.client.deleteCalls)
}

func (s *GCPEngineSuite) TestDelete_Idempotent_DeleteReturns404() {
	s.client.deleteErr = &googleapi.Error{Code: http.StatusNotFound, Message: "The resource was not found"}
	e := s.newEngine()

	err := e.Delete(s.ctx, "runner-gone")
	require.NoError(s.T(), err, "404 on Delete should be treated as success")
}

func (s *GCPEngineSuite) TestDelete_Idempotent_WaitReturns404() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("code = NotFound")}
	e := s.newEngine()

	err := e.Delete(s.ctx, "runner-race")
	require.NoError(s.T(), err, "404 during Wait should be treated as success")
}

func (s *GCPEngineSuite) TestDelete_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	e := s.newEngine()

	err := e.Delete(s.ctx, "runner-perms")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

// ---------------------------------------------------------------------------
// Check / Close
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestCheck_NotFoundMeansReachable() {
	e := s.newEngine()
	assert.NoError(s.T(), e.Check(s.ctx))
}

func (s *GCPEngineSuite) TestCheck_PermissionError() {
	s.client.getResults = []getResult{{err: &googleapi.Error{Code: http.StatusForbidden}}}
	e := s.newEngine()
	assert.Error(s.T(), e.Check(s.ctx))
}

func (s *GCPEngineSuite) TestCheck_MissingProject() {
	s.cfg.Project = ""
	e := s.newEngine()
	assert.Error(s.T(), e.Check(s.ctx))
}

func (s *GCPEngineSuite) TestClose_ClosesClient() {
	e := s.newEngine()
	require.NoError(s.T(), e.Close())
	assert.True(s.T(), s.client.closed)
}

// ---------------------------------------------------------------------------
// isNotFound
// ---------------------------------------------------------------------------

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"googleapi 404", &googleapi.Error{Code: 404}, true},
		{"wrapped googleapi 404", fmt.Errorf("delete: %w", &googleapi.Error{Code: 404}), true},
		{"googleapi 403", &googleapi.Error{Code: 403}, false},
		{"grpc text", fmt.Errorf("rpc error: code = NotFound desc = gone"), true},
		{"rest text", fmt.Errorf("googleapi: Error 404: not found, notFound"), true},
		{"other", fmt.Errorf("network unreachable"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}
