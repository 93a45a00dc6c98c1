package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/evorun/internal/controller"
	"github.com/ChuLiYu/evorun/internal/evolve"
	"github.com/ChuLiYu/evorun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeController struct {
	mu      sync.Mutex
	batches [][]controller.Action
	status  controller.Status
}

func (f *fakeController) Send(actions ...controller.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, actions)
}

func (f *fakeController) Status() controller.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// serve 以 bufconn 啟動服務並回傳客戶端
func serve(t *testing.T, ctrl Controller) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, lis, NewServer(ctrl)) }()

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return NewClient(conn)
}

// ============================================================================
// Tests
// ============================================================================

func TestSendParsesCommandsInOrder(t *testing.T) {
	fake := &fakeController{}
	client := serve(t, fake)

	require.NoError(t, client.Send(context.Background(), "seek-begin", "seek 1/2/3", "speed 4", "seek-end"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.batches, 1)
	assert.Equal(t, []controller.Action{
		controller.StartSeekSequence,
		controller.SeekToTarget(types.TimeIndex{Batch: 1, Run: 2, Generation: 3}),
		controller.SetSpeed(4),
		controller.EndSeekSequence,
	}, fake.batches[0])
}

func TestSendRejectsInvalidCommands(t *testing.T) {
	fake := &fakeController{}
	client := serve(t, fake)

	err := client.Send(context.Background(), "start", "warp 9")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = client.Send(context.Background())
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// nothing is forwarded when any command is invalid
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.batches)
}

func TestStatus(t *testing.T) {
	target := types.Last
	fake := &fakeController{status: controller.Status{
		ComputationID: "abc",
		Loaded:        true,
		Current:       types.TimeIndex{Batch: 1, Run: 1, Generation: 4},
		Next:          types.TimeIndex{Batch: 1, Run: 1, Generation: 5},
		RunTarget:     &target,
		SpeedLimit:    10,
		Checkpoints:   3,
		Steps:         4,
	}}
	client := serve(t, fake)

	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", st["computation_id"])
	assert.Equal(t, "1/1/4", st["current"])
	assert.Equal(t, "LAST", st["run_target"])
	assert.Equal(t, true, st["running"])
	assert.Equal(t, 3.0, st["checkpoints"])
	assert.Equal(t, 4.0, st["steps"])
	assert.NotContains(t, st, "seek_target")
}

func TestRemoteRunToEnd(t *testing.T) {
	ctrl := controller.New(controller.Config{}, nil)
	require.NoError(t, ctrl.Start())
	defer func() { ctrl.Send(controller.Terminate); ctrl.Wait() }()

	s, err := evolve.NewSchedule([]evolve.BatchSpec{
		{Runs: 2, Population: 6, GenomeLength: 12, MaxGenerations: 4, TargetFitness: 99, Seed: 1},
	}, evolve.Options{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Load(s, nil))

	client := serve(t, ctrl)
	require.NoError(t, client.Send(context.Background(), "start"))

	require.Eventually(t, func() bool {
		st, err := client.Status(context.Background())
		return err == nil && st["next"] == "END"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Send(context.Background(), "rewind"))
	require.Eventually(t, func() bool {
		st, err := client.Status(context.Background())
		return err == nil && st["current"] == "START"
	}, 2*time.Second, 10*time.Millisecond)
}
