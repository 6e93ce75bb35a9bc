//go:build integration

package container

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/secflow/engine/internal/domain"
)

// TestWaitHealthy_AgainstRealContainer exercises the health-poll loop
// against a real tool-server image. The image must implement the container
// bootstrap contract (GET /health returning {status:"ok", servers:[...]});
// set SECFLOW_TEST_TOOLSERVER_IMAGE to run it:
//
//	SECFLOW_TEST_TOOLSERVER_IMAGE=ghcr.io/acme/toolserver:dev \
//	  go test -tags integration ./internal/runner/container/
func TestWaitHealthy_AgainstRealContainer(t *testing.T) {
	image := os.Getenv("SECFLOW_TEST_TOOLSERVER_IMAGE")
	if image == "" {
		t.Skip("SECFLOW_TEST_TOOLSERVER_IMAGE not set")
	}

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"8080/tcp"},
			WaitingFor:   wait.ForListeningPort("8080/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	port, err := ctr.MappedPort(ctx, "8080/tcp")
	require.NoError(t, err)

	// Drive the same poll the runner performs on activation.
	spec := &domain.ContainerSpec{Image: image, HealthPath: "/health"}
	c := &warmContainer{id: "integration", name: "integration", hostPort: port.Port(), image: image}

	runner := New(nil, nil)
	require.NoError(t, runner.waitHealthy(ctx, spec, c))
	require.True(t, c.healthy)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%s/health", port.Port()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
