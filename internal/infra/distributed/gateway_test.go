//go:build integration
// +build integration

package distributed_test

import (
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/rollgate/rollgate/internal/infra/distributed/testutil"
)

// TestRedisNetworkDiagnostics dials the shared Redis container and, when the
// dial fails, dumps the container networking picture. It exists for debugging
// CI environments where testcontainers networking misbehaves.
func TestRedisNetworkDiagnostics(t *testing.T) {
	t.Parallel()

	setup := testutil.SetupSharedRedis(t)
	addr := net.JoinHostPort(setup.Host, setup.Port)

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err == nil {
		_ = conn.Close()
		t.Logf("Redis reachable at %s", addr)
		return
	}

	t.Logf("Failed to dial Redis at %s: %v", addr, err)

	// Check network interfaces
	t.Log("=== Network Interfaces ===")
	ifaces, ifaceErr := net.Interfaces()
	if ifaceErr != nil {
		t.Logf("Failed to get interfaces: %v", ifaceErr)
	}
	for _, iface := range ifaces {
		t.Logf("Interface: %s", iface.Name)
		addrs, addrErr := iface.Addrs()
		if addrErr != nil {
			continue
		}
		for _, a := range addrs {
			t.Logf("  Address: %s", a.String())
		}
	}

	// Check default gateway
	t.Log("\n=== Default Gateway ===")
	cmd := exec.Command("ip", "route", "show", "default")
	if output, cmdErr := cmd.CombinedOutput(); cmdErr != nil {
		t.Logf("Failed to get default route: %v", cmdErr)
	} else {
		t.Logf("Default route: %s", output)
	}

	// Try to find the host gateway
	t.Log("\n=== Host Gateway ===")
	cmd = exec.Command("getent", "hosts", "host.docker.internal")
	if output, cmdErr := cmd.CombinedOutput(); cmdErr != nil {
		t.Logf("host.docker.internal not found: %v", cmdErr)
	} else {
		t.Logf("host.docker.internal: %s", output)
	}

	// Check /etc/hosts
	t.Log("\n=== /etc/hosts ===")
	cmd = exec.Command("grep", "host", "/etc/hosts")
	if output, cmdErr := cmd.CombinedOutput(); cmdErr != nil {
		t.Logf("No host entries in /etc/hosts: %v", cmdErr)
	} else {
		t.Logf("Host entries: %s", output)
	}

	t.Fatalf("Redis container at %s is unreachable", addr)
}
