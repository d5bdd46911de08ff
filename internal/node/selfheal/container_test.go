package selfheal

import "testing"

// NewContainerRuntime only builds a Docker API client; it does not dial the
// daemon, so it succeeds even with no daemon present in the sandbox.
// Restart/Close are not covered here — they require a real Docker socket.
func TestNewContainerRuntimeBuildsClientWithoutDialing(t *testing.T) {
	rt, err := NewContainerRuntime("", "vendor-daemon")
	if err != nil {
		t.Fatalf("NewContainerRuntime: %v", err)
	}
	defer rt.Close()

	if rt.name != "vendor-daemon" {
		t.Errorf("name: got %q", rt.name)
	}
}

func TestNewContainerRuntimeWithExplicitSocket(t *testing.T) {
	rt, err := NewContainerRuntime("/var/run/custom-docker.sock", "vendor-daemon")
	if err != nil {
		t.Fatalf("NewContainerRuntime: %v", err)
	}
	defer rt.Close()
}
