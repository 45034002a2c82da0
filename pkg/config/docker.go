package config

import (
	"os"
	"sync"
)

// dockerHostEnv overrides the gateway name used for loopback hosts, for
// Linux setups where host.docker.internal is not mapped.
const dockerHostEnv = "ONTASK_DOCKER_HOST"

const defaultDockerHost = "host.docker.internal"

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the engine runs inside a Docker container,
// detected by the /.dockerenv file. The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps loopback hosts to the Docker host gateway when
// running in a container, so the metadata database and SQL sources on the
// host machine stay reachable.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker(), os.Getenv(dockerHostEnv))
}

func resolveHost(host string, inDocker bool, gateway string) string {
	if !inDocker {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		if gateway != "" {
			return gateway
		}
		return defaultDockerHost
	}
	return host
}

// ResolvedHost returns the connection host adjusted for Docker.
func (c *ConnectionConfig) ResolvedHost() string {
	return ResolveHostForDocker(c.Host)
}
