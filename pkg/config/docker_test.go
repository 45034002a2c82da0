package config

import "testing"

func TestResolveHost(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		inDocker bool
		gateway  string
		want     string
	}{
		{"outside docker", "localhost", false, "", "localhost"},
		{"remote host in docker", "warehouse.internal", true, "", "warehouse.internal"},
		{"localhost in docker", "localhost", true, "", "host.docker.internal"},
		{"ipv4 loopback in docker", "127.0.0.1", true, "", "host.docker.internal"},
		{"ipv6 loopback in docker", "::1", true, "", "host.docker.internal"},
		{"gateway override", "localhost", true, "172.17.0.1", "172.17.0.1"},
		{"override ignored outside docker", "localhost", false, "172.17.0.1", "localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveHost(tt.host, tt.inDocker, tt.gateway); got != tt.want {
				t.Errorf("resolveHost(%q) = %q, want %q", tt.host, got, tt.want)
			}
		})
	}
}

func TestConnectionConfig_ResolvedHost(t *testing.T) {
	c := &ConnectionConfig{Name: "warehouse", Dialect: "postgres", Host: "db.example.com"}
	if got := c.ResolvedHost(); got != "db.example.com" {
		t.Errorf("ResolvedHost() = %q, want db.example.com", got)
	}
}
