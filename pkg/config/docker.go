package config

import (
	"os"
	"strings"
	"sync"
)

// DockerHostGateway is the name Docker resolves to the host machine.
const DockerHostGateway = "host.docker.internal"

var inContainer = sync.OnceValue(func() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
})

// ResolveHostForDocker maps a loopback datasource host to the Docker host
// gateway when ekaya-combine itself runs in a container, so a database on
// the developer machine stays reachable. Other hosts are returned unchanged.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, inContainer())
}

func resolveHost(host string, containerized bool) string {
	if !containerized {
		return host
	}
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return DockerHostGateway
	}
	return host
}
