package service

import (
	"errors"
	"fmt"
)

// DefaultProtocol is used when a container has no protocol label
const DefaultProtocol = "http"

var (
	ErrMissingVhost = errors.New("container has no vhost")
	ErrNoNetwork    = errors.New("container has no network attachment")
)

// ContainerID identifies a running container
type ContainerID string

// LabelMap holds the value of one label for every container that has it set
type LabelMap map[ContainerID]string

// Endpoint is one network attachment of a container
type Endpoint struct {
	Host string
	Port string
}

// Networks maps a network name to the container's endpoint on it
type Networks map[string]Endpoint

// Upstream is a backend the proxy forwards traffic to
type Upstream struct {
	Host string
	Port string
}

// Service is one routing group written to the proxy configuration
type Service struct {
	Key                string
	Protocol           string
	Vhosts             []string
	Upstreams          []Upstream
	Certificate        string
	TrustedCertificate string
	CertificateKey     string
	Default            bool
}

// Snapshot is the container metadata fetched for a single cycle
type Snapshot struct {
	Ports       LabelMap // proxy-enabled containers and their proxied port
	Domains     map[ContainerID][]string
	Protocols   LabelMap
	Defaults    LabelMap
	LoadBalance LabelMap
	Networks    map[ContainerID]Networks
}

// ContainerError is a failure that only affects one container
type ContainerError struct {
	Container ContainerID
	Err       error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("container %s: %v", e.Container, e.Err)
}

func (e *ContainerError) Unwrap() error {
	return e.Err
}
