package service

import (
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
)

// Placeholder is replaced by the primary domain in certificate path templates
const Placeholder = "%s"

// CertPaths holds the three certificate path templates, or their expanded form
type CertPaths struct {
	Certificate        string
	TrustedCertificate string
	CertificateKey     string
}

// Expand substitutes domain into each template
func (p CertPaths) Expand(domain string) CertPaths {
	return CertPaths{
		Certificate:        strings.ReplaceAll(p.Certificate, Placeholder, domain),
		TrustedCertificate: strings.ReplaceAll(p.TrustedCertificate, Placeholder, domain),
		CertificateKey:     strings.ReplaceAll(p.CertificateKey, Placeholder, domain),
	}
}

// EndpointSelector picks the endpoint used as a container's upstream host.
// Containers attached to several networks have no obvious right answer, so
// the policy is injected rather than fixed.
type EndpointSelector func(id ContainerID, nets Networks) (Endpoint, bool)

// FirstNetwork picks the attachment with the lowest network name
func FirstNetwork(_ ContainerID, nets Networks) (Endpoint, bool) {
	if len(nets) == 0 {
		return Endpoint{}, false
	}
	names := make([]string, 0, len(nets))
	for name := range nets {
		names = append(names, name)
	}
	sort.Strings(names)
	return nets[names[0]], true
}

// PreferNetwork picks the named network, falling back to FirstNetwork
func PreferNetwork(name string) EndpointSelector {
	return func(id ContainerID, nets Networks) (Endpoint, bool) {
		if ep, ok := nets[name]; ok {
			return ep, true
		}
		return FirstNetwork(id, nets)
	}
}

// FileExists reports whether path is an existing regular file
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Reconciler turns a Snapshot into Service groups
type Reconciler struct {
	Paths      CertPaths
	CertExists func(path string) bool
	Select     EndpointSelector
}

// NewReconciler creates a reconciler that checks certificates on disk and
// uses the FirstNetwork policy
func NewReconciler(paths CertPaths) *Reconciler {
	return &Reconciler{
		Paths:      paths,
		CertExists: FileExists,
		Select:     FirstNetwork,
	}
}

// GroupKey returns the service key a container belongs to
func GroupKey(id ContainerID, loadBalance LabelMap) string {
	if lb, ok := loadBalance[id]; ok {
		return "lb_" + lb
	}
	return "ct_" + string(id)
}

// Containers returns the proxy-enabled containers in canonical order
func (s Snapshot) Containers() []ContainerID {
	ids := make([]ContainerID, 0, len(s.Ports))
	for id := range s.Ports {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Reconcile groups the certified, proxy-enabled containers of s into
// services. The first container seen for a group key supplies the group's
// metadata; later ones only add an upstream. Errors that affect a single
// container are returned alongside the services and never stop the others.
func (r *Reconciler) Reconcile(s Snapshot) ([]Service, []error) {
	certExists := r.CertExists
	if certExists == nil {
		certExists = FileExists
	}
	sel := r.Select
	if sel == nil {
		sel = FirstNetwork
	}

	var (
		services []*Service
		byKey    = make(map[string]*Service)
		errs     []error
	)

	for _, id := range s.Containers() {
		domains := s.Domains[id]
		if len(domains) == 0 {
			errs = append(errs, &ContainerError{Container: id, Err: ErrMissingVhost})
			continue
		}

		paths := r.Paths.Expand(domains[0])
		if !certExists(paths.Certificate) {
			log.Debug("Certificate not ready, skipping container", "container", id, "path", paths.Certificate)
			continue
		}

		ep, ok := sel(id, s.Networks[id])
		if !ok {
			errs = append(errs, &ContainerError{Container: id, Err: ErrNoNetwork})
			continue
		}

		key := GroupKey(id, s.LoadBalance)
		svc, exists := byKey[key]
		if !exists {
			svc = &Service{
				Key:                key,
				Protocol:           protocolOf(id, s.Protocols),
				Vhosts:             domains,
				Certificate:        paths.Certificate,
				TrustedCertificate: paths.TrustedCertificate,
				CertificateKey:     paths.CertificateKey,
				Default:            hasLabel(id, s.Defaults),
			}
			byKey[key] = svc
			services = append(services, svc)
		} else if !slices.Equal(svc.Vhosts, domains) || svc.Protocol != protocolOf(id, s.Protocols) {
			log.Warn("Container metadata differs from its load-balance group, using the group's",
				"container", id, "group", key, "vhosts", svc.Vhosts, "protocol", svc.Protocol)
		}

		svc.Upstreams = append(svc.Upstreams, Upstream{Host: ep.Host, Port: s.Ports[id]})
	}

	out := make([]Service, 0, len(services))
	for _, svc := range services {
		out = append(out, *svc)
	}
	return out, errs
}

// CertRequest describes a certificate a container is waiting for
type CertRequest struct {
	Key       string
	Container ContainerID
	Domains   []string
	Paths     CertPaths
}

// Pending lists the certificates blocking proxy-enabled containers, one per
// certificate path.
func (r *Reconciler) Pending(s Snapshot) []CertRequest {
	certExists := r.CertExists
	if certExists == nil {
		certExists = FileExists
	}

	var reqs []CertRequest
	seen := make(map[string]bool)
	for _, id := range s.Containers() {
		domains := s.Domains[id]
		if len(domains) == 0 {
			continue
		}
		paths := r.Paths.Expand(domains[0])
		if seen[paths.Certificate] || certExists(paths.Certificate) {
			continue
		}
		seen[paths.Certificate] = true
		reqs = append(reqs, CertRequest{
			Key:       GroupKey(id, s.LoadBalance),
			Container: id,
			Domains:   domains,
			Paths:     paths,
		})
	}
	return reqs
}

// protocolOf returns the protocol label when present, even if empty
func protocolOf(id ContainerID, protocols LabelMap) string {
	if p, ok := protocols[id]; ok {
		return p
	}
	return DefaultProtocol
}

func hasLabel(id ContainerID, labels LabelMap) bool {
	_, ok := labels[id]
	return ok
}
