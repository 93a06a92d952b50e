package model

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// ErrAddressPoolExhausted is returned when a cluster has no free overlay
// address left.
var ErrAddressPoolExhausted = errors.New("no free address in cluster network")

// Cluster groups nodes that form one identity deployment.
type Cluster struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	DomainSuffix      string    `json:"domain_suffix"`
	OxClusterHostname string    `json:"ox_cluster_hostname"`
	OrgName           string    `json:"org_name"`
	OrgShortName      string    `json:"org_short_name"`
	CountryCode       string    `json:"country_code"`
	City              string    `json:"city"`
	State             string    `json:"state"`
	AdminEmail        string    `json:"admin_email"`
	InumOrg           string    `json:"inum_org"`
	InumAppliance     string    `json:"inum_appliance"`
	EncodedAdminPW    string    `json:"encoded_admin_pw"`
	EncodedLdapPW     string    `json:"encoded_ldap_pw"`
	WeaveIPNetwork    string    `json:"weave_ip_network"`
	ReservedAddrs     []string  `json:"reserved_addrs"`
	LastFetchedAddr   string    `json:"last_fetched_addr,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewCluster returns a cluster record with a fresh id.
func NewCluster(name, domainSuffix, network string) *Cluster {
	return &Cluster{
		ID:             uuid.NewString(),
		Name:           name,
		DomainSuffix:   domainSuffix,
		WeaveIPNetwork: network,
		CreatedAt:      time.Now().UTC(),
	}
}

// RecordID implements stores.Record.
func (c *Cluster) RecordID() string { return c.ID }

// Validate checks the record invariants.
func (c *Cluster) Validate() error {
	if c.ID == "" {
		return errors.New("cluster id is required")
	}
	if c.DomainSuffix == "" {
		return errors.New("cluster domain suffix is required")
	}
	if c.WeaveIPNetwork != "" {
		if _, err := netip.ParsePrefix(c.WeaveIPNetwork); err != nil {
			return fmt.Errorf("invalid cluster network: %w", err)
		}
	}
	return nil
}

// SetAdminPassword stores the cluster admin password, which is also used
// as the directory manager password.
func (c *Cluster) SetAdminPassword(pw string) {
	c.EncodedAdminPW = base64.StdEncoding.EncodeToString([]byte(pw))
	c.EncodedLdapPW = c.EncodedAdminPW
}

// AdminPassword decodes the cluster admin password.
func (c *Cluster) AdminPassword() (string, error) {
	pw, err := base64.StdEncoding.DecodeString(c.EncodedAdminPW)
	if err != nil {
		return "", fmt.Errorf("invalid encoded admin password: %w", err)
	}
	return string(pw), nil
}

// NodeDomain returns the domain name assigned to a node of the given type.
func (c *Cluster) NodeDomain(shortID string, nodeType NodeType) string {
	return fmt.Sprintf("%s.%s.%s", shortID, nodeType, c.DomainSuffix)
}

// ReserveIPAddr picks the next unreserved host address in the cluster
// network and records it. The network and broadcast addresses are never
// handed out.
func (c *Cluster) ReserveIPAddr() (string, int, error) {
	prefix, err := netip.ParsePrefix(c.WeaveIPNetwork)
	if err != nil {
		return "", 0, fmt.Errorf("invalid cluster network %q: %w", c.WeaveIPNetwork, err)
	}
	prefix = prefix.Masked()

	reserved := make(map[string]bool, len(c.ReservedAddrs))
	for _, a := range c.ReservedAddrs {
		reserved[a] = true
	}

	// Start after the last handed out address so released addresses are not
	// reused immediately.
	start := prefix.Addr().Next()
	if last, err := netip.ParseAddr(c.LastFetchedAddr); err == nil && prefix.Contains(last) {
		start = last.Next()
	}

	for _, from := range []netip.Addr{start, prefix.Addr().Next()} {
		for addr := from; addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
			if isBroadcast(prefix, addr) {
				break
			}
			if reserved[addr.String()] {
				continue
			}
			c.ReservedAddrs = append(c.ReservedAddrs, addr.String())
			c.LastFetchedAddr = addr.String()
			return addr.String(), prefix.Bits(), nil
		}
	}

	return "", 0, ErrAddressPoolExhausted
}

// ReleaseIPAddr returns addr to the pool.
func (c *Cluster) ReleaseIPAddr(addr string) {
	kept := c.ReservedAddrs[:0]
	for _, a := range c.ReservedAddrs {
		if a != addr {
			kept = append(kept, a)
		}
	}
	c.ReservedAddrs = kept
}

func isBroadcast(prefix netip.Prefix, addr netip.Addr) bool {
	next := addr.Next()
	return !next.IsValid() || !prefix.Contains(next)
}
