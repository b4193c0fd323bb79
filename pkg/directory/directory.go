// Package directory holds the users, devices and client networks that
// policies target and that incoming queries are attributed to.
package directory

import (
	"net/netip"
	"sort"
	"strings"
	"sync/atomic"

	"wequi-guard/pkg/config"
)

// User is a policy owner.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"username"`
	Email string `json:"email,omitempty"`
}

// Device belongs to exactly one user.
type Device struct {
	ID       string         `json:"id"`
	UserID   string         `json:"user_id"`
	Name     string         `json:"name"`
	Platform string         `json:"platform,omitempty"`
	Hostname string         `json:"dot_hostname,omitempty"`
	Prefixes []netip.Prefix `json:"-"`
}

// Client is the attribution of one query.
type Client struct {
	User   *User
	Device *Device
	ASN    string
}

type network struct {
	prefix netip.Prefix
	asn    string
}

type snapshot struct {
	users     map[string]*User
	devices   map[string]*Device
	byHost    map[string]*Device
	userOrder []string
	devOrder  []string
	networks  []network
}

// Directory is safe for concurrent use; Reload swaps the whole view.
type Directory struct {
	snap atomic.Pointer[snapshot]
}

// New builds a directory from configuration.
func New(cfg config.DirectoryConfig) *Directory {
	d := &Directory{}
	d.Reload(cfg)
	return d
}

// Reload replaces the directory contents. Invalid CIDRs are skipped; config
// validation rejects them before they get here.
func (d *Directory) Reload(cfg config.DirectoryConfig) {
	s := &snapshot{
		users:   make(map[string]*User, len(cfg.Users)),
		devices: make(map[string]*Device, len(cfg.Devices)),
		byHost:  make(map[string]*Device, len(cfg.Devices)),
	}
	for _, u := range cfg.Users {
		s.users[u.ID] = &User{ID: u.ID, Name: u.Name, Email: u.Email}
		s.userOrder = append(s.userOrder, u.ID)
	}
	for _, dc := range cfg.Devices {
		dev := &Device{
			ID:       dc.ID,
			UserID:   dc.UserID,
			Name:     dc.Name,
			Platform: dc.Platform,
			Hostname: strings.ToLower(dc.Hostname),
		}
		for _, c := range dc.CIDRs {
			if p, err := netip.ParsePrefix(c); err == nil {
				dev.Prefixes = append(dev.Prefixes, p.Masked())
			}
		}
		s.devices[dev.ID] = dev
		s.devOrder = append(s.devOrder, dev.ID)
		if dev.Hostname != "" {
			s.byHost[dev.Hostname] = dev
		}
	}
	for _, n := range cfg.Networks {
		if p, err := netip.ParsePrefix(n.CIDR); err == nil {
			s.networks = append(s.networks, network{prefix: p.Masked(), asn: n.ASN})
		}
	}
	// Longest prefix first so lookups can stop at the first hit.
	sort.SliceStable(s.networks, func(i, j int) bool {
		return s.networks[i].prefix.Bits() > s.networks[j].prefix.Bits()
	})
	d.snap.Store(s)
}

// User returns the user with id.
func (d *Directory) User(id string) (*User, bool) {
	u, ok := d.snap.Load().users[id]
	return u, ok
}

// Device returns the device with id.
func (d *Directory) Device(id string) (*Device, bool) {
	dev, ok := d.snap.Load().devices[id]
	return dev, ok
}

// Users lists users in configuration order.
func (d *Directory) Users() []*User {
	s := d.snap.Load()
	out := make([]*User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, s.users[id])
	}
	return out
}

// Devices lists devices in configuration order.
func (d *Directory) Devices() []*Device {
	s := d.snap.Load()
	out := make([]*Device, 0, len(s.devOrder))
	for _, id := range s.devOrder {
		out = append(out, s.devices[id])
	}
	return out
}

// DevicesOf lists the devices owned by userID.
func (d *Directory) DevicesOf(userID string) []*Device {
	var out []*Device
	for _, dev := range d.Devices() {
		if dev.UserID == userID {
			out = append(out, dev)
		}
	}
	return out
}

// Resolve attributes a query to a device (and its owner). The DoT server
// name wins over the source address. serverName may be a full hostname or
// carry the device hostname as its first label.
func (d *Directory) Resolve(addr netip.Addr, serverName string) Client {
	s := d.snap.Load()
	var c Client

	if serverName != "" {
		host := strings.TrimSuffix(strings.ToLower(serverName), ".")
		dev, ok := s.byHost[host]
		if !ok {
			if i := strings.IndexByte(host, '.'); i > 0 {
				dev, ok = s.byHost[host[:i]]
			}
		}
		if ok {
			c.Device = dev
		}
	}

	addr = addr.Unmap()
	if c.Device == nil && addr.IsValid() {
		best := -1
		for _, id := range s.devOrder {
			dev := s.devices[id]
			for _, p := range dev.Prefixes {
				if p.Contains(addr) && p.Bits() > best {
					best = p.Bits()
					c.Device = dev
				}
			}
		}
	}
	if c.Device != nil {
		c.User = s.users[c.Device.UserID]
	}

	if addr.IsValid() {
		for _, n := range s.networks {
			if n.prefix.Contains(addr) {
				c.ASN = n.asn
				break
			}
		}
	}
	return c
}
