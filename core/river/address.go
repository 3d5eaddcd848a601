// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package river

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

const (
	// DefaultMongoPort is used when a server address has no port.
	DefaultMongoPort = 27017

	loopbackHost  = "127.0.0.1"
	localhostName = "localhost"
)

// ServerAddress is a single source server.
type ServerAddress struct {
	Host string `bson:"host" yaml:"host" json:"host"`
	Port int    `bson:"port" yaml:"port" json:"port"`
}

// String returns the address in host:port form.
func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Normalize returns the canonical form of the address used for
// comparisons: a lower cased host, with "localhost" mapped to the loopback
// address and the default port filled in.
func (a ServerAddress) Normalize() ServerAddress {
	host := strings.ToLower(strings.TrimSpace(a.Host))
	if host == localhostName {
		host = loopbackHost
	}
	port := a.Port
	if port == 0 {
		port = DefaultMongoPort
	}
	return ServerAddress{Host: host, Port: port}
}

// Validate ensures the address can be dialled.
func (a ServerAddress) Validate() error {
	if strings.TrimSpace(a.Host) == "" {
		return errors.NotValidf("empty server host")
	}
	if a.Port < 0 || a.Port > 65535 {
		return errors.NotValidf("server port %d", a.Port)
	}
	return nil
}

// ParseServerAddress parses a single host[:port] value.
func ParseServerAddress(s string) (ServerAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ServerAddress{}, errors.NotValidf("empty server address")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port given.
		addr := ServerAddress{Host: s, Port: DefaultMongoPort}
		return addr, errors.Trace(addr.Validate())
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ServerAddress{}, errors.NotValidf("server address %q", s)
	}
	addr := ServerAddress{Host: host, Port: port}
	if err := addr.Validate(); err != nil {
		return ServerAddress{}, errors.Annotatef(err, "server address %q", s)
	}
	return addr, nil
}

// ParseServers parses a comma separated list of host:port values, as used
// in connection strings and data source configuration.
func ParseServers(s string) ([]ServerAddress, error) {
	var servers []ServerAddress
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		addr, err := ParseServerAddress(part)
		if err != nil {
			return nil, errors.Trace(err)
		}
		servers = append(servers, addr)
	}
	if len(servers) == 0 {
		return nil, errors.NotValidf("empty server list %q", s)
	}
	return servers, nil
}

// ParseShardHost parses the host field of a config.shards document, which
// has the form "replicaSetName/host:port,host:port" or just a host list for
// a shard that is not a replica set.
func ParseShardHost(s string) (string, []ServerAddress, error) {
	var setName string
	if i := strings.Index(s, "/"); i >= 0 {
		setName, s = s[:i], s[i+1:]
	}
	servers, err := ParseServers(s)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	return setName, servers, nil
}

// ServerAddresses returns the host:port forms of the servers.
func ServerAddresses(servers []ServerAddress) []string {
	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s.String()
	}
	return addrs
}

// ServerSet is an order independent set of normalized server addresses.
type ServerSet struct {
	addrs set.Strings
}

// NewServerSet returns the set of the given servers.
func NewServerSet(servers ...ServerAddress) ServerSet {
	addrs := set.NewStrings()
	for _, s := range servers {
		addrs.Add(s.Normalize().String())
	}
	return ServerSet{addrs: addrs}
}

// Equals reports whether both sets contain the same servers.
func (s ServerSet) Equals(other ServerSet) bool {
	if s.Size() != other.Size() {
		return false
	}
	return s.addrs.Difference(other.addrs).IsEmpty()
}

// Size returns the number of distinct servers.
func (s ServerSet) Size() int {
	if s.addrs == nil {
		return 0
	}
	return s.addrs.Size()
}

// IsEmpty returns true when the set has no servers.
func (s ServerSet) IsEmpty() bool {
	return s.Size() == 0
}

// IsLoopbackPlaceholder returns true if the set is exactly the single node
// default address that is assumed when no servers were configured.
func (s ServerSet) IsLoopbackPlaceholder() bool {
	return s.Equals(NewServerSet(ServerAddress{Host: loopbackHost, Port: DefaultMongoPort}))
}

// Values returns the sorted normalized addresses.
func (s ServerSet) Values() []string {
	if s.addrs == nil {
		return nil
	}
	return s.addrs.SortedValues()
}

// String implements fmt.Stringer.
func (s ServerSet) String() string {
	return fmt.Sprintf("{%s}", strings.Join(s.Values(), ","))
}

// SortServers returns a sorted copy of the servers.
func SortServers(servers []ServerAddress) []ServerAddress {
	sorted := append([]ServerAddress(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})
	return sorted
}
