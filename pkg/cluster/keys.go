package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"metasrv/pkg/metaerrors"
	"metasrv/pkg/types"
)

const (
	LeasePrefix = "/lease/"
	StatPrefix  = "/stat/"
)

// LeaseKey addresses the heartbeat lease of one datanode.
type LeaseKey struct {
	ClusterID types.ClusterID
	NodeID    types.NodeID
}

func (k LeaseKey) String() string {
	return fmt.Sprintf("%s%d/%d", LeasePrefix, k.ClusterID, k.NodeID)
}

func (k LeaseKey) Bytes() []byte { return []byte(k.String()) }

func (k LeaseKey) StatKey() StatKey { return StatKey(k) }

// StatKey addresses the latest load report of one datanode.
type StatKey struct {
	ClusterID types.ClusterID
	NodeID    types.NodeID
}

func (k StatKey) String() string {
	return fmt.Sprintf("%s%d/%d", StatPrefix, k.ClusterID, k.NodeID)
}

func (k StatKey) Bytes() []byte { return []byte(k.String()) }

// LeasePrefixOf is the range prefix of every lease in a cluster.
func LeasePrefixOf(cluster types.ClusterID) []byte {
	return []byte(fmt.Sprintf("%s%d/", LeasePrefix, cluster))
}

func ParseLeaseKey(key []byte) (LeaseKey, error) {
	c, n, err := parse(key, LeasePrefix)
	if err != nil {
		return LeaseKey{}, &metaerrors.InvalidKeyError{Kind: "lease", Key: string(key)}
	}
	return LeaseKey{ClusterID: c, NodeID: n}, nil
}

func ParseStatKey(key []byte) (StatKey, error) {
	c, n, err := parse(key, StatPrefix)
	if err != nil {
		return StatKey{}, &metaerrors.InvalidKeyError{Kind: "stat", Key: string(key)}
	}
	return StatKey{ClusterID: c, NodeID: n}, nil
}

func parse(key []byte, prefix string) (types.ClusterID, types.NodeID, error) {
	s, ok := strings.CutPrefix(string(key), prefix)
	if !ok {
		return 0, 0, fmt.Errorf("missing prefix %s", prefix)
	}
	cs, ns, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("missing node id")
	}
	c, err := strconv.ParseUint(cs, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseUint(ns, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return types.ClusterID(c), types.NodeID(n), nil
}
