// Package cluster maps entity TSIDs to their owning game-server worker.
// The mapping is pure and deterministic: every process that loads the same
// configuration computes the same owner for every TSID, so no coordination
// traffic is needed to answer "who owns this entity".
package cluster

import (
	"fmt"
	"os"

	"github.com/zeebo/xxh3"

	"github.com/warrengame/warren/internal/config"
)

// GSConf describes one game-server worker endpoint.
type GSConf struct {
	GSID     string
	Host     string
	Port     int // client port
	RPCPort  int
	WSPort   int
	HostPort string // "<host>:<port>" as handed to clients
	Ordinal  int    // position in the sorted GS id list
}

// Map is the cluster ownership map. Immutable after New.
type Map struct {
	gsids []string // sorted lexicographically
	confs map[string]GSConf
	local GSConf
}

// New builds the cluster map from config and resolves this process's GS id.
// The master configures its id directly (cfg.GSID); workers are matched
// through the GSID environment variable against the derived "<host>-<NN>"
// ids. Startup fails when two GS ids hash identically or no local id
// resolves.
func New(cfg *config.Config) (*Map, error) {
	gsids := cfg.GSIDs()
	if len(gsids) == 0 {
		return nil, &config.Error{Key: "net.gameServers", Reason: "no game servers configured"}
	}

	seen := make(map[uint64]string, len(gsids))
	confs := make(map[string]GSConf, len(gsids))
	for i, gsid := range gsids {
		h := xxh3.HashString(gsid)
		if prev, ok := seen[h]; ok {
			return nil, &config.Error{
				Key:    "net.gameServers",
				Reason: fmt.Sprintf("gs ids %q and %q hash identically", prev, gsid),
			}
		}
		seen[h] = gsid

		entry, portIdx, err := cfg.EntryFor(gsid)
		if err != nil {
			return nil, err
		}
		port := entry.Ports[portIdx]
		confs[gsid] = GSConf{
			GSID:     gsid,
			Host:     entry.Host,
			Port:     port,
			RPCPort:  cfg.Net.RPC.BasePort + i,
			WSPort:   port + cfg.Net.WS.PortOffset,
			HostPort: fmt.Sprintf("%s:%d", entry.Host, port),
			Ordinal:  i,
		}
	}

	localID := cfg.GSID
	if localID == "" {
		localID = os.Getenv("GSID")
	}
	local, ok := confs[localID]
	if !ok {
		return nil, &config.Error{
			Key:    "gsid",
			Reason: fmt.Sprintf("no local gs id: %q is not in the cluster", localID),
		}
	}

	return &Map{gsids: gsids, confs: confs, local: local}, nil
}

// Owner returns the GS id owning the given TSID.
func (m *Map) Owner(tsid string) string {
	return m.gsids[xxh3.HashString(tsid)%uint64(len(m.gsids))]
}

// IsLocal reports whether this process owns the given TSID.
func (m *Map) IsLocal(tsid string) bool {
	return m.Owner(tsid) == m.local.GSID
}

// Local returns this process's own GS entry.
func (m *Map) Local() GSConf {
	return m.local
}

// GSConf returns the entry for the given GS id.
func (m *Map) GSConf(gsid string) (GSConf, bool) {
	c, ok := m.confs[gsid]
	return c, ok
}

// ForEachGS calls fn for every GS in the cluster, in sorted id order.
// Iteration stops when fn returns false.
func (m *Map) ForEachGS(fn func(GSConf) bool) {
	for _, gsid := range m.gsids {
		if !fn(m.confs[gsid]) {
			return
		}
	}
}

// ForEachLocalGS calls fn for every GS colocated on this process's host.
func (m *Map) ForEachLocalGS(fn func(GSConf) bool) {
	for _, gsid := range m.gsids {
		c := m.confs[gsid]
		if c.Host == m.local.Host && !fn(c) {
			return
		}
	}
}

// Size returns the number of game servers in the cluster.
func (m *Map) Size() int {
	return len(m.gsids)
}
