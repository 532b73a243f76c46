package rpc

import (
	"time"

	"github.com/warrengame/warren/internal/cluster"
)

// statusTimeout is the per-peer deadline for the cluster health probe.
const statusTimeout = 2 * time.Second

// GSStatus is one peer's health entry.
type GSStatus struct {
	GSID  string `json:"gsid"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ClusterStatus pings every GS in the cluster and reports best-effort
// status. Timeouts and transport failures become soft entries instead of
// errors; a dead peer must not fail the status call.
func ClusterStatus(cmap *cluster.Map, pool *Pool) []GSStatus {
	var out []GSStatus
	local := cmap.Local().GSID
	cmap.ForEachGS(func(c cluster.GSConf) bool {
		if c.GSID == local {
			out = append(out, GSStatus{GSID: c.GSID, OK: true})
			return true
		}
		st := GSStatus{GSID: c.GSID, OK: true}
		if err := pool.Ping(c.GSID, statusTimeout); err != nil {
			st.OK = false
			if rerr, ok := err.(*Error); ok && rerr.Kind == KindTimeout {
				st.Error = "RPC timeout"
			} else {
				st.Error = err.Error()
			}
		}
		out = append(out, st)
		return true
	})
	return out
}
