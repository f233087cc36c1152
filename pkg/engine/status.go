package engine

// TrunkStatus summarizes one trunk file's allocator usage, the Go
// equivalent of the original service-stat tool's per-trunk counters.
type TrunkStatus struct {
	TrunkID   uint32  `json:"trunk_id"`
	Used      uint64  `json:"used"`
	LiveSize  uint64  `json:"live_size"`
	LiveRatio float64 `json:"live_ratio"`
}

// GroupStatus summarizes one hosted data group for read-only inspection.
type GroupStatus struct {
	GroupID     uint32        `json:"data_group_id"`
	MasterID    uint32        `json:"master_id"`
	IsMaster    bool          `json:"is_master"`
	DataVersion uint64        `json:"data_version"`
	Trunks      []TrunkStatus `json:"trunks"`
}

// Status reports a read-only snapshot of every data group this server
// hosts: membership, current data_version and per-trunk live ratio.
func (s *Server) Status(serverID uint32) []GroupStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]GroupStatus, 0, len(s.groups))
	for _, gs := range s.groups {
		gstat := GroupStatus{GroupID: gs.group.ID, DataVersion: gs.group.DataVersion()}
		if master := gs.group.Master(); master != nil {
			gstat.MasterID = master.ServerID
			gstat.IsMaster = master.ServerID == serverID
		}
		for _, tf := range gs.trunks.AllTrunks() {
			used := tf.Used()
			live := tf.LiveSize()
			ratio := 1.0
			if used > 0 {
				ratio = float64(live) / float64(used)
			}
			gstat.Trunks = append(gstat.Trunks, TrunkStatus{TrunkID: tf.ID, Used: used, LiveSize: live, LiveRatio: ratio})
		}
		out = append(out, gstat)
	}
	return out
}
