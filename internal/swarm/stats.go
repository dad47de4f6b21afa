package swarm

import "sync/atomic"

// Stats holds swarm-wide counters: some updated directly by the
// connection-admission path (connecting, failedConnections, totalPeers),
// the rest recomputed every second by statsLoop from a snapshot of every
// connected peer's own Stats.
type Stats struct {
	connecting        atomic.Uint32
	failedConnections atomic.Uint32
	totalPeers        atomic.Uint32

	unchokedPeers    atomic.Uint32
	interestedPeers  atomic.Uint32
	uploadingTo      atomic.Uint32
	downloadingFrom  atomic.Uint32
	totalDownloaded  atomic.Uint64
	totalUploaded    atomic.Uint64
	downloadRate     atomic.Uint64
	uploadRate       atomic.Uint64
}

// Metrics is a point-in-time, JSON-friendly snapshot of Stats.
type Metrics struct {
	TotalPeers        uint32 `json:"totalPeers"`
	ConnectingPeers   uint32 `json:"connectingPeers"`
	FailedConnections uint32 `json:"failedConnections"`
	UnchokedPeers     uint32 `json:"unchokedPeers"`
	InterestedPeers   uint32 `json:"interestedPeers"`
	UploadingTo       uint32 `json:"uploadingTo"`
	DownloadingFrom   uint32 `json:"downloadingFrom"`
	TotalDownloaded   uint64 `json:"totalDownloaded"`
	TotalUploaded     uint64 `json:"totalUploaded"`
	DownloadRate      uint64 `json:"downloadRate"`
	UploadRate        uint64 `json:"uploadRate"`
	State             string `json:"state"`
}

// Stats returns a snapshot of the swarm's current metrics.
func (s *Swarm) Stats() Metrics {
	return Metrics{
		TotalPeers:        s.stats.totalPeers.Load(),
		ConnectingPeers:   s.stats.connecting.Load(),
		FailedConnections: s.stats.failedConnections.Load(),
		UnchokedPeers:     s.stats.unchokedPeers.Load(),
		InterestedPeers:   s.stats.interestedPeers.Load(),
		UploadingTo:       s.stats.uploadingTo.Load(),
		DownloadingFrom:   s.stats.downloadingFrom.Load(),
		TotalDownloaded:   s.stats.totalDownloaded.Load(),
		TotalUploaded:     s.stats.totalUploaded.Load(),
		DownloadRate:      s.stats.downloadRate.Load(),
		UploadRate:        s.stats.uploadRate.Load(),
		State:             s.State().String(),
	}
}
