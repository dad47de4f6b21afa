package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// overlay mirrors the subset of Settings an operator may reasonably want
// to override from a config file. Pointer/zero-value fields distinguish
// "not set" from "set to the zero value" so LoadYAMLOverlay only touches
// what the file actually specifies.
type overlay struct {
	DefaultDownloadDir *string `yaml:"default_download_dir"`

	ReadTimeout  *time.Duration `yaml:"read_timeout"`
	WriteTimeout *time.Duration `yaml:"write_timeout"`
	DialTimeout  *time.Duration `yaml:"dial_timeout"`
	MaxPeers     *int           `yaml:"max_peers"`
	MaxPeersPerIP *int          `yaml:"max_peers_per_ip"`

	NumWant             *uint32        `yaml:"num_want"`
	AnnounceInterval    *time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval *time.Duration `yaml:"min_announce_interval"`
	MaxAnnounceBackoff  *time.Duration `yaml:"max_announce_backoff"`
	Port                *uint16        `yaml:"port"`

	MaxUploadRate            *int64         `yaml:"max_upload_rate"`
	MaxDownloadRate          *int64         `yaml:"max_download_rate"`
	RateLimitRefresh         *time.Duration `yaml:"rate_limit_refresh"`
	PeerOutboundQueueBacklog *int           `yaml:"peer_outbound_queue_backlog"`

	MaxInflightRequestsPerPeer *int           `yaml:"max_inflight_requests_per_peer"`
	MinInflightRequestsPerPeer *int           `yaml:"min_inflight_requests_per_peer"`
	RequestQueueTime           *time.Duration `yaml:"request_queue_time"`
	RequestTimeout             *time.Duration `yaml:"request_timeout"`
	EndgameDupPerBlock         *int           `yaml:"endgame_dup_per_block"`
	EndgameThreshold           *int           `yaml:"endgame_threshold"`
	WholePieceThreshold        *int           `yaml:"whole_piece_threshold"`
	MaxRequestsPerPiece        *int           `yaml:"max_requests_per_piece"`

	UploadSlots               *int           `yaml:"upload_slots"`
	RechokeInterval           *time.Duration `yaml:"rechoke_interval"`
	OptimisticUnchokeInterval *time.Duration `yaml:"optimistic_unchoke_interval"`
	MaxPieceFailuresPerPeer   *int           `yaml:"max_piece_failures_per_peer"`

	PeerHeartbeatInterval  *time.Duration `yaml:"peer_heartbeat_interval"`
	PeerInactivityDuration *time.Duration `yaml:"peer_inactivity_duration"`
	KeepAliveInterval      *time.Duration `yaml:"keep_alive_interval"`

	DiskWorkers   *int           `yaml:"disk_workers"`
	DiskCacheSize *int           `yaml:"disk_cache_size"`
	CacheExpiry   *time.Duration `yaml:"cache_expiry"`

	TrackerTimeout *time.Duration `yaml:"tracker_timeout"`

	MetricsEnabled  *bool   `yaml:"metrics_enabled"`
	MetricsBindAddr *string `yaml:"metrics_bind_addr"`
	EnableIPv6      *bool   `yaml:"enable_ipv6"`
	EnableDHT       *bool   `yaml:"enable_dht"`
	EnablePEX       *bool   `yaml:"enable_pex"`
}

// LoadYAMLOverlay reads a YAML document from path and applies the fields
// it sets onto a clone of base, leaving everything else untouched.
//
// An overlay file is expected to set only the handful of values an
// operator cares about; it is never a full Settings dump.
func LoadYAMLOverlay(path string, base *Settings) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read overlay %s: %w", path, err)
	}

	return ApplyYAMLOverlay(raw, base)
}

// ApplyYAMLOverlay is LoadYAMLOverlay without the filesystem read, for
// callers that already have the document bytes (e.g. fetched from a
// config-management system).
func ApplyYAMLOverlay(doc []byte, base *Settings) (*Settings, error) {
	var o overlay
	if err := yaml.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("config: parse overlay: %w", err)
	}

	out := base.Clone()

	if o.DefaultDownloadDir != nil {
		out.DefaultDownloadDir = *o.DefaultDownloadDir
	}
	if o.ReadTimeout != nil {
		out.ReadTimeout = *o.ReadTimeout
	}
	if o.WriteTimeout != nil {
		out.WriteTimeout = *o.WriteTimeout
	}
	if o.DialTimeout != nil {
		out.DialTimeout = *o.DialTimeout
	}
	if o.MaxPeers != nil {
		out.MaxPeers = *o.MaxPeers
	}
	if o.MaxPeersPerIP != nil {
		out.MaxPeersPerIP = *o.MaxPeersPerIP
	}
	if o.NumWant != nil {
		out.NumWant = *o.NumWant
	}
	if o.AnnounceInterval != nil {
		out.AnnounceInterval = *o.AnnounceInterval
	}
	if o.MinAnnounceInterval != nil {
		out.MinAnnounceInterval = *o.MinAnnounceInterval
	}
	if o.MaxAnnounceBackoff != nil {
		out.MaxAnnounceBackoff = *o.MaxAnnounceBackoff
	}
	if o.Port != nil {
		out.Port = *o.Port
	}
	if o.MaxUploadRate != nil {
		out.MaxUploadRate = *o.MaxUploadRate
	}
	if o.MaxDownloadRate != nil {
		out.MaxDownloadRate = *o.MaxDownloadRate
	}
	if o.RateLimitRefresh != nil {
		out.RateLimitRefresh = *o.RateLimitRefresh
	}
	if o.PeerOutboundQueueBacklog != nil {
		out.PeerOutboundQueueBacklog = *o.PeerOutboundQueueBacklog
	}
	if o.MaxInflightRequestsPerPeer != nil {
		out.MaxInflightRequestsPerPeer = *o.MaxInflightRequestsPerPeer
	}
	if o.MinInflightRequestsPerPeer != nil {
		out.MinInflightRequestsPerPeer = *o.MinInflightRequestsPerPeer
	}
	if o.RequestQueueTime != nil {
		out.RequestQueueTime = *o.RequestQueueTime
	}
	if o.RequestTimeout != nil {
		out.RequestTimeout = *o.RequestTimeout
	}
	if o.EndgameDupPerBlock != nil {
		out.EndgameDupPerBlock = *o.EndgameDupPerBlock
	}
	if o.EndgameThreshold != nil {
		out.EndgameThreshold = *o.EndgameThreshold
	}
	if o.WholePieceThreshold != nil {
		out.WholePieceThreshold = *o.WholePieceThreshold
	}
	if o.MaxRequestsPerPiece != nil {
		out.MaxRequestsPerPiece = *o.MaxRequestsPerPiece
	}
	if o.UploadSlots != nil {
		out.UploadSlots = *o.UploadSlots
	}
	if o.RechokeInterval != nil {
		out.RechokeInterval = *o.RechokeInterval
	}
	if o.OptimisticUnchokeInterval != nil {
		out.OptimisticUnchokeInterval = *o.OptimisticUnchokeInterval
	}
	if o.MaxPieceFailuresPerPeer != nil {
		out.MaxPieceFailuresPerPeer = *o.MaxPieceFailuresPerPeer
	}
	if o.PeerHeartbeatInterval != nil {
		out.PeerHeartbeatInterval = *o.PeerHeartbeatInterval
	}
	if o.PeerInactivityDuration != nil {
		out.PeerInactivityDuration = *o.PeerInactivityDuration
	}
	if o.KeepAliveInterval != nil {
		out.KeepAliveInterval = *o.KeepAliveInterval
	}
	if o.DiskWorkers != nil {
		out.DiskWorkers = *o.DiskWorkers
	}
	if o.DiskCacheSize != nil {
		out.DiskCacheSize = *o.DiskCacheSize
	}
	if o.CacheExpiry != nil {
		out.CacheExpiry = *o.CacheExpiry
	}
	if o.TrackerTimeout != nil {
		out.TrackerTimeout = *o.TrackerTimeout
	}
	if o.MetricsEnabled != nil {
		out.MetricsEnabled = *o.MetricsEnabled
	}
	if o.MetricsBindAddr != nil {
		out.MetricsBindAddr = *o.MetricsBindAddr
	}
	if o.EnableIPv6 != nil {
		out.EnableIPv6 = *o.EnableIPv6
	}
	if o.EnableDHT != nil {
		out.EnableDHT = *o.EnableDHT
	}
	if o.EnablePEX != nil {
		out.EnablePEX = *o.EnablePEX
	}

	return out, nil
}
