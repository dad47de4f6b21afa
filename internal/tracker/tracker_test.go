package tracker

import (
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/rabbitcore/internal/config"
)

func TestParseTrackerURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"http", "http://tracker.example.com/announce", true},
		{"https", "https://tracker.example.com/announce", true},
		{"udp", "udp://tracker.example.com:80", true},
		{"unsupported scheme", "ws://tracker.example.com", false},
		{"malformed", "http://[::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseTrackerURL(tt.raw)
			if ok != tt.ok {
				t.Fatalf("parseTrackerURL(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			}
		})
	}
}

func TestBuildAnnounceURLs(t *testing.T) {
	announce := "udp://primary.example.com:80"
	announceList := [][]string{
		{"http://tierA-1.example.com", "http://tierA-2.example.com"},
		{"udp://tierB.example.com:6969"},
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 3 {
		t.Fatalf("got %d tiers, want 3", len(tiers))
	}
	if len(tiers[0]) != 1 || tiers[0][0].String() != announce {
		t.Fatalf("tier 0 = %v, want primary announce", tiers[0])
	}
	if len(tiers[1]) != 2 {
		t.Fatalf("tier 1 len = %d, want 2", len(tiers[1]))
	}
}

func TestBuildAnnounceURLs_DropsUnsupportedSchemes(t *testing.T) {
	tiers, err := buildAnnounceURLs("", [][]string{{"ws://bad.example.com", "http://good.example.com"}})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 1 || len(tiers[0]) != 1 {
		t.Fatalf("expected one tier with one surviving url, got %v", tiers)
	}
}

func TestBuildAnnounceURLs_NoneValid(t *testing.T) {
	if _, err := buildAnnounceURLs("", nil); err == nil {
		t.Fatal("expected error when no announce urls are present")
	}
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	settings, err := config.DefaultSettings()
	if err != nil {
		t.Fatalf("DefaultSettings: %v", err)
	}

	tr, err := NewTracker(
		"http://a.example.com/announce",
		[][]string{{"http://b.example.com/announce", "http://c.example.com/announce"}},
		&Opts{
			Settings:          settings,
			OnAnnounceStart:   func() *AnnounceParams { return &AnnounceParams{} },
			OnAnnounceSuccess: func([]netip.AddrPort) {},
		},
	)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestNewTracker_RequiresHooks(t *testing.T) {
	settings, _ := config.DefaultSettings()

	if _, err := NewTracker("http://a.example.com", nil, &Opts{
		Settings:          settings,
		OnAnnounceSuccess: func([]netip.AddrPort) {},
	}); err == nil {
		t.Fatal("expected error when OnAnnounceStart is missing")
	}

	if _, err := NewTracker("http://a.example.com", nil, &Opts{
		Settings:        settings,
		OnAnnounceStart: func() *AnnounceParams { return &AnnounceParams{} },
	}); err == nil {
		t.Fatal("expected error when OnAnnounceSuccess is missing")
	}
}

func TestTracker_PromoteWithinTier(t *testing.T) {
	tr := newTestTracker(t)

	before := tr.snapshotTier(1)
	if len(before) != 2 {
		t.Fatalf("tier 1 len = %d, want 2", len(before))
	}

	tr.promoteWithinTier(1, 1)

	after := tr.snapshotTier(1)
	if after[0].String() != before[1].String() {
		t.Fatalf("promoted url %v, want %v at front", after[0], before[1])
	}
}

func TestTracker_CalculateBackoff_ClampsToMax(t *testing.T) {
	tr := newTestTracker(t)
	tr.settings.MaxAnnounceBackoff = 20 * time.Second

	d := tr.calculateBackoff(10)
	if d > tr.settings.MaxAnnounceBackoff {
		t.Fatalf("backoff %v exceeds configured max %v", d, tr.settings.MaxAnnounceBackoff)
	}
}

func TestTracker_NextAnnounceInterval_PrefersResponseInterval(t *testing.T) {
	tr := newTestTracker(t)
	tr.settings.AnnounceInterval = 5 * time.Minute
	tr.settings.MinAnnounceInterval = 30 * time.Second

	got := tr.nextAnnounceInterval(&AnnounceResponse{Interval: 90 * time.Second})
	if got != 90*time.Second {
		t.Fatalf("interval = %v, want 90s", got)
	}
}

func TestTracker_NextAnnounceInterval_EnforcesMinimum(t *testing.T) {
	tr := newTestTracker(t)
	tr.settings.MinAnnounceInterval = 2 * time.Minute

	got := tr.nextAnnounceInterval(&AnnounceResponse{Interval: 10 * time.Second})
	if got != 2*time.Minute {
		t.Fatalf("interval = %v, want 2m floor", got)
	}
}

func TestTracker_Metrics_ZeroValue(t *testing.T) {
	tr := newTestTracker(t)

	m := tr.Metrics()
	if m.TotalAnnounces != 0 || m.SuccessfulAnnounces != 0 || !m.LastAnnounce.IsZero() {
		t.Fatalf("expected zero-value metrics on a fresh tracker, got %+v", m)
	}
}
