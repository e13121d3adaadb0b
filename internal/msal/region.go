package msal

import (
	"encoding/json"
	"strings"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
)

// RegionConfig describes which backend endpoints to address for each
// downstream service. It is derived once per session from the region
// discovery payload and cached until login/logout invalidates it; it is
// non-authoritative configuration, not a credential.
type RegionConfig struct {
	// Region is the bare region, e.g. "amer".
	Region string

	// RegionPartition is the full partition suffix, e.g. "amer-02" for a
	// partitioned deployment or just the region otherwise. Some endpoint
	// families need the bare region, others the full partitioned path, so
	// both are exposed.
	RegionPartition string

	// HasPartition reports whether the middle tier uses the partitioned
	// (".../part/<region>-<NN>") URL format.
	HasPartition bool

	MiddleTierURL  string
	ChatServiceURL string
}

// discoveryPayload is the shape of the region discovery storage entry. Some
// client versions nest the service map under "gtms".
type discoveryPayload struct {
	MiddleTier  string            `json:"middleTier"`
	ChatService string            `json:"chatService"`
	Gtms        *discoveryPayload `json:"gtms,omitempty"`
}

// FindRegionConfig locates the region discovery entry and derives the region
// and partition scheme from the middle-tier URL.
func FindRegionConfig(state *session.State) (*RegionConfig, bool) {
	if state == nil {
		return nil, false
	}

	for _, entry := range state.StorageFor(TeamsOrigin) {
		if !IsRegionDiscoveryEntry(entry.Name) {
			continue
		}

		var payload discoveryPayload
		if err := json.Unmarshal([]byte(entry.Value), &payload); err != nil {
			continue
		}
		if payload.MiddleTier == "" && payload.Gtms != nil {
			payload = *payload.Gtms
		}
		if payload.MiddleTier == "" {
			continue
		}

		cfg := parseRegionFromMiddleTier(payload.MiddleTier)
		if cfg == nil {
			continue
		}
		cfg.MiddleTierURL = payload.MiddleTier
		cfg.ChatServiceURL = payload.ChatService
		return cfg, true
	}

	return nil, false
}

// parseRegionFromMiddleTier detects which of the two physical URL formats is
// present and extracts region information:
//
//	partitioned:     https://host/api/mt/part/amer-02  ->  region=amer, partition=amer-02
//	non-partitioned: https://host/api/mt/emea          ->  region=emea, partition=emea
func parseRegionFromMiddleTier(middleTier string) *RegionConfig {
	trimmed := strings.TrimRight(middleTier, "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) == 0 {
		return nil
	}

	last := segments[len(segments)-1]
	if last == "" {
		return nil
	}

	partitioned := len(segments) >= 2 && segments[len(segments)-2] == "part"
	if partitioned {
		region := last
		if i := strings.IndexByte(last, '-'); i > 0 {
			region = last[:i]
		}
		return &RegionConfig{
			Region:          region,
			RegionPartition: last,
			HasPartition:    true,
		}
	}

	return &RegionConfig{
		Region:          last,
		RegionPartition: last,
		HasPartition:    false,
	}
}
