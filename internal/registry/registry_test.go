package registry

import (
	"reflect"
	"testing"
	"time"

	"skirmish/master/internal/protocol"
)

func testInfo(name string) protocol.ServerInfo {
	return protocol.ServerInfo{
		Name:           name,
		PublicAddress:  "203.0.113.1:28000",
		MasterProtocol: 3,
		ClientProtocol: 9,
		BuildNumber:    1841,
		LevelName:      "Gravity Well",
		LevelType:      "CTF",
		PlayerCount:    4,
		BotCount:       0,
		MaxPlayers:     16,
		Dedicated:      true,
	}
}

func TestRegisterServerIdempotent(t *testing.T) {
	reg := New()
	info := testInfo("Alpha")

	reg.RegisterServer("conn-1", info)
	reg.RegisterServer("conn-1", info)

	servers, _ := reg.Counts()
	if servers != 1 {
		t.Fatalf("expected one record after duplicate registration, got %d", servers)
	}
	rec, ok := reg.LookupServer("conn-1")
	if !ok {
		t.Fatalf("record missing after registration")
	}
	if !reflect.DeepEqual(rec.Info, info) {
		t.Fatalf("record fields drifted: %+v", rec.Info)
	}
}

func TestStatusUpdateRoundTrip(t *testing.T) {
	reg := New()
	info := testInfo("Beta")
	info.PlayerCount = 0
	reg.RegisterServer("conn-s", info)

	results := reg.QueryServers(nil)
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if results[0].Info.PlayerCount != 0 {
		t.Fatalf("player count mutated through the registry: %d", results[0].Info.PlayerCount)
	}
	if results[0].Info.InfoFlags != info.InfoFlags || results[0].Info.LevelType != info.LevelType {
		t.Fatalf("opaque tokens mutated: %+v", results[0].Info)
	}
}

func TestRegisterClampsNegativeCounts(t *testing.T) {
	reg := New()
	info := testInfo("Gamma")
	info.PlayerCount = -3
	info.BotCount = -1
	reg.RegisterServer("conn-neg", info)

	rec, _ := reg.LookupServer("conn-neg")
	if rec.Info.PlayerCount != 0 || rec.Info.BotCount != 0 {
		t.Fatalf("counts must be clamped to zero, got %+v", rec.Info)
	}
}

func TestQueryServersFiltering(t *testing.T) {
	reg := New()
	ctf := testInfo("Gravity Arena")
	ctf.LevelType = "CTF"
	reg.RegisterServer("a", ctf)

	race := testInfo("Speedway")
	race.LevelType = "Race"
	race.Dedicated = false
	race.BotCount = 3
	reg.RegisterServer("b", race)

	old := testInfo("Legacy")
	old.ClientProtocol = 5
	reg.RegisterServer("c", old)

	cases := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{"no filter", nil, []string{"a", "b", "c"}},
		{"protocol", &Filter{ClientProtocol: 9}, []string{"a", "b"}},
		{"level type", &Filter{LevelType: "ctf"}, []string{"a"}},
		{"dedicated", &Filter{DedicatedOnly: true}, []string{"a", "c"}},
		{"hostile to bots", &Filter{HostileToBots: true}, []string{"a", "c"}},
		{"search", &Filter{SearchText: "speed"}, []string{"b"}},
		{"min players", &Filter{MinPlayers: 5}, nil},
	}
	for _, tc := range cases {
		results := reg.QueryServers(tc.filter)
		got := make([]string, 0, len(results))
		for _, rec := range results {
			got = append(got, rec.ID)
		}
		if !reflect.DeepEqual(got, tc.want) && !(len(got) == 0 && len(tc.want) == 0) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestQueryServersPingCeiling(t *testing.T) {
	reg := New()
	reg.RegisterServer("near", testInfo("Near"))
	reg.RegisterServer("far", testInfo("Far"))

	pings := map[string]int{"near": 30, "far": 250}
	filter := &Filter{MaxPing: 100, PingOf: func(id string) int { return pings[id] }}

	results := reg.QueryServers(filter)
	if len(results) != 1 || results[0].ID != "near" {
		t.Fatalf("ping ceiling not applied: %+v", results)
	}
}

func TestUnregisterFiresHooks(t *testing.T) {
	reg := New()
	reg.RegisterServer("conn-x", testInfo("X"))

	var gone []string
	reg.OnUnregister(func(id string) { gone = append(gone, id) })

	reg.Unregister("conn-x")
	reg.Unregister("conn-x")

	if len(gone) != 1 || gone[0] != "conn-x" {
		t.Fatalf("expected one hook firing for conn-x, got %v", gone)
	}
	if _, ok := reg.LookupServer("conn-x"); ok {
		t.Fatalf("record survived unregistration")
	}
}

func TestClientTracking(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := New(WithClock(func() time.Time { return now }))

	reg.TrackClient(ClientInfo{ID: "conn-c", DisplayName: "ace"})
	ok := reg.UpdateClient("conn-c", func(info *ClientInfo) {
		info.Authenticated = true
		info.PlayerID = 1007
	})
	if !ok {
		t.Fatalf("UpdateClient failed for a tracked client")
	}
	info, found := reg.LookupClient("conn-c")
	if !found || !info.Authenticated || info.PlayerID != 1007 {
		t.Fatalf("client mutation lost: %+v", info)
	}
	if !info.LastActive.Equal(now) {
		t.Fatalf("last-active not stamped by the registry clock")
	}
	if reg.UpdateClient("ghost", func(*ClientInfo) {}) {
		t.Fatalf("UpdateClient must report unknown identities")
	}
}
