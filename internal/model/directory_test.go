package model

import "testing"

func TestParseDirectory(t *testing.T) {
	recs := ParseDirectory("alice:9001:online;bob:9002:offline;;broken;carol:x:online;dave:9004")
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d: %+v", len(recs), recs)
	}
	if recs[0].Name != "alice" || recs[0].Port != 9001 || !recs[0].Online() {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].Online() {
		t.Fatalf("bob should be offline: %+v", recs[1])
	}
	if recs[2].Name != "dave" || recs[2].Status != "" {
		t.Fatalf("unexpected record without status: %+v", recs[2])
	}
}

func TestFormatDirectoryMatchesParse(t *testing.T) {
	in := []DirectoryRecord{
		{Name: "alice", Port: 9001, Status: StatusOnline},
		{Name: "bob", Port: 9002, Status: StatusOffline},
	}
	s := FormatDirectory(in)
	if s != "alice:9001:online;bob:9002:offline;" {
		t.Fatalf("unexpected format: %q", s)
	}
	online := OnlineOnly(ParseDirectory(s))
	if len(online) != 1 || online[0].Name != "alice" {
		t.Fatalf("unexpected online set: %+v", online)
	}
}

func TestPeerIdentityValidate(t *testing.T) {
	cases := map[string]struct {
		id PeerIdentity
		ok bool
	}{
		"valid":      {PeerIdentity{Name: "alice", Port: 9001}, true},
		"empty name": {PeerIdentity{Name: " ", Port: 9001}, false},
		"separator":  {PeerIdentity{Name: "a:b", Port: 9001}, false},
		"path":       {PeerIdentity{Name: "../a", Port: 9001}, false},
		"zero port":  {PeerIdentity{Name: "alice"}, false},
		"high port":  {PeerIdentity{Name: "alice", Port: 70000}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.id.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
