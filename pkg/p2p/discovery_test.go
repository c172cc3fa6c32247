package p2p

import "testing"

func TestBeaconRoundTrip(t *testing.T) {
	b, ok := parseBeacon(encodeBeacon(beacon{ID: "dev-1", Port: 7070, Name: "Kitchen Phone"}))
	if !ok {
		t.Fatal("expected beacon to parse")
	}
	if b.ID != "dev-1" || b.Port != 7070 || b.Name != "Kitchen Phone" {
		t.Fatalf("unexpected beacon %+v", b)
	}
}

func TestParseBeaconDefaultsNameToID(t *testing.T) {
	b, ok := parseBeacon([]byte(beaconPrefix + " dev-2 9000"))
	if !ok {
		t.Fatal("expected beacon to parse")
	}
	if b.Name != "dev-2" {
		t.Fatalf("expected name to default to id, got %q", b.Name)
	}
}

func TestParseBeaconRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"HELLO dev 9000",
		beaconPrefix + " dev",
		beaconPrefix + " dev notaport",
		beaconPrefix + " dev 0",
		beaconPrefix + " dev 70000",
	}
	for _, msg := range cases {
		if _, ok := parseBeacon([]byte(msg)); ok {
			t.Fatalf("expected %q to be rejected", msg)
		}
	}
}

func TestParseSeed(t *testing.T) {
	s, err := parseSeed("phone-b@10.0.0.7:7070")
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	if s.ID != "phone-b" || s.Addr != "10.0.0.7:7070" {
		t.Fatalf("unexpected seed %+v", s)
	}

	for _, bad := range []string{"10.0.0.7:7070", "@10.0.0.7:7070", "phone-b@nohost"} {
		if _, err := parseSeed(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
